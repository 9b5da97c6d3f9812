// Package management provides a lightweight HTTP API for runtime inspection
// of a running benchmark.
//
// Endpoints:
//
//	GET /status - replay progress: request counters, miss ratio, latency
//	GET /cache  - cache internals: memory accounting, bucket distribution
//
// Long trace replays run for hours; the API lets an operator check progress
// with curl instead of tailing logs.
package management

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"cachebench/internal/cache"
	"cachebench/internal/config"
	"cachebench/internal/metrics"
)

// Server is the status API server.
type Server struct {
	cfg       *config.Config
	cache     *cache.Cache
	metrics   *metrics.Metrics
	token     string // bearer token for auth; empty = no auth
	startTime time.Time
}

// New creates a status server over the given cache and metrics.
func New(cfg *config.Config, c *cache.Cache, m *metrics.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		cache:     c,
		metrics:   m,
		token:     cfg.StatusToken,
		startTime: time.Now(),
	}
}

// Handler returns the HTTP handler with auth applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /cache", s.handleCache)
	return s.authMiddleware(mux)
}

// authMiddleware enforces the bearer token when one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "running",
		"policy":      s.cfg.Policy,
		"cacheSizeMB": s.cfg.CacheSizeMB,
		"nThreads":    s.cfg.NThreads,
		"uptimeSecs":  time.Since(s.startTime).Seconds(),
		"metrics":     s.metrics.Snapshot(),
	})
}

func (s *Server) handleCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"memory":       s.cache.MemoryStats(),
		"distribution": s.cache.DistributionStats(),
		"traceSecond":  s.cache.Clock().Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[MANAGEMENT] encode response: %v", err)
	}
}

// ListenAndServe runs the status API on the configured port.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.StatusPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
