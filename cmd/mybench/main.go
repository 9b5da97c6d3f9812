// Command mybench replays an oracleGeneral trace against the in-memory cache
// core and reports throughput and miss ratio.
//
// Usage:
//
//	mybench <trace_path> <cache_size_mb> [hashpower] [n_threads]
//
// Settings beyond the positionals are layered: defaults → bench-config.json →
// environment variables. The positionals win last:
//
//	CACHE_POLICY=SIEVE mybench cluster52.oracleGeneral 4096 24 8
//
// Exit code 0 on normal completion, non-zero when the trace cannot be opened.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"cachebench/internal/bench"
	"cachebench/internal/cache"
	"cachebench/internal/config"
	"cachebench/internal/logger"
	"cachebench/internal/management"
	"cachebench/internal/metrics"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s trace_path cache_size_in_MB [hashpower] [n_thread]\n", os.Args[0])
}

// applyArgs overlays the CLI positionals onto the layered config and returns
// the trace path.
func applyArgs(cfg *config.Config, args []string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("expected at least 2 arguments, got %d", len(args))
	}
	tracePath := args[0]

	mb, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || mb <= 0 {
		return "", fmt.Errorf("cache_size_in_MB %q must be a positive integer", args[1])
	}
	cfg.CacheSizeMB = mb

	if len(args) >= 3 {
		hp, err := strconv.Atoi(args[2])
		if err != nil || hp <= 0 || hp > 32 {
			return "", fmt.Errorf("hashpower %q must be in [1, 32]", args[2])
		}
		cfg.HashBucketsPower = uint(hp)
	}
	if len(args) >= 4 {
		n, err := strconv.Atoi(args[3])
		if err != nil || n <= 0 {
			return "", fmt.Errorf("n_thread %q must be a positive integer", args[3])
		}
		cfg.NThreads = n
	}
	return tracePath, nil
}

// cacheConfig translates the benchmark config into the core's config.
func cacheConfig(cfg *config.Config) (cache.Config, error) {
	policy, err := cache.ParsePolicy(cfg.Policy)
	if err != nil {
		return cache.Config{}, err
	}
	return cache.Config{
		CacheSizeBytes:         cfg.CacheSizeMB << 20,
		HashBucketsPower:       cfg.HashBucketsPower,
		HashLocksPower:         cfg.HashLocksPower,
		Policy:                 policy,
		UpdateOnRead:           cfg.UpdateOnRead,
		UpdateOnWrite:          cfg.UpdateOnWrite,
		RefreshTimeSec:         cfg.RefreshTimeSec,
		TryLockUpdate:          cfg.TryLockUpdate,
		S3ProbationaryRatio:    cfg.S3ProbationaryRatio,
		ReconfigureIntervalSec: cfg.ReconfigureIntervalSec,
		AllocRetries:           cfg.AllocRetries,
	}, nil
}

func main() {
	cfg := config.Load()
	tracePath, err := applyArgs(cfg, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		usage()
		os.Exit(1)
	}

	log := logger.New("MYBENCH", cfg.LogLevel)
	printBanner(cfg, tracePath)

	ccfg, err := cacheConfig(cfg)
	if err != nil {
		log.Fatalf("config", "%v", err)
	}
	c, err := cache.New(ccfg)
	if err != nil {
		log.Fatalf("cache_init", "%v", err)
	}

	m := metrics.New()

	history, err := openHistory(cfg)
	if err != nil {
		log.Fatalf("history_open", "%v", err)
	}
	defer func() {
		if err := history.Close(); err != nil {
			log.Errorf("history_close", "%v", err)
		}
	}()

	// Status API in the background; the replay does not depend on it.
	if cfg.StatusPort > 0 {
		mgmt := management.New(cfg, c, m)
		go func() {
			if err := mgmt.ListenAndServe(); err != nil {
				log.Errorf("status_api", "%v", err)
			}
		}()
		log.Infof("status_api", "listening on 127.0.0.1:%d", cfg.StatusPort)
	}

	runner := bench.New(c, m, log)

	// SIGINT / SIGTERM stop the replay; the run still reports what it did.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Warn("replay_stop", "signal received, stopping replay")
		runner.Stop()
	}()

	res, err := runner.Run(bench.Options{
		TracePath:         tracePath,
		NThreads:          cfg.NThreads,
		ReportIntervalSec: cfg.ReportIntervalSec,
		PinThreads:        cfg.PinThreads,
	})
	if err != nil {
		log.Fatalf("replay", "%v", err)
	}

	log.Infof("replay_done", "%s requests replayed", humanize.Comma(res.Requests))
	fmt.Printf("cachebench %s %d MiB, %s, %s\n",
		cfg.Policy, cfg.CacheSizeMB, tracePath, res)

	if err := history.Append(bench.RunRecord{
		FinishedAt:     time.Now(),
		TracePath:      tracePath,
		Policy:         cfg.Policy,
		CacheSizeMB:    cfg.CacheSizeMB,
		NThreads:       cfg.NThreads,
		Requests:       res.Requests,
		GetMisses:      res.GetMisses,
		MissRatio:      res.MissRatio,
		ThroughputMQPS: res.ThroughputMQPS,
		RuntimeSec:     res.Runtime.Seconds(),
		TraceHours:     float64(res.TraceSeconds) / 3600.0,
	}); err != nil {
		log.Errorf("history_append", "%v", err)
	}
}

// openHistory picks the run-history backend from config.
func openHistory(cfg *config.Config) (bench.RunHistory, error) {
	if cfg.RunHistoryFile == "" {
		return bench.NewMemoryHistory(), nil
	}
	return bench.NewBboltHistory(cfg.RunHistoryFile)
}

func printBanner(cfg *config.Config, tracePath string) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          cachebench — trace-driven cache bench       ║
╚══════════════════════════════════════════════════════╝
  Trace           : %s
  Cache size      : %s
  Policy          : %s
  Hash buckets    : 2^%d (locks 2^%d)
  Threads         : %d
  Promote on read : %v, on write: %v
`, tracePath,
		humanize.IBytes(uint64(cfg.CacheSizeMB)<<20),
		cfg.Policy,
		cfg.HashBucketsPower, cfg.HashLocksPower,
		cfg.NThreads,
		cfg.UpdateOnRead, cfg.UpdateOnWrite)
}
