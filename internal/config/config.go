// Package config loads and holds the full benchmark configuration.
// Settings are layered: defaults → bench-config.json → environment variables
// (env vars win). The CLI's positional arguments are applied last by the
// mybench entrypoint.
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// Config holds the full benchmark configuration.
type Config struct {
	// Cache shape.
	CacheSizeMB      int64  `json:"cacheSizeMB"`
	HashBucketsPower uint   `json:"hashBucketsPower"`
	HashLocksPower   uint   `json:"hashLocksPower"`
	Policy           string `json:"policy"`

	// Policy tuning.
	UpdateOnRead           bool    `json:"updateOnRead"`
	UpdateOnWrite          bool    `json:"updateOnWrite"`
	RefreshTimeSec         uint32  `json:"refreshTimeSec"`
	TryLockUpdate          bool    `json:"tryLockUpdate"`
	S3ProbationaryRatio    float64 `json:"s3ProbationaryRatio"`
	ReconfigureIntervalSec uint32  `json:"reconfigureIntervalSec"`
	AllocRetries           int     `json:"allocRetries"`

	// Replay shape.
	NThreads          int    `json:"nThreads"`
	ReportIntervalSec uint32 `json:"reportIntervalSec"` // single-threaded replay: trace seconds between progress reports, 0 = final only; multi-threaded replay reports every 8 wall-clock seconds
	PinThreads        bool   `json:"pinThreads"`

	// Operational.
	LogLevel       string `json:"logLevel"`
	StatusPort     int    `json:"statusPort"` // 0 = status API disabled
	StatusToken    string `json:"statusToken"`
	RunHistoryFile string `json:"runHistoryFile"` // path to bbolt run history; empty = in-memory only
}

// Load returns config with defaults overridden by bench-config.json and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "bench-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		CacheSizeMB:         1024,
		HashBucketsPower:    22,
		HashLocksPower:      10,
		Policy:              "S3FIFO",
		UpdateOnRead:        true,
		UpdateOnWrite:       false,
		RefreshTimeSec:      60,
		S3ProbationaryRatio: 0.1,
		AllocRetries:        5,
		NThreads:            1,
		ReportIntervalSec:   86400,
		PinThreads:          true,
		LogLevel:            "info",
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("CACHE_SIZE_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.CacheSizeMB = n
		}
	}
	if v := os.Getenv("HASH_BUCKETS_POWER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HashBucketsPower = uint(n)
		}
	}
	if v := os.Getenv("HASH_LOCKS_POWER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HashLocksPower = uint(n)
		}
	}
	if v := os.Getenv("CACHE_POLICY"); v != "" {
		cfg.Policy = v
	}
	if v := os.Getenv("UPDATE_ON_READ"); v == "false" {
		cfg.UpdateOnRead = false
	}
	if v := os.Getenv("UPDATE_ON_WRITE"); v == "true" {
		cfg.UpdateOnWrite = true
	}
	if v := os.Getenv("REFRESH_TIME_SEC"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.RefreshTimeSec = uint32(n)
		}
	}
	if v := os.Getenv("TRY_LOCK_UPDATE"); v == "true" {
		cfg.TryLockUpdate = true
	}
	if v := os.Getenv("S3_PROBATIONARY_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f < 1 {
			cfg.S3ProbationaryRatio = f
		}
	}
	if v := os.Getenv("RECONFIGURE_INTERVAL_SEC"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.ReconfigureIntervalSec = uint32(n)
		}
	}
	if v := os.Getenv("ALLOC_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AllocRetries = n
		}
	}
	if v := os.Getenv("N_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.NThreads = n
		}
	}
	if v := os.Getenv("REPORT_INTERVAL_SEC"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.ReportIntervalSec = uint32(n)
		}
	}
	if v := os.Getenv("PIN_THREADS"); v == "false" {
		cfg.PinThreads = false
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STATUS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StatusPort = n
		}
	}
	if v := os.Getenv("STATUS_TOKEN"); v != "" {
		cfg.StatusToken = v
	}
	if v := os.Getenv("RUN_HISTORY_FILE"); v != "" {
		cfg.RunHistoryFile = v
	}
}
