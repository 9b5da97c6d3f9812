// Package bench — history.go
//
// RunHistory is the store of completed benchmark runs. Long eviction-policy
// comparisons span many invocations; persisting each run's result means a
// sweep over policies or cache sizes can be collated afterwards without
// scraping logs.
//
// Two implementations are provided:
//   - memoryHistory — in-memory only, used in tests and when no path is
//     configured.
//   - bboltHistory  — embedded key-value store (bbolt), used when
//     RUN_HISTORY_FILE points at a database path.
package bench

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// RunRecord is the persisted result of one completed benchmark run.
type RunRecord struct {
	FinishedAt     time.Time `json:"finishedAt"`
	TracePath      string    `json:"tracePath"`
	Policy         string    `json:"policy"`
	CacheSizeMB    int64     `json:"cacheSizeMB"`
	NThreads       int       `json:"nThreads"`
	Requests       int64     `json:"requests"`
	GetMisses      int64     `json:"getMisses"`
	MissRatio      float64   `json:"missRatio"`
	ThroughputMQPS float64   `json:"throughputMQPS"`
	RuntimeSec     float64   `json:"runtimeSec"`
	TraceHours     float64   `json:"traceHours"`
}

// RunHistory is the append-only store of run records.
// All implementations must be safe for concurrent use.
type RunHistory interface {
	// Append stores one completed run.
	Append(rec RunRecord) error

	// List returns all stored runs in insertion order.
	List() ([]RunRecord, error)

	// Close releases any resources held by the store.
	Close() error
}

// --- memoryHistory --------------------------------------------------------

// memoryHistory is a thread-safe in-memory RunHistory.
type memoryHistory struct {
	mu   sync.Mutex
	recs []RunRecord
}

// NewMemoryHistory returns an in-memory RunHistory.
func NewMemoryHistory() RunHistory {
	return &memoryHistory{}
}

func (h *memoryHistory) Append(rec RunRecord) error {
	h.mu.Lock()
	h.recs = append(h.recs, rec)
	h.mu.Unlock()
	return nil
}

func (h *memoryHistory) List() ([]RunRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]RunRecord, len(h.recs))
	copy(out, h.recs)
	return out, nil
}

func (h *memoryHistory) Close() error { return nil }

// --- bboltHistory ---------------------------------------------------------

const historyBucket = "bench_runs"

// bboltHistory is a RunHistory backed by an embedded bbolt database.
// Records survive process restarts; keys are the bucket's auto-increment
// sequence so List returns insertion order.
type bboltHistory struct {
	db *bolt.DB
}

// NewBboltHistory opens (or creates) the bbolt database at path and ensures
// the bucket exists.
func NewBboltHistory(path string) (RunHistory, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open run history %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(historyBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create run history bucket: %w", err)
	}
	return &bboltHistory{db: db}, nil
}

func (h *bboltHistory) Append(rec RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	return h.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(historyBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", historyBucket)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], data)
	})
}

func (h *bboltHistory) List() ([]RunRecord, error) {
	var out []RunRecord
	err := h.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(historyBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode run record: %w", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (h *bboltHistory) Close() error { return h.db.Close() }
