// Package metrics provides lightweight, lock-minimal counters for the
// trace-replay benchmark.
//
// Request counters use sync/atomic so the replay hot path incurs no mutex
// contention. Latency statistics use a single mutex per dimension; the replay
// loop samples them rather than timing every request.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds all runtime counters for one benchmark run.
// The zero value is valid and ready to use; prefer New() for clarity.
type Metrics struct {
	// Request counters
	Gets      atomic.Int64
	GetMisses atomic.Int64
	Sets      atomic.Int64
	SetFails  atomic.Int64
	Dels      atomic.Int64

	// Latency statistics (mutex-guarded because they accumulate floats)
	getMu   sync.Mutex
	getStat latencyStats

	setMu   sync.Mutex
	setStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordGetLatency records the duration of one sampled get.
func (m *Metrics) RecordGetLatency(d time.Duration) {
	m.getMu.Lock()
	m.getStat.record(float64(d.Nanoseconds()) / 1000.0)
	m.getMu.Unlock()
}

// RecordSetLatency records the duration of one sampled set.
func (m *Metrics) RecordSetLatency(d time.Duration) {
	m.setMu.Lock()
	m.setStat.record(float64(d.Nanoseconds()) / 1000.0)
	m.setMu.Unlock()
}

// Requests returns the total number of replayed requests so far.
func (m *Metrics) Requests() int64 {
	return m.Gets.Load() + m.Sets.Load() + m.Dels.Load()
}

// MissRatio returns misses per get, or 0 before the first get.
func (m *Metrics) MissRatio() float64 {
	gets := m.Gets.Load()
	if gets == 0 {
		return 0
	}
	return float64(m.GetMisses.Load()) / float64(gets)
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.getMu.Lock()
	get := m.getStat.snapshot()
	m.getMu.Unlock()

	m.setMu.Lock()
	set := m.setStat.snapshot()
	m.setMu.Unlock()

	return Snapshot{
		Requests: RequestSnapshot{
			Gets:      m.Gets.Load(),
			GetMisses: m.GetMisses.Load(),
			Sets:      m.Sets.Load(),
			SetFails:  m.SetFails.Load(),
			Dels:      m.Dels.Load(),
		},
		MissRatio: round4(m.MissRatio()),
		Latency: LatencyGroup{
			GetUs: get,
			SetUs: set,
		},
		UptimeSecs: time.Since(m.startTime).Seconds(),
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Requests   RequestSnapshot `json:"requests"`
	MissRatio  float64         `json:"missRatio"`
	Latency    LatencyGroup    `json:"latency"`
	UptimeSecs float64         `json:"uptimeSecs"`
}

// RequestSnapshot holds request-level counters.
type RequestSnapshot struct {
	Gets      int64 `json:"gets"`
	GetMisses int64 `json:"getMisses"`
	Sets      int64 `json:"sets"`
	SetFails  int64 `json:"setFails"`
	Dels      int64 `json:"dels"`
}

// LatencyGroup groups the two latency dimensions.
type LatencyGroup struct {
	GetUs LatencySnapshot `json:"getUs"`
	SetUs LatencySnapshot `json:"setUs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension,
// in microseconds.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinUs  float64 `json:"minUs"`
	MeanUs float64 `json:"meanUs"`
	MaxUs  float64 `json:"maxUs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(us float64) {
	s.count++
	s.sum += us
	if s.count == 1 || us < s.min {
		s.min = us
	}
	if us > s.max {
		s.max = us
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinUs:  round2(s.min),
		MeanUs: round2(s.sum / float64(s.count)),
		MaxUs:  round2(s.max),
	}
}
