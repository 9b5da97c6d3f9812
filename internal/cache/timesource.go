package cache

import "sync/atomic"

// TimeSource is the process-wide "current trace second". The benchmark driver
// advances it in batches (one thread owns the writes); everything in this
// package reads it. Zero value starts at second 0 and is ready to use.
//
// Policies take now as an explicit parameter on their hot paths; the
// TimeSource exists for the paths where threading a timestamp through would
// contort the API (lookups, stats staleness checks).
type TimeSource struct {
	sec atomic.Uint32
}

// Set stores the current trace second.
func (t *TimeSource) Set(sec uint32) { t.sec.Store(sec) }

// Now returns the current trace second.
func (t *TimeSource) Now() uint32 { return t.sec.Load() }
