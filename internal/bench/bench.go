// Package bench replays oracleGeneral traces against the cache core and
// reports hit ratio and throughput.
//
// The replay loop is get-then-set: every request is a lookup, and a miss
// installs the object with its trace-derived size and TTL. One worker per
// replay thread, each reading its own trace cursor with a private key space
// and, when Options.PinThreads is set, pinned to a core. Worker 1 owns the global trace clock and advances it
// in batches; the first worker to exhaust its trace stops the whole run.
package bench

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"cachebench/internal/cache"
	"cachebench/internal/logger"
	"cachebench/internal/metrics"
	"cachebench/internal/trace"
)

// clockBatch is how many requests worker 1 replays between trace clock
// updates.
const clockBatch = 1000

// stopCheckBatch is how many requests a worker replays between stop-flag
// checks.
const stopCheckBatch = 4096

// latencySampleBatch is how many gets pass between latency samples.
const latencySampleBatch = 1024

// valPattern is the shared value payload, the same cycling alphabet the
// traces were generated against. Workers copy a prefix; they never write it.
var valPattern = func() []byte {
	b := make([]byte, trace.MaxValLen)
	for i := range b {
		b[i] = byte('A' + i%26)
	}
	return b
}()

// Options configures one replay run.
type Options struct {
	TracePath         string
	NThreads          int
	ReportIntervalSec uint32 // single-threaded runs: trace seconds between progress reports, 0 = final only; multi-threaded runs report every 8 wall-clock seconds
	PinThreads        bool
}

// Result summarizes one completed run.
type Result struct {
	Requests       int64
	Gets           int64
	GetMisses      int64
	Sets           int64
	SetFails       int64
	TraceSeconds   uint32
	Runtime        time.Duration
	ThroughputMQPS float64
	MissRatio      float64
}

// Runner drives trace replay against one cache.
type Runner struct {
	cache *cache.Cache
	pool  cache.PoolID
	m     *metrics.Metrics
	log   *logger.Logger

	stop      atomic.Bool
	traceTime atomic.Uint32
}

// New returns a Runner over the given cache and metrics. The runner owns the
// cache's one pool.
func New(c *cache.Cache, m *metrics.Metrics, log *logger.Logger) *Runner {
	return &Runner{cache: c, pool: c.AddPool("default"), m: m, log: log}
}

// Stop asks the replay to finish early. Safe from any goroutine (signal
// handlers included).
func (r *Runner) Stop() { r.stop.Store(true) }

// Run replays the trace and returns the aggregated result.
func (r *Runner) Run(opts Options) (Result, error) {
	if opts.NThreads <= 1 {
		return r.runSingle(opts)
	}
	return r.runMT(opts)
}

// replayRequest performs one get-then-set against the cache.
func (r *Runner) replayRequest(req *trace.Request, sample bool) {
	r.m.Gets.Add(1)

	var start time.Time
	if sample {
		start = time.Now()
	}
	if h := r.cache.Find(req.Key); h != nil {
		h.Release()
		if sample {
			r.m.RecordGetLatency(time.Since(start))
		}
		return
	}
	if sample {
		r.m.RecordGetLatency(time.Since(start))
	}
	r.m.GetMisses.Add(1)

	if sample {
		start = time.Now()
	}
	h, err := r.cache.Allocate(r.pool, req.Key, req.ValLen, req.TTL, req.Timestamp)
	if err != nil {
		r.m.SetFails.Add(1)
		return
	}
	copy(h.Value(), valPattern[:req.ValLen])
	if old := r.cache.InsertOrReplace(h); old != nil {
		old.Release()
	}
	h.Release()
	r.m.Sets.Add(1)
	if sample {
		r.m.RecordSetLatency(time.Since(start))
	}
}

func (r *Runner) runSingle(opts Options) (Result, error) {
	reader, err := trace.Open(opts.TracePath, 0)
	if err != nil {
		return Result{}, err
	}
	defer reader.Close() //nolint:errcheck
	if reader.Truncated() {
		r.log.Warnf("trace_open", "%s is not a whole number of records; trailing bytes ignored", opts.TracePath)
	}
	r.log.Infof("replay_start", "1 thread, %d requests", reader.NumRequests())

	start := time.Now()
	var req trace.Request
	var nextReport uint32
	var count int64

	for reader.Read(&req) == nil {
		if count%clockBatch == 0 {
			r.cache.Clock().Set(req.Timestamp)
		}
		r.replayRequest(&req, count%latencySampleBatch == 0)
		count++
		r.traceTime.Store(req.Timestamp)

		if opts.ReportIntervalSec > 0 {
			if nextReport == 0 {
				nextReport = req.Timestamp + opts.ReportIntervalSec
			} else if req.Timestamp >= nextReport {
				nextReport += opts.ReportIntervalSec
				r.report(start)
			}
		}
		if count%stopCheckBatch == 0 && r.stop.Load() {
			break
		}
	}
	return r.result(start), nil
}

func (r *Runner) runMT(opts Options) (Result, error) {
	n := opts.NThreads

	// Open every reader up front so a bad trace path fails before any worker
	// starts.
	readers := make([]*trace.Reader, n)
	for i := 0; i < n; i++ {
		reader, err := trace.Open(opts.TracePath, i+1)
		if err != nil {
			for _, open := range readers[:i] {
				open.Close() //nolint:errcheck
			}
			return Result{}, err
		}
		readers[i] = reader
	}
	defer func() {
		for _, reader := range readers {
			reader.Close() //nolint:errcheck
		}
	}()
	r.log.Infof("replay_start", "%d threads, %d requests each", n, readers[0].NumRequests())

	start := time.Now()
	startGate := make(chan struct{})
	var g errgroup.Group

	for i := 0; i < n; i++ {
		threadID := i + 1
		reader := readers[i]
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			if opts.PinThreads {
				if err := pinToCore(threadID - 1); err != nil {
					r.log.Debugf("pin_thread", "core %d: %v", threadID-1, err)
				} else {
					r.log.Debugf("pin_thread", "thread %d pinned to core %d", threadID, threadID-1)
				}
			}
			<-startGate

			var req trace.Request
			var count int64
			for reader.Read(&req) == nil {
				if threadID == 1 && count%clockBatch == 0 {
					r.cache.Clock().Set(req.Timestamp)
				}
				r.replayRequest(&req, threadID == 1 && count%latencySampleBatch == 0)
				count++
				if count%stopCheckBatch == 0 {
					r.storeTraceTime(req.Timestamp)
					if r.stop.Load() {
						return nil
					}
				}
			}
			r.storeTraceTime(req.Timestamp)
			// First finisher stops the run so per-thread progress stays
			// comparable.
			r.stop.Store(true)
			r.log.Infof("replay_thread", "thread %d finished", threadID)
			return nil
		})
	}

	// Progress reporter on wall time.
	reporterStop := make(chan struct{})
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		ticker := time.NewTicker(8 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if r.stop.Load() {
					return
				}
				r.report(start)
			case <-reporterStop:
				return
			}
		}
	}()

	close(startGate)
	err := g.Wait()
	r.stop.Store(true)
	close(reporterStop)
	<-reporterDone

	return r.result(start), err
}

// storeTraceTime keeps the maximum trace second any worker has reached.
func (r *Runner) storeTraceTime(ts uint32) {
	for {
		old := r.traceTime.Load()
		if ts <= old || r.traceTime.CompareAndSwap(old, ts) {
			return
		}
	}
}

// report logs one progress line.
func (r *Runner) report(start time.Time) {
	elapsed := time.Since(start)
	requests := r.m.Requests()
	r.log.Infof("replay_progress",
		"%.2f trace hours, %d requests, %.2f MQPS, miss ratio %.4f",
		float64(r.traceTime.Load())/3600.0,
		requests,
		float64(requests)/float64(elapsed.Microseconds()+1),
		r.m.MissRatio())
}

// result builds the final aggregate.
func (r *Runner) result(start time.Time) Result {
	elapsed := time.Since(start)
	requests := r.m.Requests()
	return Result{
		Requests:       requests,
		Gets:           r.m.Gets.Load(),
		GetMisses:      r.m.GetMisses.Load(),
		Sets:           r.m.Sets.Load(),
		SetFails:       r.m.SetFails.Load(),
		TraceSeconds:   r.traceTime.Load(),
		Runtime:        elapsed,
		ThroughputMQPS: float64(requests) / float64(elapsed.Microseconds()+1),
		MissRatio:      r.m.MissRatio(),
	}
}

// String formats the result the way the final benchmark line reads.
func (res Result) String() string {
	return fmt.Sprintf("%.2f hour, runtime %.2f sec, %d requests, throughput %.2f MQPS, miss ratio %.4f",
		float64(res.TraceSeconds)/3600.0,
		res.Runtime.Seconds(),
		res.Gets,
		res.ThroughputMQPS,
		res.MissRatio)
}
