package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// NodeOverhead is the per-item bookkeeping charge added to key and value
// bytes when accounting against the memory budget.
const NodeOverhead = 64

// chargeOf is the byte cost of one cached object against the budget.
func chargeOf(key string, valLen uint32) int64 {
	return int64(len(key)) + int64(valLen) + NodeOverhead
}

// Allocator is the external memory budget the facade allocates against.
// Implementations must be safe for concurrent use.
type Allocator interface {
	// Allocate reserves n bytes, or returns ErrAllocatorPressure when the
	// reservation would exceed the budget.
	Allocate(n int64) error
	// Free returns n bytes to the budget.
	Free(n int64)
	// Used returns the bytes currently reserved.
	Used() int64
	// Capacity returns the total budget.
	Capacity() int64
}

// budgetAllocator enforces a fixed byte budget with a CAS loop; it hands out
// no real memory itself (value buffers are ordinary slices).
type budgetAllocator struct {
	capacity int64
	used     atomic.Int64
}

// NewBudgetAllocator returns an Allocator bounded at capacity bytes.
func NewBudgetAllocator(capacity int64) Allocator {
	return &budgetAllocator{capacity: capacity}
}

func (a *budgetAllocator) Allocate(n int64) error {
	for {
		used := a.used.Load()
		if used+n > a.capacity {
			return ErrAllocatorPressure
		}
		if a.used.CompareAndSwap(used, used+n) {
			return nil
		}
	}
}

func (a *budgetAllocator) Free(n int64) {
	if a.used.Add(-n) < 0 {
		invariantViolation("allocator freed more than it allocated")
	}
}

func (a *budgetAllocator) Used() int64     { return a.used.Load() }
func (a *budgetAllocator) Capacity() int64 { return a.capacity }

// Config enumerates every tunable of the cache core.
type Config struct {
	// CacheSizeBytes is the total memory budget enforced by the allocator.
	CacheSizeBytes int64
	// HashBucketsPower sets 1<<p buckets in the access index.
	HashBucketsPower uint
	// HashLocksPower sets 1<<q lock stripes.
	HashLocksPower uint
	// Policy selects the eviction policy.
	Policy PolicyName
	// UpdateOnRead / UpdateOnWrite gate RecordAccess per direction.
	UpdateOnRead  bool
	UpdateOnWrite bool
	// RefreshTimeSec is the minimum seconds between policy promotions of the
	// same node.
	RefreshTimeSec uint32
	// TryLockUpdate skips promotions when the list mutex is contended.
	TryLockUpdate bool
	// S3ProbationaryRatio is the probationary FIFO's target share.
	S3ProbationaryRatio float64
	// ReconfigureIntervalSec is the cadence for policy self-tuning from tail
	// age; 0 disables it.
	ReconfigureIntervalSec uint32
	// AllocRetries bounds the evict-and-retry loop in Allocate.
	AllocRetries int
	// ArenaSlots overrides the node arena capacity; 0 derives it from the
	// cache size.
	ArenaSlots int
	// Allocator overrides the budget allocator; nil builds one from
	// CacheSizeBytes.
	Allocator Allocator
}

func (cfg *Config) withDefaults() Config {
	c := *cfg
	if c.Policy == "" {
		c.Policy = PolicyLRU
	}
	if c.HashBucketsPower == 0 {
		c.HashBucketsPower = 20
	}
	if c.HashLocksPower == 0 {
		c.HashLocksPower = 10
	}
	if c.RefreshTimeSec == 0 {
		c.RefreshTimeSec = 60
	}
	if c.S3ProbationaryRatio == 0 {
		c.S3ProbationaryRatio = 0.1
	}
	if c.AllocRetries == 0 {
		c.AllocRetries = 5
	}
	if c.ArenaSlots == 0 {
		slots := c.CacheSizeBytes / NodeOverhead
		if slots < 64 {
			slots = 64
		}
		c.ArenaSlots = int(slots)
	}
	return c
}

// evictionSearchLimit bounds how many candidates one eviction attempt will
// inspect before giving up (all pinned by live handles, say).
const evictionSearchLimit = 50

// MemoryStats is a point-in-time view of the cache's memory accounting.
type MemoryStats struct {
	RAMCacheSize   int64 `json:"ramCacheSize"`
	UsedSize       int64 `json:"usedSize"`
	NumItems       int64 `json:"numItems"`
	ArenaCapacity  int   `json:"arenaCapacity"`
	ArenaFreeSlots int   `json:"arenaFreeSlots"`
	Evictions      int64 `json:"evictions"`
	EvictionSkips  int64 `json:"evictionSkips"`
	AllocFailures  int64 `json:"allocFailures"`
	ExpiredMisses  int64 `json:"expiredMisses"`
}

// Handle pins one node: the node's storage cannot be reclaimed while the
// handle is live. Handles are single-owner; Release exactly once.
type Handle struct {
	n *Node
	c *Cache
}

// Key returns the pinned node's key.
func (h *Handle) Key() string { return h.n.key }

// Value returns the pinned value bytes.
func (h *Handle) Value() []byte { return h.n.data }

// ValLen returns the pinned value length.
func (h *Handle) ValLen() uint32 { return h.n.valLen }

// Node exposes the underlying node for inspection.
func (h *Handle) Node() *Node { return h.n }

// Release drops the pin. The handle must not be used afterwards.
func (h *Handle) Release() {
	if h == nil || h.n == nil {
		return
	}
	n := h.n
	h.n = nil
	n.release()
	h.c.maybeRetire(n)
}

// PoolID names a registered pool. Pools are fixed at startup; there is no
// rebalancing between them, and they share the one memory budget.
type PoolID int8

// Cache wires the access index, the eviction policy and the object budget
// together (C5).
type Cache struct {
	cfg    Config
	ts     TimeSource
	arena  *Arena
	comp   Compressor
	alloc  Allocator
	idx    *accessIndex
	policy Policy

	poolMu sync.Mutex
	pools  []string

	evictions     atomic.Int64
	evictionSkips atomic.Int64
	allocFailures atomic.Int64
	expiredMisses atomic.Int64
}

// New builds a cache from the config.
func New(cfg Config) (*Cache, error) {
	conf := cfg.withDefaults()
	if conf.CacheSizeBytes <= 0 && conf.Allocator == nil {
		return nil, fmt.Errorf("%w: cache size must be positive", ErrInvalidArgument)
	}

	c := &Cache{cfg: conf}

	arena, err := NewArena(conf.ArenaSlots)
	if err != nil {
		return nil, err
	}
	c.arena = arena
	c.comp = NewCompressor(arena)

	c.alloc = conf.Allocator
	if c.alloc == nil {
		c.alloc = NewBudgetAllocator(conf.CacheSizeBytes)
	}

	idx, err := newAccessIndex(uint64(1)<<conf.HashBucketsPower, uint64(1)<<conf.HashLocksPower, c.comp, &c.ts)
	if err != nil {
		return nil, err
	}
	c.idx = idx

	pcfg := policyConfig{
		updateOnRead:        conf.UpdateOnRead,
		updateOnWrite:       conf.UpdateOnWrite,
		refreshTimeSec:      conf.RefreshTimeSec,
		tryLockUpdate:       conf.TryLockUpdate,
		s3ProbationaryPct:   conf.S3ProbationaryRatio,
		reconfigureInterval: conf.ReconfigureIntervalSec,
	}
	pol, err := newPolicy(conf.Policy, c.comp, pcfg, &c.ts)
	if err != nil {
		return nil, err
	}
	c.policy = pol
	return c, nil
}

// AddPool registers a named pool and returns its id.
func (c *Cache) AddPool(name string) PoolID {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	c.pools = append(c.pools, name)
	return PoolID(len(c.pools) - 1)
}

func (c *Cache) validPool(pool PoolID) bool {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	return pool >= 0 && int(pool) < len(c.pools)
}

// Clock returns the cache's trace-time source. The benchmark driver advances
// it in batches.
func (c *Cache) Clock() *TimeSource { return &c.ts }

// PolicyEngine returns the eviction policy for inspection.
func (c *Cache) PolicyEngine() Policy { return c.policy }

func (c *Cache) newHandle(n *Node) *Handle { return &Handle{n: n, c: c} }

// maybeRetire frees the node's storage once it is fully unlinked with no
// outstanding references. Exactly one caller wins.
func (c *Cache) maybeRetire(n *Node) {
	if !n.tryRetire() {
		return
	}
	charge := chargeOf(n.key, n.valLen)
	c.alloc.Free(charge)
	c.arena.release(n)
}

// Find returns a handle to the key's node, or nil on miss. An expired node
// reads as a miss; its storage is left for the next eviction pass over it.
func (c *Cache) Find(key string) *Handle {
	n := c.idx.find(key)
	if n == nil {
		return nil
	}
	now := c.ts.Now()
	if n.Expired(now) {
		c.expiredMisses.Add(1)
		n.release()
		c.maybeRetire(n)
		return nil
	}
	c.policy.RecordAccess(n, AccessRead, now)
	return c.newHandle(n)
}

// Allocate reserves budget in the pool and builds an unindexed node for the
// key, evicting until the reservation fits. The returned write handle must
// be passed to InsertOrReplace to make the object visible, or Released to
// abandon it. Fails with ErrAllocatorPressure after the retry budget.
func (c *Cache) Allocate(pool PoolID, key string, valLen uint32, ttlSec uint32, now uint32) (*Handle, error) {
	if !c.validPool(pool) {
		return nil, fmt.Errorf("%w: pool %d not registered", ErrInvalidArgument, pool)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	if len(key) > maxKeyLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeyTooLong, len(key))
	}

	charge := chargeOf(key, valLen)
	var expiry uint32
	if ttlSec > 0 {
		expiry = now + ttlSec
	}

	for attempt := 0; ; attempt++ {
		if err := c.alloc.Allocate(charge); err == nil {
			n := c.arena.alloc(key, valLen, make([]byte, valLen), now, expiry)
			if n != nil {
				n.acquire()
				return c.newHandle(n), nil
			}
			// Arena exhausted: give the reservation back and evict.
			c.alloc.Free(charge)
		}
		if attempt >= c.cfg.AllocRetries {
			c.allocFailures.Add(1)
			return nil, ErrAllocatorPressure
		}
		if !c.evictOne() {
			c.allocFailures.Add(1)
			return nil, ErrAllocatorPressure
		}
	}
}

// InsertOrReplace indexes the write handle's node, displacing any previous
// node under the same key. The displaced node is returned as a handle (still
// readable until released), or nil.
func (c *Cache) InsertOrReplace(h *Handle) *Handle {
	n := h.n
	if n == nil {
		invariantViolation("insertOrReplace with released handle")
	}
	old := c.idx.insertOrReplace(n)
	if old != nil {
		c.policy.Remove(old)
	}
	now := c.ts.Now()
	c.policy.Add(n, now)
	c.policy.RecordAccess(n, AccessWrite, now)
	if old == nil {
		return nil
	}
	oldHandle := c.newHandle(old)
	return oldHandle
}

// Remove deletes the key. Returns ErrNotFound if it is not indexed.
func (c *Cache) Remove(key string) error {
	n := c.idx.removeByKey(key)
	if n == nil {
		return ErrNotFound
	}
	c.policy.Remove(n)
	n.release()
	c.maybeRetire(n)
	return nil
}

// evictOne detaches a policy victim and reclaims it. A victim pinned by a
// live handle is put back under policy management and the scan moves on.
func (c *Cache) evictOne() bool {
	for i := 0; i < evictionSearchLimit; i++ {
		victim := c.policy.GetEvictionCandidate()
		if victim == nil {
			return false
		}
		// The candidate arrives with one reference held for us, so the only
		// reference on an unpinned node is our own.
		if c.idx.removeIf(victim, func(n *Node) bool { return n.refs.Load() == 1 }) {
			c.evictions.Add(1)
			victim.release()
			c.maybeRetire(victim)
			return true
		}
		c.evictionSkips.Add(1)
		if victim.AccessIndexed() {
			// Pinned by a reader: return it to the policy.
			c.policy.Add(victim, c.ts.Now())
		}
		victim.release()
		c.maybeRetire(victim)
	}
	return false
}

// ForEach walks every indexed node, bucket by bucket, handing fn a live
// handle. fn returns false to stop. Observability only: the walk holds each
// stripe shared and sees a racy snapshot.
func (c *Cache) ForEach(fn func(*Handle) bool) {
	stop := false
	for b := uint64(0); b < c.idx.numBuckets() && !stop; b++ {
		var batch []*Handle
		c.idx.forEachBucket(b, func(n *Node) {
			batch = append(batch, c.newHandle(n))
		})
		for _, h := range batch {
			if !stop && !fn(h) {
				stop = true
			}
			h.Release()
		}
	}
}

// MemoryStats reports memory accounting and eviction counters.
func (c *Cache) MemoryStats() MemoryStats {
	return MemoryStats{
		RAMCacheSize:   c.alloc.Capacity(),
		UsedSize:       c.alloc.Used(),
		NumItems:       c.idx.len(),
		ArenaCapacity:  c.arena.Capacity(),
		ArenaFreeSlots: c.arena.freeSlots(),
		Evictions:      c.evictions.Load(),
		EvictionSkips:  c.evictionSkips.Load(),
		AllocFailures:  c.allocFailures.Load(),
		ExpiredMisses:  c.expiredMisses.Load(),
	}
}

// DistributionStats reports bucket occupancy of the access index.
func (c *Cache) DistributionStats() DistributionStats {
	return c.idx.distributionStats()
}
