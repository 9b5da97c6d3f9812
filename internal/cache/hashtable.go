package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// accessIndex is the bucket hash table mapping keys to live nodes (C4).
// Bucket heads are compressed pointers to intrusive singly linked chains
// through each node's hashNext hook. Buckets and lock stripes are both
// powers of two; a bucket's stripe is bucket & (L-1). Readers take the
// stripe shared, mutators exclusive. The table never rehashes: its size is
// fixed at construction.
type accessIndex struct {
	c  Compressor
	ts *TimeSource

	buckets    []atomic.Uint32
	bucketMask uint64
	locks      []sync.RWMutex
	lockMask   uint64

	numKeys atomic.Int64

	// Distribution stats are expensive (a full table walk) and are cached;
	// they are recomputed once the cached copy is older than statsMaxAgeSec
	// or the key count has drifted by more than 5%, one computer at a time.
	statsMu      sync.Mutex
	cachedStats  DistributionStats
	statsUpdated uint32
	canRecompute bool
}

// DistributionStats describes bucket occupancy: how many buckets hold 0, 1,
// 2, ... chained nodes.
type DistributionStats struct {
	NumKeys          uint64
	NumBuckets       uint64
	ItemDistribution map[uint32]uint64
}

const (
	statsMaxAgeSec  = 10 * 60
	statsDriftRatio = 0.05
)

func isPowerOfTwo(n uint64) bool { return n != 0 && n&(n-1) == 0 }

func newAccessIndex(numBuckets, numLocks uint64, c Compressor, ts *TimeSource) (*accessIndex, error) {
	if !isPowerOfTwo(numBuckets) {
		return nil, fmt.Errorf("%w: bucket count must be a non-zero power of two, got %d", ErrInvalidArgument, numBuckets)
	}
	if !isPowerOfTwo(numLocks) {
		return nil, fmt.Errorf("%w: lock count must be a non-zero power of two, got %d", ErrInvalidArgument, numLocks)
	}
	return &accessIndex{
		c:            c,
		ts:           ts,
		buckets:      make([]atomic.Uint32, numBuckets),
		bucketMask:   numBuckets - 1,
		locks:        make([]sync.RWMutex, numLocks),
		lockMask:     numLocks - 1,
		canRecompute: true,
	}, nil
}

func (idx *accessIndex) bucketOf(key string) uint64 { return hashKey(key) & idx.bucketMask }

func (idx *accessIndex) stripe(bucket uint64) *sync.RWMutex {
	return &idx.locks[bucket&idx.lockMask]
}

// findInBucket walks the chain. Caller holds the bucket's stripe.
func (idx *accessIndex) findInBucket(key string, bucket uint64) *Node {
	curr := idx.c.Decompress(idx.buckets[bucket].Load())
	for curr != nil && curr.key != key {
		curr = idx.c.Decompress(curr.hashNext.Load())
	}
	return curr
}

// find returns the node for key with a reference acquired, or nil. The
// reference is taken inside the stripe lock so the node cannot be retired
// between lookup and acquisition.
func (idx *accessIndex) find(key string) *Node {
	bucket := idx.bucketOf(key)
	lock := idx.stripe(bucket)
	lock.RLock()
	n := idx.findInBucket(key, bucket)
	if n != nil {
		n.acquire()
	}
	lock.RUnlock()
	return n
}

// insert prepends the node to its bucket chain. Fails if the node is already
// indexed or its key is already present.
func (idx *accessIndex) insert(n *Node) bool {
	bucket := idx.bucketOf(n.key)
	lock := idx.stripe(bucket)
	lock.Lock()
	defer lock.Unlock()

	if n.AccessIndexed() {
		return false
	}
	if idx.findInBucket(n.key, bucket) != nil {
		return false
	}
	n.hashNext.Store(idx.buckets[bucket].Load())
	idx.buckets[bucket].Store(n.self)
	n.markAccessIndexed()
	idx.numKeys.Add(1)
	return true
}

// insertOrReplace inserts the node, swapping out any existing node with the
// same key in place (chain order preserved). The old node is returned with a
// reference acquired — taken before any state change so a failure leaves the
// chain intact — and with AccessIndexed cleared. Returns nil on plain insert.
func (idx *accessIndex) insertOrReplace(n *Node) *Node {
	bucket := idx.bucketOf(n.key)
	lock := idx.stripe(bucket)
	lock.Lock()
	defer lock.Unlock()

	if n.AccessIndexed() {
		invariantViolation("insertOrReplace of already-indexed node %q", n.key)
	}

	var prev *Node
	curr := idx.c.Decompress(idx.buckets[bucket].Load())
	for curr != nil && curr.key != n.key {
		prev = curr
		curr = idx.c.Decompress(curr.hashNext.Load())
	}

	if curr == nil {
		n.hashNext.Store(idx.buckets[bucket].Load())
		idx.buckets[bucket].Store(n.self)
		n.markAccessIndexed()
		idx.numKeys.Add(1)
		return nil
	}

	curr.acquire()
	n.hashNext.Store(curr.hashNext.Load())
	if prev != nil {
		prev.hashNext.Store(n.self)
	} else {
		idx.buckets[bucket].Store(n.self)
	}
	n.markAccessIndexed()
	curr.unmarkAccessIndexed()
	curr.hashNext.Store(0)
	return curr
}

// remove unlinks the node from its bucket. The node must currently be in the
// chain at its key's bucket.
func (idx *accessIndex) remove(n *Node) bool {
	bucket := idx.bucketOf(n.key)
	lock := idx.stripe(bucket)
	lock.Lock()
	defer lock.Unlock()

	if !n.AccessIndexed() {
		return false
	}
	idx.removeFromBucket(n, bucket)
	n.unmarkAccessIndexed()
	idx.numKeys.Add(-1)
	return true
}

// removeByKey looks the key up and removes its node in one critical section,
// returning the node with a reference acquired, or nil.
func (idx *accessIndex) removeByKey(key string) *Node {
	bucket := idx.bucketOf(key)
	lock := idx.stripe(bucket)
	lock.Lock()
	defer lock.Unlock()

	n := idx.findInBucket(key, bucket)
	if n == nil {
		return nil
	}
	n.acquire()
	idx.removeFromBucket(n, bucket)
	n.unmarkAccessIndexed()
	idx.numKeys.Add(-1)
	return n
}

// removeIf removes the node only while it is indexed and pred holds, checked
// atomically under the stripe lock.
func (idx *accessIndex) removeIf(n *Node, pred func(*Node) bool) bool {
	bucket := idx.bucketOf(n.key)
	lock := idx.stripe(bucket)
	lock.Lock()
	defer lock.Unlock()

	if !n.AccessIndexed() || !pred(n) {
		return false
	}
	idx.removeFromBucket(n, bucket)
	n.unmarkAccessIndexed()
	idx.numKeys.Add(-1)
	return true
}

// removeFromBucket splices the node out of its chain. Caller holds the
// stripe exclusively.
func (idx *accessIndex) removeFromBucket(n *Node, bucket uint64) {
	var prev *Node
	curr := idx.c.Decompress(idx.buckets[bucket].Load())
	for curr != nil && curr != n {
		prev = curr
		curr = idx.c.Decompress(curr.hashNext.Load())
	}
	if curr == nil {
		invariantViolation("node %q not found in bucket %d", n.key, bucket)
	}
	if prev != nil {
		prev.hashNext.Store(n.hashNext.Load())
	} else {
		idx.buckets[bucket].Store(n.hashNext.Load())
	}
	n.hashNext.Store(0)
}

// forEachBucket hands fn every node in the bucket, each with a reference
// acquired under the shared stripe. Observability path.
func (idx *accessIndex) forEachBucket(bucket uint64, fn func(*Node)) {
	lock := idx.stripe(bucket)
	lock.RLock()
	for curr := idx.c.Decompress(idx.buckets[bucket].Load()); curr != nil; curr = idx.c.Decompress(curr.hashNext.Load()) {
		curr.acquire()
		fn(curr)
	}
	lock.RUnlock()
}

func (idx *accessIndex) len() int64 { return idx.numKeys.Load() }

func (idx *accessIndex) numBuckets() uint64 { return idx.bucketMask + 1 }

// distributionStats returns the cached bucket distribution, recomputing it
// only when stale or after significant key-count drift, and only in one
// goroutine at a time.
func (idx *accessIndex) distributionStats() DistributionStats {
	now := idx.ts.Now()
	numKeys := uint64(idx.numKeys.Load())

	idx.statsMu.Lock()
	var drift uint64
	if numKeys > idx.cachedStats.NumKeys {
		drift = numKeys - idx.cachedStats.NumKeys
	} else {
		drift = idx.cachedStats.NumKeys - numKeys
	}
	needRecompute := now-idx.statsUpdated > statsMaxAgeSec ||
		(idx.cachedStats.NumKeys > 0 &&
			float64(drift)/float64(idx.cachedStats.NumKeys) > statsDriftRatio)
	if idx.cachedStats.ItemDistribution == nil {
		needRecompute = true
	}
	if !needRecompute || !idx.canRecompute {
		stats := idx.cachedStats
		idx.statsMu.Unlock()
		return stats
	}
	idx.canRecompute = false
	idx.statsMu.Unlock()

	dist := make(map[uint32]uint64)
	for b := uint64(0); b < idx.numBuckets(); b++ {
		lock := idx.stripe(b)
		lock.RLock()
		var chainLen uint32
		for curr := idx.c.Decompress(idx.buckets[b].Load()); curr != nil; curr = idx.c.Decompress(curr.hashNext.Load()) {
			chainLen++
		}
		lock.RUnlock()
		dist[chainLen]++
	}

	idx.statsMu.Lock()
	idx.cachedStats = DistributionStats{
		NumKeys:          numKeys,
		NumBuckets:       idx.numBuckets(),
		ItemDistribution: dist,
	}
	idx.statsUpdated = now
	idx.canRecompute = true
	stats := idx.cachedStats
	idx.statsMu.Unlock()
	return stats
}
