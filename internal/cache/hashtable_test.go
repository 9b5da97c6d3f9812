package cache

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestIndex(t *testing.T, buckets, locks uint64, comp Compressor) *accessIndex {
	t.Helper()
	idx, err := newAccessIndex(buckets, locks, comp, &TimeSource{})
	if err != nil {
		t.Fatalf("newAccessIndex: %v", err)
	}
	return idx
}

// ── Construction ────────────────────────────────────────────────────────────

func TestAccessIndexRejectsBadShapes(t *testing.T) {
	t.Parallel()
	_, comp := newTestArena(t, 4)

	if _, err := newAccessIndex(0, 1, comp, &TimeSource{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("0 buckets: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := newAccessIndex(3, 1, comp, &TimeSource{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("non-power-of-two buckets: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := newAccessIndex(4, 3, comp, &TimeSource{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("non-power-of-two locks: err = %v, want ErrInvalidArgument", err)
	}
}

// ── Insert / find / remove ──────────────────────────────────────────────────

func TestAccessIndexInsertFindRemove(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 8)
	idx := newTestIndex(t, 16, 4, comp)

	n := mustAlloc(t, arena, "k1")
	if !idx.insert(n) {
		t.Fatal("insert failed")
	}
	if !n.AccessIndexed() {
		t.Error("inserted node should be access-indexed")
	}
	if idx.insert(n) {
		t.Error("re-insert of indexed node should fail")
	}
	dup := mustAlloc(t, arena, "k1")
	if idx.insert(dup) {
		t.Error("insert of duplicate key should fail")
	}

	found := idx.find("k1")
	if found != n {
		t.Fatalf("find = %v, want the inserted node", found)
	}
	found.release()

	if idx.find("missing") != nil {
		t.Error("find of absent key should be nil")
	}

	if !idx.remove(n) {
		t.Fatal("remove failed")
	}
	if n.AccessIndexed() {
		t.Error("removed node should not be access-indexed")
	}
	if idx.find("k1") != nil {
		t.Error("find after remove should miss")
	}
	if idx.len() != 0 {
		t.Errorf("numKeys = %d, want 0", idx.len())
	}
}

// ── Collision chains ────────────────────────────────────────────────────────

// collidingKeys returns distinct keys that all hash into bucket 0 of a
// 4-bucket table.
func collidingKeys(count int) []string {
	var keys []string
	for i := 0; len(keys) < count; i++ {
		k := fmt.Sprintf("key-%d", i)
		if hashKey(k)&3 == 0 {
			keys = append(keys, k)
		}
	}
	return keys
}

func TestAccessIndexCollisionChain(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 8)
	idx := newTestIndex(t, 4, 2, comp)

	keys := collidingKeys(3)
	nodes := make(map[string]*Node)
	for _, k := range keys {
		nodes[k] = mustAlloc(t, arena, k)
		if !idx.insert(nodes[k]) {
			t.Fatalf("insert(%q) failed", k)
		}
	}

	mid := keys[1]
	if got := idx.find(mid); got != nodes[mid] {
		t.Fatalf("find(%q) returned wrong node", mid)
	} else {
		got.release()
	}

	if !idx.remove(nodes[mid]) {
		t.Fatalf("remove(%q) failed", mid)
	}
	if idx.find(mid) != nil {
		t.Errorf("find(%q) after remove should miss", mid)
	}
	for _, k := range []string{keys[0], keys[2]} {
		got := idx.find(k)
		if got != nodes[k] {
			t.Errorf("find(%q) should still hit after removing a chain neighbor", k)
		} else {
			got.release()
		}
	}
}

// ── insertOrReplace ─────────────────────────────────────────────────────────

func TestAccessIndexInsertOrReplace(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 8)
	idx := newTestIndex(t, 16, 4, comp)

	first := mustAlloc(t, arena, "k")
	if old := idx.insertOrReplace(first); old != nil {
		t.Fatalf("first insertOrReplace returned old node %v", old)
	}

	second := mustAlloc(t, arena, "k")
	old := idx.insertOrReplace(second)
	if old != first {
		t.Fatalf("insertOrReplace returned %v, want the first node", old)
	}
	if old.AccessIndexed() {
		t.Error("displaced node should have AccessIndexed cleared")
	}
	if old.refs.Load() != 1 {
		t.Error("displaced node should carry one acquired reference")
	}
	old.release()

	got := idx.find("k")
	if got != second {
		t.Error("find should return the replacement")
	}
	got.release()
	if idx.len() != 1 {
		t.Errorf("numKeys = %d, want 1 (replace is not a net insert)", idx.len())
	}
}

func TestAccessIndexReplacePreservesChainPosition(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 8)
	idx := newTestIndex(t, 4, 2, comp)

	keys := collidingKeys(3)
	for _, k := range keys {
		idx.insert(mustAlloc(t, arena, k))
	}

	repl := mustAlloc(t, arena, keys[1])
	old := idx.insertOrReplace(repl)
	if old == nil {
		t.Fatal("expected a displaced node")
	}
	old.release()

	// All three keys still resolve; the replacement took the middle slot.
	for _, k := range keys {
		got := idx.find(k)
		if got == nil {
			t.Fatalf("find(%q) missed after chain-middle replace", k)
		}
		got.release()
	}
}

// ── removeIf ────────────────────────────────────────────────────────────────

func TestAccessIndexRemoveIf(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 8)
	idx := newTestIndex(t, 16, 4, comp)

	n := mustAlloc(t, arena, "k")
	idx.insert(n)

	if idx.removeIf(n, func(*Node) bool { return false }) {
		t.Error("removeIf with false predicate should not remove")
	}
	if !n.AccessIndexed() {
		t.Error("node should still be indexed after failed removeIf")
	}
	if !idx.removeIf(n, func(m *Node) bool { return m.refs.Load() == 0 }) {
		t.Error("removeIf with true predicate should remove")
	}
	if idx.removeIf(n, func(*Node) bool { return true }) {
		t.Error("removeIf on unindexed node should be a no-op")
	}
}

// ── Concurrent insert/find storm ────────────────────────────────────────────

func TestAccessIndexConcurrentInsertFind(t *testing.T) {
	t.Parallel()
	const totalKeys = 20000
	const readers = 7

	arena, comp := newTestArena(t, totalKeys+1)
	idx := newTestIndex(t, 1<<12, 1<<6, comp)

	var maxKey atomic.Int64
	maxKey.Store(-1)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < totalKeys; i++ {
			n := mustAlloc(t, arena, strconv.Itoa(i))
			if !idx.insert(n) {
				t.Errorf("insert(%d) failed", i)
				return
			}
			maxKey.Store(int64(i))
		}
	}()

	wg.Add(readers)
	for r := 0; r < readers; r++ {
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < totalKeys; i++ {
				hi := maxKey.Load()
				if hi < 0 {
					continue
				}
				if n := idx.find(strconv.Itoa(int(rng.Int63n(hi + 1)))); n != nil {
					n.release()
				}
			}
		}(int64(r))
	}
	wg.Wait()

	// Every completed insert must be findable.
	for i := 0; i < totalKeys; i++ {
		n := idx.find(strconv.Itoa(i))
		if n == nil {
			t.Fatalf("key %d not findable after all inserts completed", i)
		}
		n.release()
	}
	if idx.len() != totalKeys {
		t.Errorf("numKeys = %d, want %d", idx.len(), totalKeys)
	}
}

// ── Distribution stats ──────────────────────────────────────────────────────

func TestAccessIndexDistributionStats(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 64)
	ts := &TimeSource{}
	idx, err := newAccessIndex(16, 4, comp, ts)
	if err != nil {
		t.Fatalf("newAccessIndex: %v", err)
	}

	for i := 0; i < 32; i++ {
		idx.insert(mustAlloc(t, arena, fmt.Sprintf("k%d", i)))
	}

	stats := idx.distributionStats()
	if stats.NumKeys != 32 || stats.NumBuckets != 16 {
		t.Fatalf("stats = %+v", stats)
	}
	var counted uint64
	for chainLen, buckets := range stats.ItemDistribution {
		counted += uint64(chainLen) * buckets
	}
	if counted != 32 {
		t.Errorf("distribution accounts for %d nodes, want 32", counted)
	}

	// A small drift within 5%% returns the cached snapshot.
	idx.insert(mustAlloc(t, arena, "one-more"))
	cached := idx.distributionStats()
	if cached.NumKeys != 32 {
		t.Errorf("expected cached stats (NumKeys 32), got %d", cached.NumKeys)
	}

	// Staleness past ten minutes forces a recompute.
	ts.Set(ts.Now() + statsMaxAgeSec + 1)
	fresh := idx.distributionStats()
	if fresh.NumKeys != 33 {
		t.Errorf("expected recomputed stats (NumKeys 33), got %d", fresh.NumKeys)
	}
}
