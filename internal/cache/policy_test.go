package cache

import (
	"fmt"
	"testing"
)

func testPolicyConfig() policyConfig {
	return policyConfig{
		updateOnRead:      true,
		updateOnWrite:     false,
		s3ProbationaryPct: 0.1,
	}
}

// addNodes allocates and adds n nodes named k0..k(n-1), returning them by name.
func addNodes(t *testing.T, arena *Arena, p Policy, names ...string) map[string]*Node {
	t.Helper()
	nodes := make(map[string]*Node, len(names))
	for _, name := range names {
		n := mustAlloc(t, arena, name)
		if !p.Add(n, 1) {
			t.Fatalf("Add(%q) failed", name)
		}
		nodes[name] = n
	}
	return nodes
}

// ── CLOCK: survival order ───────────────────────────────────────────────────

func TestClockEvictsOldestUnreferenced(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 16)
	p := newClockPolicy(comp, testPolicyConfig(), false)

	nodes := addNodes(t, arena, p, "A", "B", "C")
	p.RecordAccess(nodes["A"], AccessRead, 2)

	// Fresh hand starts at the tail: A is referenced and spared, B evicted.
	victim := p.GetEvictionCandidate()
	if victim == nil || victim.key != "B" {
		t.Fatalf("victim = %v, want B", victim)
	}
	if victim.PolicyIndexed() {
		t.Error("victim should be detached")
	}
	if nodes["A"].referenced() {
		t.Error("A's reference bit should have been cleared by the scan")
	}
	if !p.IsIndexed(nodes["A"]) || !p.IsIndexed(nodes["C"]) {
		t.Error("survivors should be {A, C}")
	}
}

func TestClockRecordAccessIdempotent(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 4)
	p := newClockPolicy(comp, testPolicyConfig(), false)

	nodes := addNodes(t, arena, p, "A")
	p.RecordAccess(nodes["A"], AccessRead, 2)
	p.RecordAccess(nodes["A"], AccessRead, 3)
	if !nodes["A"].referenced() {
		t.Fatal("reference bit should be set")
	}
	// A single clear must undo any number of RecordAccess calls.
	nodes["A"].clearReference()
	if nodes["A"].referenced() {
		t.Error("double access must behave like a single access")
	}
}

func TestClockWriteAccessGated(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 4)
	p := newClockPolicy(comp, testPolicyConfig(), false) // updateOnWrite off

	nodes := addNodes(t, arena, p, "A")
	if p.RecordAccess(nodes["A"], AccessWrite, 2) {
		t.Error("write access should be gated off")
	}
	if nodes["A"].referenced() {
		t.Error("gated access must not set the reference bit")
	}
}

func TestClockEmptyPolicyReturnsNil(t *testing.T) {
	t.Parallel()
	_, comp := newTestArena(t, 4)
	p := newClockPolicy(comp, testPolicyConfig(), false)
	if p.GetEvictionCandidate() != nil {
		t.Error("eviction on empty policy should be nil")
	}
}

func TestClockAddRemoveAddRoundTrip(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 4)
	p := newClockPolicy(comp, testPolicyConfig(), false)

	n := mustAlloc(t, arena, "A")
	if !p.Add(n, 1) {
		t.Fatal("first Add failed")
	}
	if p.Add(n, 1) {
		t.Error("Add of indexed node should fail")
	}
	if !p.Remove(n) {
		t.Fatal("Remove failed")
	}
	if p.Remove(n) {
		t.Error("Remove of unindexed node should fail")
	}
	if !p.Add(n, 2) {
		t.Fatal("re-Add failed")
	}
	if !p.IsIndexed(n) || p.Len() != 1 {
		t.Error("re-added node should be indexed exactly once")
	}
}

func TestClockReplacePreservesState(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 8)
	p := newClockPolicy(comp, testPolicyConfig(), false)

	nodes := addNodes(t, arena, p, "A", "B", "C")
	p.RecordAccess(nodes["B"], AccessRead, 2)

	repl := mustAlloc(t, arena, "B2")
	if !p.Replace(nodes["B"], repl) {
		t.Fatal("Replace failed")
	}
	if nodes["B"].PolicyIndexed() {
		t.Error("old node should be unindexed after replace")
	}
	if !repl.PolicyIndexed() || !repl.referenced() {
		t.Error("replacement should inherit indexed state and reference bit")
	}
	if p.Replace(nodes["B"], mustAlloc(t, arena, "B3")) {
		t.Error("Replace of unindexed old node should fail")
	}
}

// ── Buffered CLOCK ──────────────────────────────────────────────────────────

func TestClockBufferedDrainsWholeList(t *testing.T) {
	t.Parallel()
	const n = 100
	arena, comp := newTestArena(t, n+1)
	p := newClockPolicy(comp, testPolicyConfig(), true)

	for i := 0; i < n; i++ {
		if !p.Add(mustAlloc(t, arena, fmt.Sprintf("k%d", i)), 1) {
			t.Fatalf("Add %d failed", i)
		}
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		v := p.GetEvictionCandidate()
		if v == nil {
			t.Fatalf("candidate %d is nil with %d nodes left", i, p.Len())
		}
		if seen[v.key] {
			t.Fatalf("candidate %q delivered twice", v.key)
		}
		seen[v.key] = true
		v.release()
	}
	if p.GetEvictionCandidate() != nil {
		t.Error("drained policy should return nil")
	}
}

// ── SIEVE: retention order ──────────────────────────────────────────────────

func TestSieveEvictsInPlaceFromHead(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 16)
	p := newSievePolicy(comp, testPolicyConfig())

	nodes := addNodes(t, arena, p, "A", "B", "C")
	p.RecordAccess(nodes["A"], AccessRead, 2)

	// SIEVE's hand sweeps the other way: C is the first unreferenced node it
	// meets, and retained nodes keep their positions.
	victim := p.GetEvictionCandidate()
	if victim == nil || victim.key != "C" {
		t.Fatalf("victim = %v, want C", victim)
	}
	if !p.IsIndexed(nodes["A"]) || !p.IsIndexed(nodes["B"]) {
		t.Error("survivors should be {A, B}")
	}
}

func TestSieveSurvivorsKeepRelativeOrder(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 16)
	p := newSievePolicy(comp, testPolicyConfig())

	nodes := addNodes(t, arena, p, "A", "B", "C", "D")
	for _, k := range []string{"A", "B", "C", "D"} {
		p.RecordAccess(nodes[k], AccessRead, 2)
	}

	// All referenced: the first pass clears every bit in place, the wrap
	// evicts the node the hand re-reaches first. No node moved meanwhile.
	victim := p.GetEvictionCandidate()
	if victim == nil || victim.key != "D" {
		t.Fatalf("victim = %v, want D (hand wraps to head)", victim)
	}
	got := keysFromHead(p.list)
	want := []string{"C", "B", "A"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("survivor order %v, want %v", got, want)
		}
	}
}

// ── S3-FIFO ─────────────────────────────────────────────────────────────────

func TestS3FIFONewcomersEnterProbationary(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 8)
	p := newS3FIFOPolicy(comp, testPolicyConfig())

	nodes := addNodes(t, arena, p, "A")
	if nodes["A"].NodeQueue() != QueueProbationary {
		t.Error("first-time key should enter the probationary FIFO")
	}
	if p.pfifo.len() != 1 || p.mfifo.len() != 0 {
		t.Errorf("queue sizes p=%d m=%d, want 1/0", p.pfifo.len(), p.mfifo.len())
	}
}

func TestS3FIFOReferencedProbationaryPromotes(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 16)
	p := newS3FIFOPolicy(comp, testPolicyConfig())

	nodes := addNodes(t, arena, p, "A", "B", "C")
	p.RecordAccess(nodes["A"], AccessRead, 2)

	// All three sit in probationary; eviction pops the tail (A), sees the
	// reference bit and promotes it to main instead of evicting.
	victim := p.GetEvictionCandidate()
	if victim == nil || victim.key != "B" {
		t.Fatalf("victim = %v, want B", victim)
	}
	if nodes["A"].NodeQueue() != QueueMain {
		t.Error("referenced probationary node should promote to main")
	}
	if !p.IsIndexed(nodes["A"]) {
		t.Error("promoted node stays policy-indexed")
	}
}

func TestS3FIFOGhostReadmitsToMain(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 16)
	p := newS3FIFOPolicy(comp, testPolicyConfig())

	addNodes(t, arena, p, "A", "B", "C")

	// Demote the probationary tail; its fingerprint lands in the ghost.
	victim := p.GetEvictionCandidate()
	if victim == nil || victim.key != "A" {
		t.Fatalf("victim = %v, want A", victim)
	}

	// Re-adding the same key is a ghost hit: straight to main.
	again := mustAlloc(t, arena, "A")
	if !p.Add(again, 3) {
		t.Fatal("re-Add failed")
	}
	if again.NodeQueue() != QueueMain {
		t.Error("ghost hit on insert should place the key in the main FIFO")
	}
	if p.GhostHits() != 1 {
		t.Errorf("ghost hits = %d, want 1", p.GhostHits())
	}
}

func TestS3FIFOGhostPromotionAfterMassDemotion(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 64)
	p := newS3FIFOPolicy(comp, testPolicyConfig())

	for i := 1; i <= 20; i++ {
		if !p.Add(mustAlloc(t, arena, fmt.Sprintf("k%02d", i)), 1) {
			t.Fatalf("Add %d failed", i)
		}
	}
	// Demote the ten oldest; each demotion records a fingerprint.
	for i := 1; i <= 10; i++ {
		victim := p.GetEvictionCandidate()
		if victim == nil || victim.key != fmt.Sprintf("k%02d", i) {
			t.Fatalf("eviction %d = %v, want k%02d (FIFO order)", i, victim, i)
		}
	}

	// A demoted key comes back into the main queue, not probationary.
	again := mustAlloc(t, arena, "k05")
	if !p.Add(again, 2) {
		t.Fatal("re-Add failed")
	}
	if again.NodeQueue() != QueueMain {
		t.Error("re-inserted demoted key should land in the main FIFO")
	}
}

func TestS3FIFOMainTailSecondChance(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 32)
	p := newS3FIFOPolicy(comp, testPolicyConfig())

	// Build a main queue by demoting+readmitting keys, then reference one.
	nodes := addNodes(t, arena, p, "A", "B")
	for range [2]int{} {
		p.GetEvictionCandidate() // demote both into the ghost
	}
	_ = nodes
	m := addNodes(t, arena, p, "A", "B") // ghost hits: both in main
	if m["A"].NodeQueue() != QueueMain || m["B"].NodeQueue() != QueueMain {
		t.Fatal("expected both keys in main after ghost readmission")
	}
	p.RecordAccess(m["A"], AccessRead, 5)

	victim := p.GetEvictionCandidate()
	if victim == nil || victim.key != "B" {
		t.Fatalf("victim = %v, want B (A had its second chance)", victim)
	}
	if !p.IsIndexed(m["A"]) {
		t.Error("referenced main-tail node should be relinked, not evicted")
	}
}

// ── LRU ─────────────────────────────────────────────────────────────────────

func TestLRUPromotionChangesVictim(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 16)
	ts := &TimeSource{}
	p := newLRUPolicy(comp, testPolicyConfig(), ts)

	nodes := addNodes(t, arena, p, "A", "B", "C")
	// refreshTimeSec is 0 here, so the access promotes immediately.
	if !p.RecordAccess(nodes["A"], AccessRead, 2) {
		t.Fatal("RecordAccess should promote")
	}

	victim := p.GetEvictionCandidate()
	if victim == nil || victim.key != "B" {
		t.Fatalf("victim = %v, want B after A's promotion", victim)
	}
}

func TestLRURefreshTimeThrottlesPromotion(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 16)
	cfg := testPolicyConfig()
	cfg.refreshTimeSec = 100
	ts := &TimeSource{}
	p := newLRUPolicy(comp, cfg, ts)

	nodes := addNodes(t, arena, p, "A", "B")
	// Node A was linked at time 1; an access at time 50 is within the
	// refresh window and must not relink.
	if p.RecordAccess(nodes["A"], AccessRead, 50) {
		t.Error("promotion inside the refresh window should be skipped")
	}
	if p.list.getTail().key != "A" {
		t.Error("A should still be the tail")
	}
	// Past the window the promotion happens.
	if !p.RecordAccess(nodes["A"], AccessRead, 200) {
		t.Error("promotion past the refresh window should run")
	}
	if p.list.getTail().key != "B" {
		t.Error("B should be the tail after A's promotion")
	}
}

// ── 2Q ──────────────────────────────────────────────────────────────────────

func TestTwoQAccessPromotesOutOfA1in(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 16)
	p := newTwoQPolicy(comp, testPolicyConfig())

	nodes := addNodes(t, arena, p, "A")
	if nodes["A"].NodeQueue() != QueueProbationary {
		t.Fatal("first-time key should enter A1in")
	}
	p.RecordAccess(nodes["A"], AccessRead, 2)
	if nodes["A"].NodeQueue() != QueueMain {
		t.Error("accessed A1in resident should move to Am")
	}
	if p.a1in.len() != 0 || p.am.len() != 1 {
		t.Errorf("queue sizes a1in=%d am=%d, want 0/1", p.a1in.len(), p.am.len())
	}
}

func TestTwoQGhostBypassesA1in(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 16)
	p := newTwoQPolicy(comp, testPolicyConfig())

	addNodes(t, arena, p, "A", "B", "C", "D")
	victim := p.GetEvictionCandidate() // drains A1in tail (A) into the ghost
	if victim == nil || victim.key != "A" {
		t.Fatalf("victim = %v, want A", victim)
	}

	again := mustAlloc(t, arena, "A")
	p.Add(again, 3)
	if again.NodeQueue() != QueueMain {
		t.Error("ghost hit should readmit straight into Am")
	}
}

// ── TinyLFU ─────────────────────────────────────────────────────────────────

func TestTinyLFUFrequencySparesHotTail(t *testing.T) {
	t.Parallel()
	arena, comp := newTestArena(t, 16)
	p := newTinyLFUPolicy(comp, testPolicyConfig())

	nodes := addNodes(t, arena, p, "A", "B", "C")
	// Drive A's sketch estimate above the floor, then consume its reference
	// bit so only the frequency reprieve can save it.
	for i := 0; i < 4; i++ {
		p.RecordAccess(nodes["A"], AccessRead, uint32(2+i))
	}
	nodes["A"].clearReference()

	victim := p.GetEvictionCandidate()
	if victim == nil || victim.key != "B" {
		t.Fatalf("victim = %v, want B (A spared by frequency)", victim)
	}
	if !p.IsIndexed(nodes["A"]) {
		t.Error("frequent node should survive the first scan")
	}
}

func TestTinyLFUSketchSaturatesAndAges(t *testing.T) {
	t.Parallel()
	s := newCMSketch(1024)
	fp := uint32(99)
	for i := 0; i < 100; i++ {
		s.increment(fp)
	}
	if got := s.estimate(fp); got != 15 {
		t.Errorf("estimate = %d, want saturation at 15", got)
	}
	s.age()
	if got := s.estimate(fp); got != 7 {
		t.Errorf("estimate after aging = %d, want 7", got)
	}
}
