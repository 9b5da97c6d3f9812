package cache

import (
	"sync"
	"sync/atomic"
)

// adList is the atomic doubly linked list backing every policy. The hot path
// — link at head, pop the tail — is lock-free CAS on head_/tail_. Middle-of-
// list mutation (unlink, replace, moveToHead) needs three pointers consistent
// at once and takes the per-list mutex. Removing the last element also goes
// through the mutex, so head and tail reach nil together: near-empty lists
// are where opportunistic CAS on head and tail without a common lock tears.
// Linking onto an empty list stays lock-free; the inserter that wins the
// head CAS initializes the tail.
//
// Pointer orientation: head is the most recently linked node. node.next walks
// from head toward tail (newest to oldest); node.prev walks back toward head.
//
// removeTail intentionally does not clear the detached node's next pointer:
// the caller takes ownership and either discards or relinks the node.
type adList struct {
	c Compressor

	mu   sync.Mutex
	head atomic.Uint32
	tail atomic.Uint32
	// hand is the eviction scan cursor for the CLOCK/SIEVE policies. Owned by
	// the scan (which holds mu); unlink fixes it up if it points at the node
	// being removed.
	hand atomic.Uint32

	// size trails structural state; it is used for balancing decisions, never
	// for correctness.
	size atomic.Int64
}

func newADList(c Compressor) *adList { return &adList{c: c} }

func (l *adList) len() int64 { return l.size.Load() }

func (l *adList) getHead() *Node { return l.c.Decompress(l.head.Load()) }
func (l *adList) getTail() *Node { return l.c.Decompress(l.tail.Load()) }

func (l *adList) getNext(n *Node) *Node { return l.c.Decompress(n.next.Load()) }
func (l *adList) getPrev(n *Node) *Node { return l.c.Decompress(n.prev.Load()) }

// linkAtHead pushes the node onto the head of the list. Safe under concurrent
// linkAtHead and removeTail callers; linearizes at the successful CAS on head.
func (l *adList) linkAtHead(n *Node) {
	n.prev.Store(0)

	oldHead := l.head.Load()
	n.next.Store(oldHead)
	for !l.head.CompareAndSwap(oldHead, n.self) {
		oldHead = l.head.Load()
		n.next.Store(oldHead)
	}

	if oldHead == 0 {
		// First element: this thread won the head CAS from nil, so it also
		// initializes the tail. Anyone else observed a non-nil head.
		l.tail.CompareAndSwap(0, n.self)
	} else {
		l.c.Decompress(oldHead).prev.Store(n.self)
	}
	l.size.Add(1)
}

// linkAtHeadMulti links a pre-built chain start..end (already connected via
// next/prev) as a prefix of the list. n is the chain length.
func (l *adList) linkAtHeadMulti(start, end *Node, n int64) {
	start.prev.Store(0)

	oldHead := l.head.Load()
	end.next.Store(oldHead)
	for !l.head.CompareAndSwap(oldHead, start.self) {
		oldHead = l.head.Load()
		end.next.Store(oldHead)
	}

	if oldHead == 0 {
		l.tail.CompareAndSwap(0, end.self)
	} else {
		l.c.Decompress(oldHead).prev.Store(end.self)
	}
	l.size.Add(n)
}

// removeTail detaches and returns the oldest node, or nil if the list is
// empty. Lock-free while at least two elements remain; the last-element
// transition runs under the mutex so head and tail reach nil together.
func (l *adList) removeTail() *Node {
	for {
		t := l.tail.Load()
		if t == 0 {
			return nil
		}
		tn := l.c.Decompress(t)
		p := tn.prev.Load()
		if p == 0 {
			// Possibly the last element.
			l.mu.Lock()
			if l.tail.Load() != t || tn.prev.Load() != 0 {
				l.mu.Unlock()
				continue
			}
			l.tail.Store(0)
			l.head.CompareAndSwap(t, 0)
			if l.hand.Load() == t {
				l.hand.Store(0)
			}
			l.mu.Unlock()
		} else {
			if !l.tail.CompareAndSwap(t, p) {
				continue
			}
			if l.hand.Load() == t {
				l.hand.Store(p)
			}
		}
		tn.prev.Store(0)
		l.size.Add(-1)
		return tn
	}
}

// removeTailLocked is removeTail for callers already holding mu (the policy
// eviction scans). Plain stores; no CAS loop needed under the lock.
func (l *adList) removeTailLocked() *Node {
	t := l.getTail()
	if t == nil {
		return nil
	}
	p := t.prev.Load()
	l.tail.Store(p)
	if p == 0 {
		l.head.CompareAndSwap(t.self, 0)
	}
	if l.hand.Load() == t.self {
		l.hand.Store(p)
	}
	t.prev.Store(0)
	l.size.Add(-1)
	return t
}

// unlink splices the node out. Caller holds mu. The node's own pointers are
// left for the caller to clear.
func (l *adList) unlink(n *Node) {
	prev := n.prev.Load()
	next := n.next.Load()

	if l.head.Load() == n.self {
		l.head.Store(next)
	}
	if l.tail.Load() == n.self {
		l.tail.Store(prev)
	}
	if l.hand.Load() == n.self {
		l.hand.Store(prev)
	}

	if prev != 0 {
		l.c.Decompress(prev).next.Store(next)
	}
	if next != 0 {
		l.c.Decompress(next).prev.Store(prev)
	}
	l.size.Add(-1)
}

// remove takes the node out of the list and clears its pointers. Reports
// whether the node was actually linked; a node detached by a concurrent
// eviction scan is left alone.
func (l *adList) remove(n *Node) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.containsLocked(n) {
		return false
	}
	l.unlink(n)
	n.next.Store(0)
	n.prev.Store(0)
	return true
}

// containsLocked reports whether the node is linked into this list. A node
// with both pointers nil is linked only if it is the sole element.
func (l *adList) containsLocked(n *Node) bool {
	if n.prev.Load() != 0 || n.next.Load() != 0 {
		return true
	}
	return l.head.Load() == n.self
}

// replace swaps newNode into oldNode's position, preserving neighbors and
// clearing oldNode's pointers. Reports whether oldNode was linked.
func (l *adList) replace(oldNode, newNode *Node) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.containsLocked(oldNode) {
		return false
	}

	if l.head.Load() == oldNode.self {
		l.head.Store(newNode.self)
	}
	if l.tail.Load() == oldNode.self {
		l.tail.Store(newNode.self)
	}
	if l.hand.Load() == oldNode.self {
		l.hand.Store(newNode.self)
	}

	prev := oldNode.prev.Load()
	next := oldNode.next.Load()
	if prev != 0 {
		l.c.Decompress(prev).next.Store(newNode.self)
	}
	if next != 0 {
		l.c.Decompress(next).prev.Store(newNode.self)
	}
	newNode.prev.Store(prev)
	newNode.next.Store(next)

	oldNode.prev.Store(0)
	oldNode.next.Store(0)
	return true
}

// moveToHead relinks an existing element as the new head.
func (l *adList) moveToHead(n *Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.moveToHeadLocked(n)
}

func (l *adList) moveToHeadLocked(n *Node) {
	if l.head.Load() == n.self {
		return
	}
	if !l.containsLocked(n) {
		return
	}
	l.unlink(n)
	n.next.Store(0)
	n.prev.Store(0)
	l.linkAtHead(n)
}

// forEach walks head to tail under the mutex, stopping when fn returns false.
// Observability only; not part of any hot path.
func (l *adList) forEach(fn func(*Node) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for n := l.getHead(); n != nil; n = l.getNext(n) {
		if !fn(n) {
			return
		}
	}
}
