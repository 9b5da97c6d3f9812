package cache

import "sync/atomic"

// mpmcQueue is a bounded multi-producer multi-consumer queue of pre-selected
// eviction candidates (the prefetch ring of the buffered policies). Standard
// sequence-number ring: each cell carries a ticket, producers and consumers
// claim positions with a CAS on their shared counter and settle the cell by
// ticket comparison.
// Capacity is rounded up to a power of two.
type mpmcQueue struct {
	mask  uint64
	cells []mpmcCell
	enq   atomic.Uint64
	deq   atomic.Uint64
}

type mpmcCell struct {
	seq atomic.Uint64
	n   *Node
}

func newMPMCQueue(capacity int) *mpmcQueue {
	size := 1
	for size < capacity {
		size <<= 1
	}
	q := &mpmcQueue{
		mask:  uint64(size - 1),
		cells: make([]mpmcCell, size),
	}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

// tryWrite enqueues n, returning false if the queue is full.
func (q *mpmcQueue) tryWrite(n *Node) bool {
	pos := q.enq.Load()
	for {
		cell := &q.cells[pos&q.mask]
		seq := cell.seq.Load()
		switch {
		case seq == pos:
			if q.enq.CompareAndSwap(pos, pos+1) {
				cell.n = n
				cell.seq.Store(pos + 1)
				return true
			}
			pos = q.enq.Load()
		case seq < pos:
			return false // full
		default:
			pos = q.enq.Load()
		}
	}
}

// tryRead dequeues one node, returning false if the queue is empty.
func (q *mpmcQueue) tryRead() (*Node, bool) {
	pos := q.deq.Load()
	for {
		cell := &q.cells[pos&q.mask]
		seq := cell.seq.Load()
		switch {
		case seq == pos+1:
			if q.deq.CompareAndSwap(pos, pos+1) {
				n := cell.n
				cell.n = nil
				cell.seq.Store(pos + q.mask + 1)
				return n, true
			}
			pos = q.deq.Load()
		case seq <= pos:
			return nil, false // empty
		default:
			pos = q.deq.Load()
		}
	}
}

// sizeGuess is a racy size estimate, good enough for refill watermarks.
func (q *mpmcQueue) sizeGuess() int {
	d := int64(q.enq.Load()) - int64(q.deq.Load())
	if d < 0 {
		return 0
	}
	return int(d)
}

func (q *mpmcQueue) capacity() int { return int(q.mask + 1) }
