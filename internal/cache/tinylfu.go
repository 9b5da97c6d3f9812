package cache

import (
	"sync"
	"sync/atomic"
)

// cmRows is the number of count-min rows; each hashes the fingerprint with a
// different seed mix.
const cmRows = 4

// cmSketch is a count-min sketch of 4-bit saturating counters, aged by
// halving every reset increments (eight per counter). Counters are packed 8
// per uint32 and updated with CAS so concurrent accesses never lock.
type cmSketch struct {
	words []atomic.Uint32
	mask  uint32
	incs  atomic.Uint64
	reset uint64

	resetMu sync.Mutex
}

func newCMSketch(counters int64) *cmSketch {
	w := 1
	for int64(w)*8 < counters {
		w <<= 1
	}
	return &cmSketch{
		words: make([]atomic.Uint32, w*cmRows),
		mask:  uint32(w*8 - 1),
		reset: uint64(counters) * 8,
	}
}

var cmSeeds = [cmRows]uint32{0x9e3779b1, 0x85ebca77, 0xc2b2ae3d, 0x27d4eb2f}

func (s *cmSketch) slot(row int, fp uint32) (word *atomic.Uint32, shift uint32) {
	h := (fp ^ cmSeeds[row]) * 0x9e3779b1
	idx := h & s.mask // counter index within the row
	rowBase := uint32(row) * (s.mask + 1) / 8
	return &s.words[rowBase+idx/8], (idx % 8) * 4
}

// increment bumps all rows, saturating at 15, and triggers aging when due.
func (s *cmSketch) increment(fp uint32) {
	for row := 0; row < cmRows; row++ {
		word, shift := s.slot(row, fp)
		for {
			old := word.Load()
			ctr := (old >> shift) & 0xf
			if ctr == 0xf {
				break
			}
			if word.CompareAndSwap(old, old+(1<<shift)) {
				break
			}
		}
	}
	if s.incs.Add(1)%s.reset == 0 {
		s.age()
	}
}

// estimate returns the minimum counter across rows.
func (s *cmSketch) estimate(fp uint32) uint32 {
	min := uint32(0xf)
	for row := 0; row < cmRows; row++ {
		word, shift := s.slot(row, fp)
		if ctr := (word.Load() >> shift) & 0xf; ctr < min {
			min = ctr
		}
	}
	return min
}

// age halves every counter, preserving recency of frequency estimates.
func (s *cmSketch) age() {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()
	for i := range s.words {
		for {
			old := s.words[i].Load()
			halved := (old >> 1) & 0x77777777
			if s.words[i].CompareAndSwap(old, halved) {
				break
			}
		}
	}
}

// tinyLFUFrequencyFloor is the estimated frequency at or above which an
// unreferenced tail gets one extra round before eviction.
const tinyLFUFrequencyFloor = 2

// tinyLFUPolicy keeps one list ordered by insertion, a count-min frequency
// sketch fed by every access, and a frequency-aware eviction scan: the tail
// is spared once when either its reference bit is set or its estimated
// frequency clears the floor. The tail marker records that a node already
// used its frequency reprieve.
type tinyLFUPolicy struct {
	list *adList
	cfg  policyConfig

	sketchInit sync.Mutex
	sketch     atomic.Pointer[cmSketch]
}

func newTinyLFUPolicy(c Compressor, cfg policyConfig) *tinyLFUPolicy {
	return &tinyLFUPolicy{list: newADList(c), cfg: cfg}
}

func (p *tinyLFUPolicy) ensureSketch() *cmSketch {
	if s := p.sketch.Load(); s != nil {
		return s
	}
	p.sketchInit.Lock()
	defer p.sketchInit.Unlock()
	if s := p.sketch.Load(); s != nil {
		return s
	}
	counters := p.Len() * 8
	if counters < 1024 {
		counters = 1024
	}
	s := newCMSketch(counters)
	p.sketch.Store(s)
	return s
}

func (p *tinyLFUPolicy) Add(n *Node, now uint32) bool {
	if n.PolicyIndexed() {
		return false
	}
	n.clearReference()
	n.unmarkTail()
	n.setUpdateTime(now)
	p.ensureSketch().increment(fingerprint(n.key))
	p.list.linkAtHead(n)
	n.markPolicyIndexed()
	return true
}

func (p *tinyLFUPolicy) RecordAccess(n *Node, mode AccessMode, now uint32) bool {
	if !p.cfg.admitsMode(mode) {
		return false
	}
	if !n.PolicyIndexed() {
		return false
	}
	p.ensureSketch().increment(fingerprint(n.key))
	if !n.referenced() {
		n.setReference()
	}
	if now-n.getUpdateTime() >= p.cfg.refreshTimeSec {
		n.setUpdateTime(now)
	}
	return true
}

func (p *tinyLFUPolicy) Remove(n *Node) bool {
	if !n.PolicyIndexed() {
		return false
	}
	if !p.list.remove(n) {
		return false
	}
	n.unmarkPolicyIndexed()
	n.clearReference()
	n.unmarkTail()
	return true
}

func (p *tinyLFUPolicy) Replace(oldNode, newNode *Node) bool {
	if !oldNode.PolicyIndexed() || newNode.PolicyIndexed() {
		return false
	}
	if !p.list.replace(oldNode, newNode) {
		return false
	}
	newNode.setUpdateTime(oldNode.getUpdateTime())
	if oldNode.referenced() {
		newNode.setReference()
	} else {
		newNode.clearReference()
	}
	if oldNode.tailMarked() {
		newNode.markTail()
		oldNode.unmarkTail()
	}
	oldNode.unmarkPolicyIndexed()
	oldNode.clearReference()
	newNode.markPolicyIndexed()
	return true
}

func (p *tinyLFUPolicy) IsIndexed(n *Node) bool { return n.PolicyIndexed() }

func (p *tinyLFUPolicy) Len() int64 { return p.list.len() }

func (p *tinyLFUPolicy) GetEvictionCandidate() *Node {
	sketch := p.ensureSketch()
	p.list.mu.Lock()
	defer p.list.mu.Unlock()
	for {
		tail := p.list.removeTailLocked()
		if tail == nil {
			return nil
		}
		spare := false
		if tail.referenced() {
			tail.clearReference()
			spare = true
		} else if !tail.tailMarked() && sketch.estimate(fingerprint(tail.key)) >= tinyLFUFrequencyFloor {
			tail.markTail()
			spare = true
		}
		if spare {
			p.list.linkAtHead(tail)
			continue
		}
		tail.next.Store(0)
		tail.unmarkTail()
		tail.acquire()
		tail.unmarkPolicyIndexed()
		return tail
	}
}
