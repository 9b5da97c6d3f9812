package cache

import (
	"sync"
	"sync/atomic"
)

// twoQPolicy implements 2Q with the same machinery as S3-FIFO: a younger
// queue (A1in) for first-time keys, a mature queue (Am), and a key ghost
// history (A1out) reusing the ghost table. A key found in the ghost on
// insert bypasses A1in. Unlike S3-FIFO, an access to an A1in resident
// promotes it to Am immediately rather than waiting for the eviction scan.
type twoQPolicy struct {
	a1in *adList
	am   *adList
	cfg  policyConfig

	histInit sync.Mutex
	hist     atomic.Pointer[ghostTable]
}

// a1inTargetShare is the A1in share of the resident set above which the
// eviction scan drains the younger queue.
const a1inTargetShare = 0.25

func newTwoQPolicy(c Compressor, cfg policyConfig) *twoQPolicy {
	return &twoQPolicy{
		a1in: newADList(c),
		am:   newADList(c),
		cfg:  cfg,
	}
}

func (p *twoQPolicy) Add(n *Node, now uint32) bool {
	if n.PolicyIndexed() {
		return false
	}
	n.clearReference()
	n.setUpdateTime(now)

	if h := p.hist.Load(); h != nil && h.contains(fingerprint(n.key)) {
		n.setQueue(QueueMain)
		p.am.linkAtHead(n)
	} else {
		n.setQueue(QueueProbationary)
		p.a1in.linkAtHead(n)
	}
	n.markPolicyIndexed()
	return true
}

func (p *twoQPolicy) RecordAccess(n *Node, mode AccessMode, now uint32) bool {
	if !p.cfg.admitsMode(mode) {
		return false
	}
	if !n.PolicyIndexed() {
		return false
	}
	if !n.referenced() {
		n.setReference()
	}

	if n.NodeQueue() == QueueProbationary {
		// Second access promotes out of A1in.
		if p.cfg.tryLockUpdate {
			if !p.a1in.mu.TryLock() {
				return false
			}
		} else {
			p.a1in.mu.Lock()
		}
		if n.PolicyIndexed() && n.NodeQueue() == QueueProbationary && p.a1in.containsLocked(n) {
			p.a1in.unlink(n)
			n.next.Store(0)
			n.prev.Store(0)
			n.setQueue(QueueMain)
			p.am.linkAtHead(n)
			n.setUpdateTime(now)
		}
		p.a1in.mu.Unlock()
	}
	return true
}

func (p *twoQPolicy) listFor(n *Node) *adList {
	if n.NodeQueue() == QueueMain {
		return p.am
	}
	return p.a1in
}

func (p *twoQPolicy) Remove(n *Node) bool {
	if !n.PolicyIndexed() {
		return false
	}
	if !removeFromTagged(p.listFor, n) {
		return false
	}
	n.unmarkPolicyIndexed()
	n.clearReference()
	n.setQueue(QueueNone)
	return true
}

func (p *twoQPolicy) Replace(oldNode, newNode *Node) bool {
	if !oldNode.PolicyIndexed() || newNode.PolicyIndexed() {
		return false
	}
	tag := oldNode.NodeQueue()
	if !p.listFor(oldNode).replace(oldNode, newNode) {
		return false
	}
	newNode.setQueue(tag)
	newNode.setUpdateTime(oldNode.getUpdateTime())
	if oldNode.referenced() {
		newNode.setReference()
	} else {
		newNode.clearReference()
	}
	oldNode.unmarkPolicyIndexed()
	oldNode.clearReference()
	oldNode.setQueue(QueueNone)
	newNode.markPolicyIndexed()
	return true
}

func (p *twoQPolicy) IsIndexed(n *Node) bool { return n.PolicyIndexed() }

func (p *twoQPolicy) Len() int64 { return p.a1in.len() + p.am.len() }

func (p *twoQPolicy) ensureHist() *ghostTable {
	if h := p.hist.Load(); h != nil {
		return h
	}
	p.histInit.Lock()
	defer p.histInit.Unlock()
	if h := p.hist.Load(); h != nil {
		return h
	}
	capacity := p.Len() / 2
	if capacity < 1 {
		capacity = 1
	}
	h, err := newGhostTable(capacity)
	if err != nil {
		invariantViolation("ghost table init: %v", err)
	}
	p.hist.Store(h)
	return h
}

func (p *twoQPolicy) GetEvictionCandidate() *Node {
	if p.Len() == 0 {
		return nil
	}
	hist := p.ensureHist()

	for {
		inLen, amLen := p.a1in.len(), p.am.len()
		if inLen+amLen == 0 {
			return nil
		}
		if float64(inLen) > float64(inLen+amLen)*a1inTargetShare {
			p.a1in.mu.Lock()
			curr := p.a1in.removeTailLocked()
			if curr == nil {
				p.a1in.mu.Unlock()
				continue
			}
			hist.insert(fingerprint(curr.key))
			curr.next.Store(0)
			curr.acquire()
			curr.unmarkPolicyIndexed()
			p.a1in.mu.Unlock()
			return curr
		}
		p.am.mu.Lock()
		curr := p.am.removeTailLocked()
		if curr == nil {
			p.am.mu.Unlock()
			continue
		}
		curr.next.Store(0)
		curr.acquire()
		curr.unmarkPolicyIndexed()
		p.am.mu.Unlock()
		return curr
	}
}
