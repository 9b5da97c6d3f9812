package cache

import (
	"sync"
	"sync/atomic"
)

// s3fifoPolicy implements S3-FIFO (quick demotion): a small probationary
// FIFO in front of a main FIFO, with a ghost table remembering fingerprints
// of recently demoted probationary victims. A ghost hit on insert sends the
// key straight to the main queue. The ghost table is sized lazily on the
// first eviction, once the resident set is known.
type s3fifoPolicy struct {
	pfifo *adList
	mfifo *adList
	cfg   policyConfig

	histInit sync.Mutex
	hist     atomic.Pointer[ghostTable]

	ghostHits atomic.Int64
}

func newS3FIFOPolicy(c Compressor, cfg policyConfig) *s3fifoPolicy {
	return &s3fifoPolicy{
		pfifo: newADList(c),
		mfifo: newADList(c),
		cfg:   cfg,
	}
}

func (p *s3fifoPolicy) Add(n *Node, now uint32) bool {
	if n.PolicyIndexed() {
		return false
	}
	n.clearReference()
	n.setUpdateTime(now)

	if h := p.hist.Load(); h != nil && h.contains(fingerprint(n.key)) {
		p.ghostHits.Add(1)
		n.setQueue(QueueMain)
		p.mfifo.linkAtHead(n)
	} else {
		n.setQueue(QueueProbationary)
		p.pfifo.linkAtHead(n)
	}
	n.markPolicyIndexed()
	return true
}

func (p *s3fifoPolicy) RecordAccess(n *Node, mode AccessMode, now uint32) bool {
	if !p.cfg.admitsMode(mode) {
		return false
	}
	if !n.PolicyIndexed() {
		return false
	}
	if !n.referenced() {
		n.setReference()
	}
	if now-n.getUpdateTime() >= p.cfg.refreshTimeSec {
		n.setUpdateTime(now)
	}
	return true
}

// listFor maps a node's queue tag to the list holding it.
func (p *s3fifoPolicy) listFor(n *Node) *adList {
	if n.NodeQueue() == QueueMain {
		return p.mfifo
	}
	return p.pfifo
}

func (p *s3fifoPolicy) Remove(n *Node) bool {
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

func (p *s3fifoPolicy) Replace(oldNode, newNode *Node) bool {
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

func (p *s3fifoPolicy) IsIndexed(n *Node) bool { return n.PolicyIndexed() }

func (p *s3fifoPolicy) Len() int64 { return p.pfifo.len() + p.mfifo.len() }

// GhostHits returns the number of inserts admitted straight to the main
// queue by a ghost-table hit.
func (p *s3fifoPolicy) GhostHits() int64 { return p.ghostHits.Load() }

// ensureHist initializes the ghost table once, sized to half the resident
// set at the time of the first eviction.
func (p *s3fifoPolicy) ensureHist() *ghostTable {
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

func (p *s3fifoPolicy) GetEvictionCandidate() *Node {
	if p.Len() == 0 {
		return nil
	}
	hist := p.ensureHist()

	for {
		pLen, mLen := p.pfifo.len(), p.mfifo.len()
		if pLen+mLen == 0 {
			return nil
		}
		if float64(pLen) > float64(pLen+mLen)*p.cfg.s3ProbationaryPct {
			p.pfifo.mu.Lock()
			curr := p.pfifo.removeTailLocked()
			if curr == nil {
				p.pfifo.mu.Unlock()
				continue
			}
			if curr.referenced() {
				// Promote to the main queue.
				curr.clearReference()
				curr.next.Store(0)
				curr.setQueue(QueueMain)
				p.mfifo.linkAtHead(curr)
				p.pfifo.mu.Unlock()
				continue
			}
			hist.insert(fingerprint(curr.key))
			curr.next.Store(0)
			curr.acquire()
			curr.unmarkPolicyIndexed()
			p.pfifo.mu.Unlock()
			return curr
		}
		p.mfifo.mu.Lock()
		curr := p.mfifo.removeTailLocked()
		if curr == nil {
			p.mfifo.mu.Unlock()
			continue
		}
		if curr.referenced() {
			// Reinsert at the head of main; one more round.
			curr.clearReference()
			p.mfifo.linkAtHead(curr)
			p.mfifo.mu.Unlock()
			continue
		}
		curr.next.Store(0)
		curr.acquire()
		curr.unmarkPolicyIndexed()
		p.mfifo.mu.Unlock()
		return curr
	}
}
