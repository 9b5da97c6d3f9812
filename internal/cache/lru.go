package cache

import "sync/atomic"

// lruPolicy approximates LRU over one adList. Reads promote the node to the
// head, throttled by a refresh time: a node promoted within the last
// refreshTime seconds stays where it is, which keeps hot keys from hammering
// the list mutex. With tryLockUpdate set, a promotion that would block on a
// contended mutex is skipped instead.
//
// When a reconfigure interval is set, the refresh time is retuned from the
// tail age at that cadence.
type lruPolicy struct {
	list *adList
	cfg  policyConfig
	ts   *TimeSource

	refreshTime     atomic.Uint32
	nextReconfigure atomic.Uint32
}

const (
	lruRefreshRatio   = 0.7
	lruRefreshTimeCap = 900
)

func newLRUPolicy(c Compressor, cfg policyConfig, ts *TimeSource) *lruPolicy {
	p := &lruPolicy{list: newADList(c), cfg: cfg, ts: ts}
	p.refreshTime.Store(cfg.refreshTimeSec)
	if cfg.reconfigureInterval > 0 {
		p.nextReconfigure.Store(ts.Now() + cfg.reconfigureInterval)
	}
	return p
}

func (p *lruPolicy) Add(n *Node, now uint32) bool {
	if n.PolicyIndexed() {
		return false
	}
	n.clearReference()
	n.setUpdateTime(now)
	p.list.linkAtHead(n)
	n.markPolicyIndexed()
	return true
}

func (p *lruPolicy) RecordAccess(n *Node, mode AccessMode, now uint32) bool {
	if !p.cfg.admitsMode(mode) {
		return false
	}
	if !n.PolicyIndexed() {
		return false
	}
	if !n.referenced() {
		n.setReference()
	}
	if now-n.getUpdateTime() < p.refreshTime.Load() {
		return false
	}

	if p.cfg.tryLockUpdate {
		if !p.list.mu.TryLock() {
			return false
		}
	} else {
		p.list.mu.Lock()
	}
	p.reconfigureLocked(now)
	if n.PolicyIndexed() {
		p.list.moveToHeadLocked(n)
		n.setUpdateTime(now)
	}
	p.list.mu.Unlock()
	return true
}

// reconfigureLocked retunes the refresh time from the tail age. Caller holds
// the list mutex.
func (p *lruPolicy) reconfigureLocked(now uint32) {
	if p.cfg.reconfigureInterval == 0 {
		return
	}
	next := p.nextReconfigure.Load()
	if now < next {
		return
	}
	p.nextReconfigure.Store(now + p.cfg.reconfigureInterval)

	tail := p.list.getTail()
	if tail == nil {
		return
	}
	tailAge := now - tail.getUpdateTime()
	refresh := uint32(float64(tailAge) * lruRefreshRatio)
	if refresh < p.cfg.refreshTimeSec {
		refresh = p.cfg.refreshTimeSec
	}
	if refresh > lruRefreshTimeCap {
		refresh = lruRefreshTimeCap
	}
	p.refreshTime.Store(refresh)
}

func (p *lruPolicy) Remove(n *Node) bool {
	if !n.PolicyIndexed() {
		return false
	}
	if !p.list.remove(n) {
		return false
	}
	n.unmarkPolicyIndexed()
	n.clearReference()
	return true
}

func (p *lruPolicy) Replace(oldNode, newNode *Node) bool {
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
	oldNode.unmarkPolicyIndexed()
	oldNode.clearReference()
	newNode.markPolicyIndexed()
	return true
}

func (p *lruPolicy) IsIndexed(n *Node) bool { return n.PolicyIndexed() }

func (p *lruPolicy) Len() int64 { return p.list.len() }

func (p *lruPolicy) GetEvictionCandidate() *Node {
	p.list.mu.Lock()
	defer p.list.mu.Unlock()
	tail := p.list.removeTailLocked()
	if tail == nil {
		return nil
	}
	tail.next.Store(0)
	tail.acquire()
	tail.unmarkPolicyIndexed()
	return tail
}
