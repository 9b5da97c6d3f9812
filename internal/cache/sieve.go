package cache

// sievePolicy implements SIEVE over one adList. Like CLOCK it never relinks
// on access, but the eviction scan differs in two ways: retained nodes keep
// their list position (only the reference bit is cleared), and the victim is
// unlinked wherever the hand happens to be — not necessarily near the tail.
// The hand sweeps from the head toward the tail and stays where it stopped,
// so the relative order of survivors is preserved across scans.
type sievePolicy struct {
	list *adList
	cfg  policyConfig
}

func newSievePolicy(c Compressor, cfg policyConfig) *sievePolicy {
	return &sievePolicy{list: newADList(c), cfg: cfg}
}

func (p *sievePolicy) Add(n *Node, now uint32) bool {
	if n.PolicyIndexed() {
		return false
	}
	n.clearReference()
	n.setUpdateTime(now)
	p.list.linkAtHead(n)
	n.markPolicyIndexed()
	return true
}

func (p *sievePolicy) RecordAccess(n *Node, mode AccessMode, now uint32) bool {
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

func (p *sievePolicy) Remove(n *Node) bool {
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

func (p *sievePolicy) Replace(oldNode, newNode *Node) bool {
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

func (p *sievePolicy) IsIndexed(n *Node) bool { return n.PolicyIndexed() }

func (p *sievePolicy) Len() int64 { return p.list.len() }

func (p *sievePolicy) GetEvictionCandidate() *Node {
	l := p.list
	l.mu.Lock()
	defer l.mu.Unlock()

	curr := l.c.Decompress(l.hand.Load())
	wraps := 0
	for {
		if curr == nil {
			curr = l.getHead()
			if curr == nil {
				l.hand.Store(0)
				return nil
			}
			if wraps++; wraps > 2 {
				invariantViolation("sieve hand wrapped %d times over %d nodes", wraps, l.len())
			}
			continue
		}
		if curr.referenced() {
			curr.clearReference()
			curr = l.getNext(curr)
			continue
		}
		victim := curr
		next := l.getNext(curr)
		l.unlink(victim)
		victim.next.Store(0)
		victim.prev.Store(0)
		victim.acquire()
		victim.unmarkPolicyIndexed()
		if next != nil {
			l.hand.Store(next.self)
		} else {
			l.hand.Store(0)
		}
		return victim
	}
}
