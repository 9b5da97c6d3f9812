package cache

// clockPolicy implements CLOCK over one adList. Insertions link at head;
// the eviction hand walks from the tail toward the head, clearing reference
// bits and detaching the first unreferenced node it meets. The buffered
// variant amortizes scans by keeping up to 64 pre-detached victims in an
// MPMC ring: whoever finds the ring below the low-water mark refills it
// under the list mutex.
type clockPolicy struct {
	list     *adList
	cfg      policyConfig
	buffered bool
	ring     *mpmcQueue
}

const clockRingCapacity = 64

func newClockPolicy(c Compressor, cfg policyConfig, buffered bool) *clockPolicy {
	p := &clockPolicy{
		list:     newADList(c),
		cfg:      cfg,
		buffered: buffered,
	}
	if buffered {
		p.ring = newMPMCQueue(clockRingCapacity)
	}
	return p
}

func (p *clockPolicy) Add(n *Node, now uint32) bool {
	if n.PolicyIndexed() {
		return false
	}
	n.clearReference()
	n.setUpdateTime(now)
	p.list.linkAtHead(n)
	n.markPolicyIndexed()
	return true
}

func (p *clockPolicy) RecordAccess(n *Node, mode AccessMode, now uint32) bool {
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

func (p *clockPolicy) Remove(n *Node) bool {
	if !n.PolicyIndexed() {
		return false
	}
	if !p.list.remove(n) {
		// A concurrent scan detached it; the scan owns the state now.
		return false
	}
	n.unmarkPolicyIndexed()
	n.clearReference()
	return true
}

func (p *clockPolicy) Replace(oldNode, newNode *Node) bool {
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

func (p *clockPolicy) IsIndexed(n *Node) bool { return n.PolicyIndexed() }

func (p *clockPolicy) Len() int64 { return p.list.len() }

func (p *clockPolicy) GetEvictionCandidate() *Node {
	if !p.buffered {
		p.list.mu.Lock()
		defer p.list.mu.Unlock()
		return p.scanLocked()
	}

	for {
		if p.ring.sizeGuess() < p.ring.capacity()/4 {
			p.refill()
		}
		if n, ok := p.ring.tryRead(); ok {
			// The scan's reference travels through the ring to the caller.
			return n
		}
		if p.list.len() == 0 {
			return nil
		}
		p.refill()
	}
}

// refill tops the ring up to the high-water mark. Serialized on the list
// mutex so only one scan runs at a time.
func (p *clockPolicy) refill() {
	p.list.mu.Lock()
	defer p.list.mu.Unlock()

	high := 3 * p.ring.capacity() / 4
	for p.ring.sizeGuess() < high {
		v := p.scanLocked()
		if v == nil {
			return
		}
		if !p.ring.tryWrite(v) {
			p.list.linkAtHead(v)
			v.markPolicyIndexed()
			v.release()
			return
		}
	}
}

// scanLocked runs one CLOCK pass. Caller holds the list mutex. The head is
// only visited when it is the sole element; unlinking the head would race
// with concurrent lock-free insertions.
func (p *clockPolicy) scanLocked() *Node {
	l := p.list
	curr := l.c.Decompress(l.hand.Load())
	wraps := 0
	for {
		if curr == nil || (curr.self == l.head.Load() && l.len() > 1) {
			curr = l.getTail()
			if curr == nil {
				l.hand.Store(0)
				return nil
			}
			if wraps++; wraps > 2 {
				invariantViolation("clock hand wrapped %d times over %d nodes", wraps, l.len())
			}
			continue
		}
		if curr.referenced() {
			curr.clearReference()
			curr = l.getPrev(curr)
			continue
		}
		victim := curr
		next := l.getPrev(curr)
		l.unlink(victim)
		victim.next.Store(0)
		victim.prev.Store(0)
		// Pin for the caller before dropping the policy claim, so the slot
		// cannot be recycled under a detached candidate.
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
