package cache

import "sync/atomic"

// maxKeyLen is the serialized key-length ceiling. Keys are short decimal
// object ids in the trace workloads; anything longer than a byte-counted
// length is rejected at allocation.
const maxKeyLen = 255

// Node flag bits. All live in one atomic word; single-bit sets and clears are
// relaxed RMW, reads are relaxed. QueueTag is the pair (flagQueueProb,
// flagQueueMain); at most one of the two is set while the node is
// policy-indexed.
const (
	flagAccessIndexed uint32 = 1 << 0 // present in the access index
	flagPolicyIndexed uint32 = 1 << 1 // linked into a policy structure
	flagReference     uint32 = 1 << 2 // policy reference bit, set on access
	flagQueueProb     uint32 = 1 << 3 // member of the probationary FIFO
	flagQueueMain     uint32 = 1 << 4 // member of the main FIFO
	flagTailMarker    uint32 = 1 << 5 // TinyLFU: frequency reprieve already used; Replace carries it over

	flagQueueMask = flagQueueProb | flagQueueMain
)

// QueueTag identifies which policy queue a node belongs to.
type QueueTag uint8

// Queue membership values reported by NodeQueue.
const (
	QueueNone QueueTag = iota
	QueueProbationary
	QueueMain
)

// refsRetired is the refcount tombstone. Exactly one goroutine wins the
// CAS from 0 to refsRetired and owns returning the node to the arena.
const refsRetired int32 = -(1 << 30)

// Node is one live cached object. key, valLen and data are immutable while
// the node is indexed; everything else is shared mutable state coordinated
// through the flags word, the hook pointers and the refcount.
type Node struct {
	self uint32 // compressed pointer to this node; fixed at arena creation

	key    string
	valLen uint32
	data   []byte

	creationTime uint32
	expiryTime   uint32 // trace second; 0 = never expires

	flags atomic.Uint32
	refs  atomic.Int32

	// Policy list hook.
	next       atomic.Uint32
	prev       atomic.Uint32
	updateTime atomic.Uint32

	// Access index hook.
	hashNext atomic.Uint32
}

// Key returns the node's key.
func (n *Node) Key() string { return n.key }

// ValLen returns the length of the stored value.
func (n *Node) ValLen() uint32 { return n.valLen }

// Data returns the stored value bytes. Only valid while a handle is held.
func (n *Node) Data() []byte { return n.data }

// CreationTime returns the trace second the node was allocated at.
func (n *Node) CreationTime() uint32 { return n.creationTime }

// Expired reports whether the node's TTL has lapsed at the given trace second.
func (n *Node) Expired(now uint32) bool {
	return n.expiryTime != 0 && now >= n.expiryTime
}

func (n *Node) setFlag(f uint32)       { n.flags.Or(f) }
func (n *Node) clearFlag(f uint32)     { n.flags.And(^f) }
func (n *Node) hasFlag(f uint32) bool  { return n.flags.Load()&f != 0 }
func (n *Node) AccessIndexed() bool    { return n.hasFlag(flagAccessIndexed) }
func (n *Node) PolicyIndexed() bool    { return n.hasFlag(flagPolicyIndexed) }
func (n *Node) referenced() bool       { return n.hasFlag(flagReference) }
func (n *Node) setReference()          { n.setFlag(flagReference) }
func (n *Node) clearReference()        { n.clearFlag(flagReference) }
func (n *Node) markAccessIndexed()     { n.setFlag(flagAccessIndexed) }
func (n *Node) unmarkAccessIndexed()   { n.clearFlag(flagAccessIndexed) }
func (n *Node) markPolicyIndexed()     { n.setFlag(flagPolicyIndexed) }
func (n *Node) unmarkPolicyIndexed()   { n.clearFlag(flagPolicyIndexed) }
func (n *Node) tailMarked() bool       { return n.hasFlag(flagTailMarker) }
func (n *Node) markTail()              { n.setFlag(flagTailMarker) }
func (n *Node) unmarkTail()            { n.clearFlag(flagTailMarker) }

// setQueue replaces the two queue-tag bits in one RMW loop so observers never
// see both set.
func (n *Node) setQueue(tag QueueTag) {
	var bits uint32
	switch tag {
	case QueueProbationary:
		bits = flagQueueProb
	case QueueMain:
		bits = flagQueueMain
	}
	for {
		old := n.flags.Load()
		nw := (old &^ flagQueueMask) | bits
		if n.flags.CompareAndSwap(old, nw) {
			return
		}
	}
}

// NodeQueue reports the node's current queue membership.
func (n *Node) NodeQueue() QueueTag {
	switch n.flags.Load() & flagQueueMask {
	case flagQueueProb:
		return QueueProbationary
	case flagQueueMain:
		return QueueMain
	default:
		return QueueNone
	}
}

func (n *Node) setUpdateTime(sec uint32) { n.updateTime.Store(sec) }
func (n *Node) getUpdateTime() uint32    { return n.updateTime.Load() }

// acquire takes one reference. Must only be called while the caller can prove
// the node is reachable (inside a stripe lock, or already holding a ref).
func (n *Node) acquire() {
	if n.refs.Add(1) <= 0 {
		invariantViolation("acquire on retired node %q", n.key)
	}
}

// release drops one reference and reports whether the count hit zero.
func (n *Node) release() bool {
	r := n.refs.Add(-1)
	if r < 0 && r > refsRetired {
		invariantViolation("refcount underflow on node %q", n.key)
	}
	return r == 0
}

// tryRetire attempts to win ownership of the node's storage. It succeeds for
// exactly one caller, and only when the node is fully unlinked with no
// outstanding handles.
func (n *Node) tryRetire() bool {
	if n.flags.Load()&(flagAccessIndexed|flagPolicyIndexed) != 0 {
		return false
	}
	return n.refs.CompareAndSwap(0, refsRetired)
}
