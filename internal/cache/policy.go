package cache

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// AccessMode distinguishes read from write accesses so promotion can be
// gated independently per direction.
type AccessMode int

// Access modes passed to RecordAccess.
const (
	AccessRead AccessMode = iota
	AccessWrite
)

// PolicyName selects an eviction policy.
type PolicyName string

// Supported eviction policies.
const (
	PolicyLRU                 PolicyName = "LRU"
	PolicyClock               PolicyName = "CLOCK"
	PolicyAtomicClock         PolicyName = "ATOMIC_CLOCK"
	PolicyAtomicClockBuffered PolicyName = "ATOMIC_CLOCK_BUFFERED"
	PolicySieve               PolicyName = "SIEVE"
	PolicyS3FIFO              PolicyName = "S3FIFO"
	PolicyTwoQ                PolicyName = "TWOQ"
	PolicyTinyLFU             PolicyName = "TINYLFU"
)

// ParsePolicy resolves a case-insensitive policy name.
func ParsePolicy(s string) (PolicyName, error) {
	p := PolicyName(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case PolicyLRU, PolicyClock, PolicyAtomicClock, PolicyAtomicClockBuffered,
		PolicySieve, PolicyS3FIFO, PolicyTwoQ, PolicyTinyLFU:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown policy %q", ErrInvalidArgument, s)
}

// Policy is the shared contract every eviction policy implements.
//
// GetEvictionCandidate picks and detaches a victim: on return the node is
// unlinked from the policy's structure and PolicyIndexed is false, with the
// remaining flags left in a caller-inspectable state and one reference
// acquired on the caller's behalf (the candidate's slot cannot be recycled
// under it). It returns nil only when the policy holds nothing.
type Policy interface {
	// Add registers the node: marks it policy-indexed, tags its queue
	// membership and links it into the policy's list(s). Reference bit is
	// cleared. Returns false if the node is already indexed.
	Add(n *Node, now uint32) bool

	// RecordAccess sets the reference bit (and performs any policy-specific
	// promotion). It never unlinks. Returns whether the access was recorded.
	RecordAccess(n *Node, mode AccessMode, now uint32) bool

	// Remove unlinks the node and clears its policy-indexed state. Returns
	// false if the node was not indexed.
	Remove(n *Node) bool

	// Replace swaps newNode into oldNode's position, preserving queue
	// membership and the reference bit. oldNode must be indexed and newNode
	// must not be.
	Replace(oldNode, newNode *Node) bool

	// GetEvictionCandidate detaches and returns a victim, or nil when empty.
	GetEvictionCandidate() *Node

	// IsIndexed reports whether the node currently belongs to this policy.
	// Inspection hook for tests and the facade.
	IsIndexed(n *Node) bool

	// Len returns the (eventually consistent) number of indexed nodes.
	Len() int64
}

// policyConfig is the slice of the cache config the policies consume.
type policyConfig struct {
	updateOnRead       bool
	updateOnWrite      bool
	refreshTimeSec     uint32
	tryLockUpdate      bool
	s3ProbationaryPct  float64
	reconfigureInterval uint32
}

func (c policyConfig) admitsMode(mode AccessMode) bool {
	if mode == AccessRead {
		return c.updateOnRead
	}
	return c.updateOnWrite
}

// newPolicy builds the named policy over the given compressor.
func newPolicy(name PolicyName, c Compressor, cfg policyConfig, ts *TimeSource) (Policy, error) {
	switch name {
	case PolicyLRU:
		return newLRUPolicy(c, cfg, ts), nil
	case PolicyClock, PolicyAtomicClock:
		return newClockPolicy(c, cfg, false), nil
	case PolicyAtomicClockBuffered:
		return newClockPolicy(c, cfg, true), nil
	case PolicySieve:
		return newSievePolicy(c, cfg), nil
	case PolicyS3FIFO:
		return newS3FIFOPolicy(c, cfg), nil
	case PolicyTwoQ:
		return newTwoQPolicy(c, cfg), nil
	case PolicyTinyLFU:
		return newTinyLFUPolicy(c, cfg), nil
	}
	return nil, fmt.Errorf("%w: unknown policy %q", ErrInvalidArgument, name)
}

// removeFromTagged unlinks a node from whichever list its queue tag selects,
// re-resolving the tag after taking the lock in case a concurrent promotion
// moved the node between queues while we waited.
func removeFromTagged(listFor func(*Node) *adList, n *Node) bool {
	for {
		l := listFor(n)
		l.mu.Lock()
		if listFor(n) != l {
			l.mu.Unlock()
			continue
		}
		if !l.containsLocked(n) {
			l.mu.Unlock()
			return false
		}
		l.unlink(n)
		n.next.Store(0)
		n.prev.Store(0)
		l.mu.Unlock()
		return true
	}
}

// hashKey is the one hash function for the whole cache: bucket selection
// takes the full 64 bits, fingerprints take the low 32.
func hashKey(key string) uint64 { return xxhash.Sum64String(key) }

// fingerprint derives the 32-bit fingerprint used by the ghost table.
func fingerprint(key string) uint32 { return uint32(hashKey(key)) }
