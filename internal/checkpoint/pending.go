package checkpoint

import "sync"

// PendingSet tracks the sparse set of sequences above a checkpoint's
// localMinSequence that are still in flight: an ordered set plus a base
// value; when the lowest gap closes, the base advances.
type PendingSet struct {
	mu        sync.Mutex
	base      uint64          // localMinSequence+1: lowest not-yet-confirmed sequence
	pending   map[uint64]bool // added, not yet completed
	completed map[uint64]bool // completed but not yet folded into base (out-of-order acks)
}

// NewPendingSet returns a set whose base is localMinSequence+1.
func NewPendingSet(localMinSequence uint64) *PendingSet {
	return &PendingSet{
		base:      localMinSequence + 1,
		pending:   make(map[uint64]bool),
		completed: make(map[uint64]bool),
	}
}

// AddPendingSequence records seq as sent/in-flight. A sequence already below
// base is a no-op (it was already confirmed by an earlier checkpoint).
func (p *PendingSet) AddPendingSequence(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq < p.base {
		return
	}
	p.pending[seq] = true
}

// CompletedSequence marks seq acknowledged, advancing base through any
// contiguous run of completed sequences starting at base.
func (p *PendingSet) CompletedSequence(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq < p.base {
		return
	}
	delete(p.pending, seq)
	p.completed[seq] = true
	for p.completed[p.base] {
		delete(p.completed, p.base)
		p.base++
	}
}

// IsSequenceCompleted reports whether seq is known confirmed, either because
// it is below base or because it completed out of order ahead of a gap.
func (p *PendingSet) IsSequenceCompleted(seq uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return seq < p.base || p.completed[seq]
}

// PendingSequenceCount returns the number of sequences added but not yet
// completed.
func (p *PendingSet) PendingSequenceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// LocalMinSequence returns base-1, the sequence below which everything is
// confirmed.
func (p *PendingSet) LocalMinSequence() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.base - 1
}

// Reset rewinds the set to a fresh localMinSequence, discarding all pending
// and completed bookkeeping (used by validateWith on a mismatch).
func (p *PendingSet) Reset(localMinSequence uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = localMinSequence + 1
	p.pending = make(map[uint64]bool)
	p.completed = make(map[uint64]bool)
}
