package escrow

import "sync/atomic"

// Sequence allocates escrow IDs. IDs are strictly increasing and never
// reused; an ID whose insert fails is skipped, not recycled.
type Sequence struct {
	last atomic.Uint64
}

// NewSequence starts allocation after last.
func NewSequence(last uint64) *Sequence {
	s := &Sequence{}
	s.last.Store(last)
	return s
}

func (s *Sequence) Next() uint64 { return s.last.Add(1) }
