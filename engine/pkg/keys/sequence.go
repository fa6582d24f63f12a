package keys

import "sync/atomic"

// Sequence hands out strictly increasing surrogate key values. One sequence
// is owned by exactly one delta transform at a time; sharing a key space
// across runs means passing the sequence (or its Current value) on
// explicitly, never through a global.
type Sequence struct {
	last atomic.Int64
}

// NewSequence seeds a sequence so that the first Next call returns seed+1.
// Seed with the maximum surrogate key already present at the target, or with
// the Current value of a prior run's sequence.
func NewSequence(seed int64) *Sequence {
	s := &Sequence{}
	s.last.Store(seed)
	return s
}

// Next returns the next surrogate key value.
func (s *Sequence) Next() int64 {
	return s.last.Add(1)
}

// Current returns the most recently handed out value without consuming one.
func (s *Sequence) Current() int64 {
	return s.last.Load()
}
