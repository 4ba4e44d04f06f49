// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package x11

import "github.com/gviegas/x11present/internal/bitvec"

// busySet tracks which slots of a swapchain's image ring are
// currently owned by the driver side (acquired, or presented but
// not yet idle). It wraps bitvec.V, a generic growable bit vector,
// and folds in the one piece of bookkeeping a raw bit vector has
// no notion of: the ring's real slot count. That count is rarely a
// multiple of the vector's word width, so newBusySet marks the
// trailing bits of the last word permanently set at construction,
// once, instead of making every caller re-check "did Search() hand
// me back a real slot or just unused padding" by hand.
type busySet struct {
	bits  bitvec.V[uint32]
	count int
}

// newBusySet creates a tracker for count slots, all initially free.
func newBusySet(count int) busySet {
	var s busySet
	s.count = count
	s.bits.Grow((count + 31) / 32)
	for i := count; i < s.bits.Len(); i++ {
		s.bits.Set(i)
	}
	return s
}

// find locates a free slot without claiming it, so a caller can
// still back out (e.g. on a geometry mismatch) before committing.
func (s *busySet) find() (index int, ok bool) {
	i, ok := s.bits.Search()
	if !ok || i >= s.count {
		return 0, false
	}
	return i, true
}

// claim marks index busy.
func (s *busySet) claim(index int) { s.bits.Set(index) }

// release marks index free again.
func (s *busySet) release(index int) { s.bits.Unset(index) }

// isBusy reports whether index is currently claimed.
func (s *busySet) isBusy(index int) bool { return s.bits.IsSet(index) }
