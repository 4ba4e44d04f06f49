// Package latch implements the swapchain's sticky status code:
// a value written concurrently by the application thread(s) and
// the queue manager worker, whose compare-and-set transition
// rule is the one piece of cross-thread shared mutable state in
// the presentation engine besides the connection registry.
package latch

import "sync/atomic"

// Status is a sticky result code. Negative values are permanent
// failures; zero is success; positive values are either
// transient (Timeout, NotReady) or advisory-sticky (Suboptimal).
type Status int32

// Status values.
const (
	Success Status = 0

	NotReady   Status = 1
	Timeout    Status = 2
	Suboptimal Status = 3

	OutOfDate       Status = -1
	SurfaceLost     Status = -2
	OutOfHostMemory Status = -3
)

// Fatal reports whether s is a permanent failure.
func (s Status) Fatal() bool { return s < 0 }

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case NotReady:
		return "not ready"
	case Timeout:
		return "timeout"
	case Suboptimal:
		return "suboptimal"
	case OutOfDate:
		return "out of date"
	case SurfaceLost:
		return "surface lost"
	case OutOfHostMemory:
		return "out of host memory"
	default:
		return "unknown status"
	}
}

// L is an atomic sticky status latch.
//
// Once a fatal status is stored, Merge never overwrites it and
// always reports it, regardless of what is merged afterward
// (§4.6's "sticky negativity" rule). A Suboptimal status is
// sticky too, but only until a fatal status arrives. Transient
// results (Timeout, NotReady) are never written; in practice
// they are only ever merged when the latch is not already
// fatal, because callers check Load and short-circuit before
// reaching code that could produce a transient result (see
// x11.Swapchain.Acquire/Present) — Merge still handles the
// fatal case defensively, collapsing to the stored value.
type L struct {
	v int32
}

// New creates a latch initialized to init.
func New(init Status) *L {
	return &L{v: int32(init)}
}

// Load returns the current status without merging anything.
func (l *L) Load() Status { return Status(atomic.LoadInt32(&l.v)) }

// Merge folds a new result into the latch per the transition
// table in spec §4.6, and returns the value that should be
// reported to the caller that produced new.
func (l *L) Merge(new Status) Status {
	for {
		cur := Status(atomic.LoadInt32(&l.v))
		if cur.Fatal() {
			return cur
		}
		switch {
		case new.Fatal():
			if atomic.CompareAndSwapInt32(&l.v, int32(cur), int32(new)) {
				return new
			}
		case new == Timeout || new == NotReady:
			return new
		case new == Suboptimal:
			if cur == Suboptimal {
				return Suboptimal
			}
			if atomic.CompareAndSwapInt32(&l.v, int32(cur), int32(Suboptimal)) {
				return Suboptimal
			}
		default: // Success
			return cur
		}
	}
}
