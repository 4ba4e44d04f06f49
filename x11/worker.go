// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package x11

import (
	"sync/atomic"

	"github.com/gviegas/x11present/driver"
	"github.com/gviegas/x11present/internal/latch"
	"github.com/gviegas/x11present/internal/queue"
)

// runWorker is the queue manager goroutine (C6), started by
// NewSwapchain whenever the present-mode/connection combination
// calls for a present queue (§4.5.1 step 6). It owns every call
// into the present primitive when a present queue exists; the
// caller-facing Present only ever pushes an index.
//
// presentHardware returns as soon as the PresentPixmap request is
// queued with the server; it does not wait for the presented
// image's idle fence to trigger. That happens on its own goroutine
// (awaitIdleFence), so this loop pops and services the next queue
// entry right away instead of serializing one present at a time
// behind the previous image going idle (§5).
func (s *Swapchain) runWorker() {
	defer close(s.workerDone)

	for {
		idx, ok := s.presentQueue.Pop(-1)
		if !ok {
			continue // Pop(-1) never times out; unreachable in practice.
		}
		if idx == queue.Sentinel {
			return
		}

		slot := s.images[idx]

		if s.fenceWaitPolicy() && slot.renderFence != nil {
			if err := s.gpu.WaitForFences([]driver.Fence{slot.renderFence}, true, -1); err != nil {
				s.status.Merge(latch.OutOfDate)
				s.failWorker()
				return
			}
		}

		var targetMSC uint64
		if s.hasAcquireQueue {
			targetMSC = atomic.LoadUint64(&s.lastPresentMSC) + 1
		}

		if err := s.presentInline(int(idx), targetMSC); err != nil {
			s.failWorker()
			return
		}

		// presentInline cleared busy synchronously on the software
		// path; the hardware path releases it later, off this
		// goroutine, once its idle fence triggers. Either way, drain
		// any COMPLETE_NOTIFY/CONFIGURE_NOTIFY left sitting on the
		// channel so the SBC/MSC bookkeeping and the suboptimal latch
		// stay current before the next iteration.
		if st := s.drainAndCheck(); st.Fatal() {
			s.failWorker()
			return
		}
	}
}

// failWorker pushes the shutdown sentinel onto the acquire queue
// (if any) so a blocked Acquire wakes with a fatal status, per
// §4.5.7 step 6.
func (s *Swapchain) failWorker() {
	if s.hasAcquireQueue {
		s.acquireQueue.Push(queue.Sentinel)
	}
}

// drainAndCheck processes any events already queued up, without
// blocking, and reports whether the status went fatal.
func (s *Swapchain) drainAndCheck() latch.Status {
	s.drainPendingEvents()
	return s.status.Load()
}
