// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package x11

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gviegas/x11present/driver"
	"github.com/gviegas/x11present/internal/latch"
	"github.com/gviegas/x11present/internal/queue"
	"github.com/gviegas/x11present/internal/xconn"
)

// debugCounts exposes internal reconciliation counters for tests
// to assert testable property 1 (Conservation) directly, per
// SPEC_FULL.md's supplemented features. It is not part of the
// public API.
type debugCounts struct {
	idleEvents      int64
	completeEvents  int64
	configureEvents int64
}

// DebugEventCounts returns the number of IdleNotify, CompleteNotify
// and ConfigureNotify events handled so far. It exists for tests
// asserting the conservation property and is not meant for
// production monitoring. The idle count covers IdleNotify events
// only; a slot released by its idle fence (awaitIdleFence) is not
// counted.
func (s *Swapchain) DebugEventCounts() (idle, complete, configure int64) {
	return s.debug.idleEvents, s.debug.completeEvents, s.debug.configureEvents
}

// Swapchain implements driver.Swapchain over an X11 Present
// connection. It is the state machine described in spec.md §4.5:
// a fixed image ring, two optional bounded queues, a worker
// goroutine, and a sticky status latch shared between the
// goroutine that calls Acquire/Present and the worker.
type Swapchain struct {
	conn   xconn.Conn
	gpu    driver.GPU
	window uint32

	extent driver.Dim3D
	format driver.PixelFmt
	path   slotPath

	gc uint32

	images []*imageSlot
	views  []driver.ImageView

	events    <-chan xconn.PresentEvent
	cancelEvt func()

	sendSBC        uint64
	lastPresentMSC uint64
	sentImageCount int32

	status           *latch.L
	copyIsSuboptimal atomic.Bool

	hasPresentQueue bool
	hasAcquireQueue bool
	presentQueue    *queue.Q
	acquireQueue    *queue.Q
	workerDone      chan struct{}

	mode              PresentMode
	isXWayland        bool
	hasDRI3Modifiers  bool
	xwaylandWaitReady bool

	adaptiveSyncAtom xconn.Atom
	adaptiveSyncSet  bool

	mu sync.Mutex // serializes busy access against event handling.

	// busy tracks which image slots are currently owned by the
	// driver side (acquired or presented but not yet idle), indexed
	// by position in images.
	busy busySet

	// pendingIdle counts outstanding awaitIdleFence goroutines.
	// Destroy waits on it before tearing down image slots, since
	// those goroutines read the slots' fence memory.
	pendingIdle sync.WaitGroup

	debug debugCounts
}

// NewSwapchain creates a swapchain bound to surface, following
// the construction procedure in spec.md §4.5.1.
func NewSwapchain(surface *Surface, gpu driver.GPU, requestedImageCount int, opts Options) (*Swapchain, error) {
	conn := surface.conn
	window := surface.window

	caps := xconn.Probe(conn)
	if !caps.HasDRI3 || !caps.HasPresent || !caps.HasXFixes {
		return nil, fmt.Errorf("x11: NewSwapchain: %w", driver.ErrCannotPresent)
	}

	path := choosePath(caps, opts.Software, opts.NoSHM || opts.DisableSHM)

	waitReady := opts.XWaylandWaitReady
	fenceWaitApplies := !opts.Software && (opts.PresentMode == Mailbox || (opts.PresentMode == Immediate && caps.IsXWayland && waitReady))
	count := resolveImageCount(requestedImageCount, opts, fenceWaitApplies)

	geom, err := conn.GetGeometry(window)
	if err != nil {
		return nil, fmt.Errorf("x11: GetGeometry: %w", driver.ErrWindow)
	}

	initStatus := latch.Success
	if opts.Width != 0 && opts.Height != 0 && (int(geom.Width) != opts.Width || int(geom.Height) != opts.Height) {
		initStatus = latch.Suboptimal
	}

	events, cancel, err := conn.PresentSelectInput(window)
	if err != nil {
		return nil, fmt.Errorf("x11: PresentSelectInput: %w", driver.ErrWindow)
	}

	gc, err := conn.CreateGC(window, false)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("x11: CreateGC: %w", driver.ErrWindow)
	}

	s := &Swapchain{
		conn:              conn,
		gpu:               gpu,
		window:            window,
		extent:            driver.Dim3D{Width: int(geom.Width), Height: int(geom.Height), Depth: 1},
		format:            opts.Format,
		path:              path,
		gc:                gc,
		events:            events,
		cancelEvt:         cancel,
		status:            latch.New(initStatus),
		mode:              opts.PresentMode,
		isXWayland:        caps.IsXWayland,
		hasDRI3Modifiers:  caps.HasDRI3 && caps.DRI3Major >= 1 && (caps.DRI3Major > 1 || caps.DRI3Minor >= 2) && caps.HasPresent && caps.PresentMajor >= 1 && (caps.PresentMajor > 1 || caps.PresentMinor >= 2),
		xwaylandWaitReady: opts.XWaylandWaitReady,
		busy:              newBusySet(count),
	}

	s.images = make([]*imageSlot, count)
	s.views = make([]driver.ImageView, count)
	for i := 0; i < count; i++ {
		slot, err := provisionSlot(conn, window, gpu, opts.Format, s.extent.Width, s.extent.Height, path, caps)
		if err != nil {
			s.unwind(i)
			cancel()
			conn.FreeGC(gc)
			return nil, fmt.Errorf("x11: provisionSlot %d: %w", i, err)
		}
		s.images[i] = slot
		s.views[i] = slot.view
	}

	s.hasPresentQueue, s.hasAcquireQueue, _ = decideQueues(s.mode, s.isXWayland, s.xwaylandWaitReady, path != pathHardware)
	if s.hasPresentQueue {
		s.presentQueue = queue.New(count + 1)
	}
	if s.hasAcquireQueue {
		s.acquireQueue = queue.New(count + 1)
		for i := 0; i < count; i++ {
			s.acquireQueue.Push(uint32(i))
		}
	}
	if s.hasPresentQueue {
		s.workerDone = make(chan struct{})
		go s.runWorker()
	}

	if opts.AdaptiveSync {
		if err := s.setAdaptiveSync(true); err != nil {
			log.Printf("x11: failed to set _VARIABLE_REFRESH on window %d: %v", window, err)
		}
	}

	return s, nil
}

func resolveImageCount(requested int, opts Options, fenceWaitPolicyApplies bool) int {
	if opts.OverrideMinImageCount > 0 {
		requested = opts.OverrideMinImageCount
	}
	if opts.StrictImageCount {
		return requested
	}
	if fenceWaitPolicyApplies && requested < 5 {
		requested = 5
	}
	if opts.EnsureMinImageCount && requested < defaultMinImageCount {
		requested = defaultMinImageCount
	}
	return requested
}

// decideQueues implements the present-mode-to-queue-structure
// table in spec.md §4.5.1, factored out so it is unit testable
// without a live connection (SUPPLEMENTED FEATURES item 3).
func decideQueues(mode PresentMode, isXWayland, xwaylandWaitReady, software bool) (hasPresentQueue, hasAcquireQueue, hasWorker bool) {
	if software {
		return false, false, false
	}
	switch {
	case mode == FIFO || mode == FIFORelaxed:
		return true, true, true
	case mode == Mailbox:
		return true, false, true
	case mode == Immediate && isXWayland && xwaylandWaitReady:
		return true, false, true
	default: // Immediate, not XWayland (or wait-ready disabled).
		return false, false, false
	}
}

func (s *Swapchain) unwind(provisioned int) {
	for i := 0; i < provisioned; i++ {
		destroySlot(s.conn, s.images[i])
	}
}

func (s *Swapchain) setAdaptiveSync(enable bool) error {
	if enable {
		atom, err := s.conn.InternAtom("_VARIABLE_REFRESH", false)
		if err != nil {
			return err
		}
		cardinal, err := s.conn.InternAtom("CARDINAL", false)
		if err != nil {
			return err
		}
		buf := []byte{1, 0, 0, 0}
		if err := s.conn.ChangeProperty(s.window, atom, cardinal, 32, buf); err != nil {
			return err
		}
		s.adaptiveSyncAtom = atom
		s.adaptiveSyncSet = true
		return nil
	}
	if s.adaptiveSyncSet {
		return s.conn.DeleteProperty(s.window, s.adaptiveSyncAtom)
	}
	return nil
}

// SetRenderFence attaches the GPU fence that signals when
// rendering into images[index] has finished. The queue manager
// waits on it before presenting, when the fence-wait policy
// applies (§4.5.7 step 2: mailbox always, immediate only on
// XWayland with xwaylandWaitReady). Callers using FIFO/FIFO_RELAXED
// or immediate off XWayland need not call this at all.
func (s *Swapchain) SetRenderFence(index int, f driver.Fence) error {
	if index < 0 || index >= len(s.images) {
		return fmt.Errorf("x11: SetRenderFence: index %d out of range", index)
	}
	s.images[index].renderFence = f
	return nil
}

// fenceWaitPolicy reports whether the queue manager must wait on
// a slot's render fence before presenting it, per §4.5.7 step 2.
func (s *Swapchain) fenceWaitPolicy() bool {
	if s.mode == Mailbox {
		return true
	}
	return s.mode == Immediate && s.isXWayland && s.xwaylandWaitReady
}

// Views implements driver.Swapchain.
func (s *Swapchain) Views() []driver.ImageView { return s.views }

// Format implements driver.Swapchain.
func (s *Swapchain) Format() driver.PixelFmt { return s.format }

func mapStatus(st latch.Status) error {
	switch {
	case st == latch.Success:
		return nil
	case st == latch.Timeout || st == latch.NotReady:
		return driver.ErrNoBackbuffer
	case st == latch.Suboptimal:
		return driver.ErrSuboptimal
	case st.Fatal():
		return driver.ErrSwapchain
	default:
		return fmt.Errorf("x11: unknown status %v", st)
	}
}

// Acquire implements driver.Swapchain.Acquire (spec.md §4.5.2).
func (s *Swapchain) Acquire(timeout time.Duration) (int, error) {
	if st := s.status.Load(); st.Fatal() {
		return -1, mapStatus(st)
	}
	if s.path == pathSoftwareNoSHM {
		return s.acquireSoftwareNoSHM()
	}
	if s.hasAcquireQueue {
		return s.acquireViaQueue(timeout)
	}
	return s.acquireScanAndWait(timeout)
}

func (s *Swapchain) acquireSoftwareNoSHM() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.busy.find()
	if !ok {
		st := s.status.Merge(latch.NotReady)
		return -1, mapStatus(st)
	}
	geom, err := s.conn.GetGeometry(s.window)
	if err != nil {
		st := s.status.Merge(latch.SurfaceLost)
		return -1, mapStatus(st)
	}
	if int(geom.Width) != s.extent.Width || int(geom.Height) != s.extent.Height {
		st := s.status.Merge(latch.Suboptimal)
		return -1, mapStatus(st)
	}
	s.busy.claim(i)
	return i, mapStatus(s.status.Merge(latch.Success))
}

func (s *Swapchain) acquireViaQueue(timeout time.Duration) (int, error) {
	idx, ok := s.acquireQueue.Pop(timeout)
	if !ok {
		st := s.status.Merge(latch.Timeout)
		return -1, mapStatus(st)
	}
	if idx == queue.Sentinel {
		st := s.status.Load()
		if !st.Fatal() {
			st = s.status.Merge(latch.OutOfDate)
		}
		return -1, mapStatus(st)
	}
	slot := s.images[idx]
	if err := slot.fence.Await(timeout); err != nil {
		st := s.status.Merge(latch.SurfaceLost)
		return -1, mapStatus(st)
	}
	s.mu.Lock()
	s.busy.claim(int(idx))
	s.mu.Unlock()
	return int(idx), mapStatus(s.status.Merge(latch.Success))
}

func (s *Swapchain) acquireScanAndWait(timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if idx, ok := s.scanNonBusy(); ok {
			slot := s.images[idx]
			if slot.fence != nil {
				if err := slot.fence.Await(timeout); err != nil {
					st := s.status.Merge(latch.SurfaceLost)
					return -1, mapStatus(st)
				}
			}
			s.mu.Lock()
			s.busy.claim(idx)
			s.mu.Unlock()
			return idx, mapStatus(s.status.Merge(latch.Success))
		}

		s.conn.Flush()

		if timeout == 0 {
			select {
			case ev, ok := <-s.events:
				if !ok {
					st := s.status.Merge(latch.SurfaceLost)
					return -1, mapStatus(st)
				}
				s.handleEvent(ev)
				continue
			default:
				st := s.status.Merge(latch.NotReady)
				return -1, mapStatus(st)
			}
		}

		var remaining time.Duration = -1
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				st := s.status.Merge(latch.Timeout)
				return -1, mapStatus(st)
			}
		}

		ev, ok := s.waitEvent(remaining)
		if !ok {
			st := s.status.Merge(latch.Timeout)
			return -1, mapStatus(st)
		}
		s.handleEvent(ev)
		if st := s.status.Load(); st.Fatal() {
			return -1, mapStatus(st)
		}
	}
}

func (s *Swapchain) scanNonBusy() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy.find()
}

// waitEvent blocks for at most timeout (negative means forever)
// waiting for a special event.
func (s *Swapchain) waitEvent(timeout time.Duration) (xconn.PresentEvent, bool) {
	if timeout < 0 {
		ev, ok := <-s.events
		return ev, ok
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ev, ok := <-s.events:
		return ev, ok
	case <-t.C:
		return xconn.PresentEvent{}, false
	}
}

// Present implements driver.Swapchain.Present (spec.md §4.5.3).
func (s *Swapchain) Present(index int, damage []driver.Rect) error {
	if st := s.status.Load(); st.Fatal() {
		return mapStatus(st)
	}
	if index < 0 || index >= len(s.images) {
		return fmt.Errorf("x11: Present: index %d out of range", index)
	}
	slot := s.images[index]

	if len(damage) > 0 {
		rects := make([]xconn.Rectangle, len(damage))
		for i, r := range damage {
			rects[i] = xconn.Rectangle{X: int16(r.X), Y: int16(r.Y), Width: uint16(r.Width), Height: uint16(r.Height)}
		}
		if err := s.conn.XFixesSetRegion(slot.damageRegion, rects); err != nil {
			st := s.status.Merge(latch.SurfaceLost)
			return mapStatus(st)
		}
		slot.currentDamage = slot.damageRegion
	} else {
		slot.currentDamage = 0
	}

	s.mu.Lock()
	s.busy.claim(index)
	s.mu.Unlock()

	if s.hasPresentQueue {
		s.presentQueue.Push(uint32(index))
		return mapStatus(s.status.Merge(latch.Success))
	}
	if err := s.presentInline(index, 0); err != nil {
		return err
	}
	return mapStatus(s.status.Merge(latch.Success))
}

func (s *Swapchain) presentInline(index int, targetMSC uint64) error {
	slot := s.images[index]
	if slot.software {
		return s.presentSoftware(index, slot)
	}
	return s.presentHardware(index, slot, targetMSC)
}

// presentHardware implements §4.5.5.
func (s *Swapchain) presentHardware(index int, slot *imageSlot, targetMSC uint64) error {
	s.drainPendingEvents()

	var options uint32
	if s.mode == Immediate || s.mode == FIFORelaxed || (s.mode == Mailbox && s.isXWayland) {
		options |= presentOptionAsync
	}
	if s.hasDRI3Modifiers {
		options |= presentOptionSuboptimal
	}

	slot.fence.Reset()

	atomic.AddInt32(&s.sentImageCount, 1)
	sbc := atomic.AddUint64(&s.sendSBC, 1)
	serial := uint32(sbc)
	slot.presentQueued = true
	slot.serial = serial

	err := s.conn.PresentPixmap(xconn.PresentPixmapParams{
		Window:       s.window,
		Pixmap:       slot.pixmap,
		Serial:       serial,
		UpdateRegion: slot.currentDamage,
		IdleFence:    slot.fence.fenceID,
		Options:      options,
		TargetMSC:    targetMSC,
	})
	if err != nil {
		st := s.status.Merge(latch.SurfaceLost)
		return mapStatus(st)
	}

	// The server triggers slot.fence once the pixmap is idle, in
	// place of an IdleNotify event for it (§4.4, §4.5.4). That is
	// what actually frees the slot for reuse; without it, an
	// acquire queue would never see the index again. Waiting for it
	// here would serialize every present behind the server idling
	// this exact pixmap, so the wait runs on its own goroutine and
	// this call returns as soon as the request is queued, letting
	// the worker move on to the next entry immediately (§5).
	s.pendingIdle.Add(1)
	go s.awaitIdleFence(index, slot)
	return nil
}

// awaitIdleFence waits for slot's idle fence to trigger and then
// releases index back to the pool, off the Present/worker critical
// path. Destroy waits for every outstanding call of this to finish
// before it frees slot memory.
func (s *Swapchain) awaitIdleFence(index int, slot *imageSlot) {
	defer s.pendingIdle.Done()

	if err := slot.fence.Await(-1); err != nil {
		s.status.Merge(latch.SurfaceLost)
		s.failWorker()
		return
	}
	s.mu.Lock()
	s.busy.release(index)
	s.mu.Unlock()
	atomic.AddInt32(&s.sentImageCount, -1)
	if s.hasAcquireQueue {
		s.acquireQueue.Push(uint32(index))
	}
}

const (
	presentOptionAsync      = 1 << 0
	presentOptionSuboptimal = 1 << 3
)

// presentSoftware implements §4.5.6: the software-without-SHM
// path, which has no pixmap and no fence, just a CPU buffer that
// is copied straight onto the window with PutImage. If the
// payload would exceed a conservative per-request size, it is
// sliced into horizontal bands.
func (s *Swapchain) presentSoftware(index int, slot *imageSlot) error {
	const maxRequestBytes = 256 * 1024
	w, h := s.extent.Width, s.extent.Height
	rowBytes := w * 4
	rowsPerBand := maxRequestBytes / rowBytes
	if rowsPerBand < 1 {
		rowsPerBand = 1
	}
	for y := 0; y < h; y += rowsPerBand {
		bandH := rowsPerBand
		if y+bandH > h {
			bandH = h - y
		}
		band := slot.cpuBuf[y*rowBytes : (y+bandH)*rowBytes]
		if err := s.conn.PutImage(s.window, s.gc, uint16(w), uint16(bandH), 0, int16(y), 24, band); err != nil {
			st := s.status.Merge(latch.SurfaceLost)
			return mapStatus(st)
		}
	}
	s.mu.Lock()
	s.busy.release(index)
	s.mu.Unlock()
	return s.conn.Flush()
}

func (s *Swapchain) drainPendingEvents() {
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		default:
			return
		}
	}
}

// handleEvent implements §4.5.4, merging the outcome into the
// status latch and returning the merged value.
func (s *Swapchain) handleEvent(ev xconn.PresentEvent) latch.Status {
	switch ev.Kind {
	case xconn.EventConfigureNotify:
		s.debug.configureEvents++
		if int(ev.Width) != s.extent.Width || int(ev.Height) != s.extent.Height {
			return s.status.Merge(latch.Suboptimal)
		}
		return s.status.Load()

	case xconn.EventIdleNotify:
		s.debug.idleEvents++
		idx, ok := s.findSlotByPixmap(ev.IdlePixmap)
		if !ok {
			return s.status.Load()
		}
		s.mu.Lock()
		s.busy.release(idx)
		s.mu.Unlock()
		atomic.AddInt32(&s.sentImageCount, -1)
		if s.hasAcquireQueue {
			s.acquireQueue.Push(uint32(idx))
		}
		return s.status.Load()

	case xconn.EventCompleteNotify:
		s.debug.completeEvents++
		idx, ok := s.findSlotBySerial(ev.CompleteSerial)
		if !ok {
			return s.status.Load()
		}
		slot := s.images[idx]
		slot.presentQueued = false
		atomic.StoreUint64(&s.lastPresentMSC, ev.MSC)
		switch ev.CompleteMode {
		case presentCompleteModeCopy:
			if s.copyIsSuboptimal.Load() {
				return s.status.Merge(latch.Suboptimal)
			}
		case presentCompleteModeFlip:
			s.copyIsSuboptimal.Store(true)
		case presentCompleteModeSuboptimalCopy:
			return s.status.Merge(latch.Suboptimal)
		}
		return s.status.Load()

	default:
		return s.status.Load()
	}
}

const (
	presentCompleteModeCopy           = 0
	presentCompleteModeFlip           = 1
	presentCompleteModeSkip           = 2
	presentCompleteModeSuboptimalCopy = 3
)

func (s *Swapchain) findSlotByPixmap(pixmap uint32) (int, bool) {
	for i, slot := range s.images {
		if slot.pixmap == pixmap {
			return i, true
		}
	}
	return 0, false
}

func (s *Swapchain) findSlotBySerial(serial uint32) (int, bool) {
	for i, slot := range s.images {
		if slot.presentQueued && slot.serial == serial {
			return i, true
		}
	}
	return 0, false
}

// Recreate implements driver.Swapchain.
func (s *Swapchain) Recreate() error {
	geom, err := s.conn.GetGeometry(s.window)
	if err != nil {
		return fmt.Errorf("x11: Recreate: GetGeometry: %w", driver.ErrWindow)
	}
	s.extent = driver.Dim3D{Width: int(geom.Width), Height: int(geom.Height), Depth: 1}
	s.status = latch.New(latch.Success)
	s.copyIsSuboptimal.Store(false)
	return nil
}

// Destroy implements driver.Swapchain (spec.md §4.5.8).
func (s *Swapchain) Destroy() {
	if s.hasPresentQueue {
		s.status.Merge(latch.OutOfDate)
		s.presentQueue.Push(queue.Sentinel)
		<-s.workerDone
	}
	// Outstanding awaitIdleFence goroutines read slot.fence; wait
	// for them before destroySlot frees that memory out from under
	// them.
	s.pendingIdle.Wait()
	for _, slot := range s.images {
		destroySlot(s.conn, slot)
	}
	if s.cancelEvt != nil {
		s.cancelEvt()
	}
	if s.adaptiveSyncSet {
		s.setAdaptiveSync(false)
	}
	if s.gc != 0 {
		s.conn.FreeGC(s.gc)
	}
}
