// Package xconntest provides a fake xconn.Conn for exercising
// the x11 package's concurrency and state-machine logic without
// a real X server: a hand-written fake shipped alongside the
// interface it implements, rather than a generated mock.
package xconntest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gviegas/x11present/internal/xconn"
)

// Fake is an in-memory xconn.Conn. Create one with New, which
// sets up a fully supported default server; tests then adjust the
// exported fields and call FailNext before using it. The zero Fake
// is not usable, since only New makes its internal maps.
type Fake struct {
	mu sync.Mutex

	Display string

	GeometryW, GeometryH uint16
	GeometryDepth        byte

	DRI3Supported    bool
	DRI3Major        uint32
	DRI3Minor        uint32
	PresentSupported bool
	PresentMajor     uint32
	PresentMinor     uint32
	XFixesSupported  bool
	ShmSupported     bool
	ShmShared        bool
	RandrSupported   bool
	XWayland         bool

	nextID  uint32
	regions map[uint32][]xconn.Rectangle
	pixmaps map[uint32]bool

	presentSubs map[uint32]chan xconn.PresentEvent

	// fences maps a DRI3 sync fence id to the shared page backing
	// it, mmap'd from the fd handed to DRI3FenceFromFD. PresentPixmap
	// writes the trigger word directly into this mapping to stand
	// in for the server signaling the fence once a pixmap is idle.
	fences map[uint32][]byte

	// PresentPixmapFunc, if set, is invoked by PresentPixmap
	// instead of the default, which immediately completes the
	// presentation: it triggers the request's idle fence (or, when
	// the request has none, pushes an IdleNotify) and then pushes a
	// CompleteNotify on the window's channel. Tests use this to control timing or
	// to simulate hardware flip vs. copy outcomes.
	PresentPixmapFunc func(p xconn.PresentPixmapParams) error

	// ModifiersByDepthBpp lets tests control
	// DRI3GetSupportedModifiers's answer.
	ModifiersByDepthBpp map[[2]byte]xconn.Modifiers

	// failing, if non-nil, is returned by the named method instead
	// of normal behavior.
	failing map[string]error
}

// New creates a fake connection with every extension supported
// at a reasonable default version, matching a typical modern
// Linux desktop's server.
func New(display string) *Fake {
	return &Fake{
		Display:          display,
		DRI3Supported:    true,
		DRI3Major:        1,
		DRI3Minor:        2,
		PresentSupported: true,
		PresentMajor:     1,
		PresentMinor:     2,
		XFixesSupported:  true,
		ShmSupported:     true,
		ShmShared:        true,
		RandrSupported:   true,
		GeometryW:        1024,
		GeometryH:        768,
		GeometryDepth:    24,
		regions:          make(map[uint32][]xconn.Rectangle),
		pixmaps:          make(map[uint32]bool),
		presentSubs:      make(map[uint32]chan xconn.PresentEvent),
		fences:           make(map[uint32][]byte),
		failing:          make(map[string]error),
	}
}

// FailNext makes the named method return err the next time (and
// every subsequent time) it is called.
func (f *Fake) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[method] = err
}

func (f *Fake) failIfConfigured(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failing[method]
}

func (f *Fake) DisplayString() string { return f.Display }
func (f *Fake) Flush() error          { return nil }

func (f *Fake) GetGeometry(drawable uint32) (xconn.Geometry, error) {
	if err := f.failIfConfigured("GetGeometry"); err != nil {
		return xconn.Geometry{}, err
	}
	return xconn.Geometry{Width: f.GeometryW, Height: f.GeometryH, Depth: f.GeometryDepth}, nil
}

func (f *Fake) InternAtom(name string, onlyIfExists bool) (xconn.Atom, error) {
	id, _ := f.NewID()
	return xconn.Atom(id), nil
}

func (f *Fake) ChangeProperty(window uint32, prop, typ xconn.Atom, format int, data []byte) error {
	return f.failIfConfigured("ChangeProperty")
}

func (f *Fake) DeleteProperty(window uint32, prop xconn.Atom) error {
	return f.failIfConfigured("DeleteProperty")
}

func (f *Fake) FreePixmap(pixmap uint32) error {
	f.mu.Lock()
	delete(f.pixmaps, pixmap)
	f.mu.Unlock()
	return f.failIfConfigured("FreePixmap")
}

func (f *Fake) CreateGC(window uint32, graphicsExposures bool) (uint32, error) {
	if err := f.failIfConfigured("CreateGC"); err != nil {
		return 0, err
	}
	return f.NewID()
}

func (f *Fake) FreeGC(gc uint32) error { return f.failIfConfigured("FreeGC") }

func (f *Fake) QueryExtension(name string) (xconn.ExtensionInfo, error) {
	present := map[string]bool{
		"DRI3":    f.DRI3Supported,
		"Present": f.PresentSupported,
		"XFIXES":  f.XFixesSupported,
		"MIT-SHM": f.ShmSupported,
		"RANDR":   f.RandrSupported,
		"XWAYLAND": f.XWayland,
	}[name]
	return xconn.ExtensionInfo{Present: present}, nil
}

func (f *Fake) NewID() (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID, nil
}

func (f *Fake) DRI3QueryVersion() (uint32, uint32, error) {
	if !f.DRI3Supported {
		return 0, 0, fmt.Errorf("xconntest: DRI3 not supported")
	}
	return f.DRI3Major, f.DRI3Minor, nil
}

func (f *Fake) DRI3Open(drawable, provider uint32) (xconn.DRI3OpenResult, error) {
	if err := f.failIfConfigured("DRI3Open"); err != nil {
		return xconn.DRI3OpenResult{}, err
	}
	return xconn.DRI3OpenResult{Fd: 0}, nil
}

func (f *Fake) DRI3PixmapFromBuffer(p xconn.PixmapFromBufferParams, fd uintptr) error {
	f.mu.Lock()
	f.pixmaps[p.Pixmap] = true
	f.mu.Unlock()
	return f.failIfConfigured("DRI3PixmapFromBuffer")
}

func (f *Fake) DRI3PixmapFromBuffers(p xconn.PixmapFromBuffersParams, fds []uintptr) error {
	f.mu.Lock()
	f.pixmaps[p.Pixmap] = true
	f.mu.Unlock()
	return f.failIfConfigured("DRI3PixmapFromBuffers")
}

func (f *Fake) DRI3FenceFromFD(drawable, fenceID uint32, initiallyTriggered bool, fd uintptr) error {
	if err := f.failIfConfigured("DRI3FenceFromFD"); err != nil {
		return err
	}
	mem, err := unix.Mmap(int(fd), 0, 4096, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("xconntest: mmap fence page: %w", err)
	}
	f.mu.Lock()
	f.fences[fenceID] = mem
	f.mu.Unlock()
	return nil
}

func (f *Fake) SyncDestroyFence(fenceID uint32) error {
	f.mu.Lock()
	mem, ok := f.fences[fenceID]
	delete(f.fences, fenceID)
	f.mu.Unlock()
	if ok {
		unix.Munmap(mem)
	}
	return f.failIfConfigured("SyncDestroyFence")
}

// triggerFence stands in for the X server setting a sync fence's
// word to the triggered state, e.g. once a presented pixmap
// becomes idle (see PresentPixmap).
func (f *Fake) triggerFence(fenceID uint32) {
	f.mu.Lock()
	mem := f.fences[fenceID]
	f.mu.Unlock()
	if len(mem) >= 4 {
		atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[0])), 1)
	}
}

func (f *Fake) DRI3GetSupportedModifiers(window uint32, depth, bpp byte) (xconn.Modifiers, error) {
	if f.ModifiersByDepthBpp != nil {
		if m, ok := f.ModifiersByDepthBpp[[2]byte{depth, bpp}]; ok {
			return m, nil
		}
	}
	const modInvalid = 0x00ffffffffffffff
	return xconn.Modifiers{Window: []uint64{modInvalid}, Screen: []uint64{modInvalid}}, nil
}

func (f *Fake) PresentQueryVersion() (uint32, uint32, error) {
	if !f.PresentSupported {
		return 0, 0, fmt.Errorf("xconntest: Present not supported")
	}
	return f.PresentMajor, f.PresentMinor, nil
}

func (f *Fake) PresentSelectInput(window uint32) (<-chan xconn.PresentEvent, func(), error) {
	ch := make(chan xconn.PresentEvent, 16)
	f.mu.Lock()
	f.presentSubs[window] = ch
	f.mu.Unlock()
	cancel := func() {
		f.mu.Lock()
		delete(f.presentSubs, window)
		f.mu.Unlock()
	}
	return ch, cancel, nil
}

func (f *Fake) PresentPixmap(p xconn.PresentPixmapParams) error {
	if err := f.failIfConfigured("PresentPixmap"); err != nil {
		return err
	}
	if f.PresentPixmapFunc != nil {
		return f.PresentPixmapFunc(p)
	}
	f.mu.Lock()
	ch := f.presentSubs[p.Window]
	f.mu.Unlock()
	if ch == nil {
		return nil
	}
	if p.IdleFence != 0 {
		f.triggerFence(p.IdleFence)
	} else {
		ch <- xconn.PresentEvent{Kind: xconn.EventIdleNotify, IdleSerial: p.Serial, IdlePixmap: p.Pixmap}
	}
	ch <- xconn.PresentEvent{Kind: xconn.EventCompleteNotify, CompleteSerial: p.Serial}
	return nil
}

func (f *Fake) XFixesQueryVersion() (uint32, uint32, error) {
	if !f.XFixesSupported {
		return 0, 0, fmt.Errorf("xconntest: XFIXES not supported")
	}
	return 5, 0, nil
}

func (f *Fake) XFixesCreateRegion(rects []xconn.Rectangle) (uint32, error) {
	id, _ := f.NewID()
	f.mu.Lock()
	f.regions[id] = rects
	f.mu.Unlock()
	return id, nil
}

func (f *Fake) XFixesSetRegion(region uint32, rects []xconn.Rectangle) error {
	f.mu.Lock()
	f.regions[region] = rects
	f.mu.Unlock()
	return nil
}

func (f *Fake) XFixesDestroyRegion(region uint32) error {
	f.mu.Lock()
	delete(f.regions, region)
	f.mu.Unlock()
	return nil
}

func (f *Fake) PutImage(drawable, gc uint32, width, height uint16, dstX, dstY int16, depth byte, data []byte) error {
	return f.failIfConfigured("PutImage")
}

func (f *Fake) ShmQueryVersion() (xconn.SHMInfo, error) {
	if !f.ShmSupported {
		return xconn.SHMInfo{}, fmt.Errorf("xconntest: MIT-SHM not supported")
	}
	return xconn.SHMInfo{MajorVersion: 1, MinorVersion: 2, SharedPixmaps: f.ShmShared}, nil
}

func (f *Fake) ShmAttach(seg uint32, shmid int, readOnly bool) error {
	return f.failIfConfigured("ShmAttach")
}

func (f *Fake) ShmDetach(seg uint32) error {
	if err := f.failIfConfigured("ShmDetach"); err != nil {
		return err
	}
	if seg == 0 {
		return &xconn.ProtocolError{Code: xconn.ErrorBadValue}
	}
	return nil
}

func (f *Fake) ShmCreatePixmap(window uint32, width, height uint16, depth byte, seg uint32, offset uint32) (uint32, error) {
	if err := f.failIfConfigured("ShmCreatePixmap"); err != nil {
		return 0, err
	}
	id, _ := f.NewID()
	f.mu.Lock()
	f.pixmaps[id] = true
	f.mu.Unlock()
	return id, nil
}

func (f *Fake) ShmPutImage(drawable, gc uint32, totalW, totalH, srcX, srcY, srcW, srcH uint16, dstX, dstY int16, depth byte, seg uint32, offset uint32) error {
	return f.failIfConfigured("ShmPutImage")
}

func (f *Fake) RandrQueryVersion() (uint32, uint32, error) {
	if !f.RandrSupported {
		return 0, 0, fmt.Errorf("xconntest: RANDR not supported")
	}
	return 1, 3, nil
}

func (f *Fake) RandrRootOutputName(root uint32) (string, error) {
	if f.XWayland {
		return "XWAYLAND0", nil
	}
	return "eDP-1", nil
}

// PushPresentEvent lets a test directly inject an event onto
// window's channel, bypassing PresentPixmap, to exercise
// CompleteNotify/IdleNotify handling in isolation.
func (f *Fake) PushPresentEvent(window uint32, ev xconn.PresentEvent) {
	f.mu.Lock()
	ch := f.presentSubs[window]
	f.mu.Unlock()
	if ch != nil {
		ch <- ev
	}
}
