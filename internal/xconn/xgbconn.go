package xconn

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/shm"
	xsync "github.com/BurntSushi/xgb/sync"
	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"
	"golang.org/x/sys/unix"

	"github.com/gviegas/x11present/internal/dri3"
	"github.com/gviegas/x11present/internal/present"
)

// xgbConn is the production Conn implementation. Ordinary
// requests (core, SHM, XFIXES, RANDR) go through *xgb.Conn,
// mirroring a cgo-based libxcb binding but without the cgo;
// DRI3 and Present, whose wire formats postdate xgb's code
// generator, go through the hand-rolled internal/dri3 and
// internal/present packages layered on top of the same
// connection, plus a raw fd-passing side channel for the
// handful of DRI3 requests that carry a descriptor.
type xgbConn struct {
	display string
	xc      *xgb.Conn
	screen  xproto.ScreenInfo

	fdMu   sync.Mutex
	fdConn *net.UnixConn // raw duplicate socket used only for SCM_RIGHTS traffic.

	presentMu   sync.Mutex
	presentSubs map[uint32]chan PresentEvent
}

// Dial opens a new connection to display and runs extension
// registration; reusing one connection per display is the
// Registry's job. It is the dial function passed to NewRegistry
// in production.
func Dial(display string) (Conn, error) {
	xc, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, fmt.Errorf("xconn: connect to %q: %w", display, err)
	}
	if err := dri3.Init(xc); err != nil {
		// Not fatal: DRI3 may simply be absent (§4.2 degrades to the
		// software path in that case).
	}
	if err := present.Init(xc); err != nil {
		// Likewise not fatal; Probe will record HasPresent = false.
	}
	if err := shm.Init(xc); err != nil {
	}
	if err := xfixes.Init(xc); err != nil {
	}
	if err := randr.Init(xc); err != nil {
	}
	if err := xsync.Init(xc); err != nil {
	}

	c := &xgbConn{
		display:     display,
		xc:          xc,
		screen:      *xproto.Setup(xc).DefaultScreen(xc),
		presentSubs: make(map[uint32]chan PresentEvent),
	}
	if fdConn, err := dialRawFDSocket(display); err == nil {
		c.fdConn = fdConn
	}
	go c.dispatchEvents()
	return c, nil
}

func (c *xgbConn) DisplayString() string { return c.display }

func (c *xgbConn) Flush() error {
	// xgb flushes automatically on send; nothing to force here.
	return nil
}

func (c *xgbConn) GetGeometry(drawable uint32) (Geometry, error) {
	r, err := xproto.GetGeometry(c.xc, xproto.Drawable(drawable)).Reply()
	if err != nil {
		return Geometry{}, err
	}
	return Geometry{Width: r.Width, Height: r.Height, Depth: r.Depth}, nil
}

func (c *xgbConn) InternAtom(name string, onlyIfExists bool) (Atom, error) {
	r, err := xproto.InternAtom(c.xc, onlyIfExists, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return Atom(r.Atom), nil
}

func (c *xgbConn) ChangeProperty(window uint32, prop, typ Atom, format int, data []byte) error {
	n := len(data) / (format / 8)
	return xproto.ChangePropertyChecked(
		c.xc, xproto.PropModeReplace, xproto.Window(window),
		xproto.Atom(prop), xproto.Atom(typ), byte(format), uint32(n), data,
	).Check()
}

func (c *xgbConn) DeleteProperty(window uint32, prop Atom) error {
	return xproto.DeletePropertyChecked(c.xc, xproto.Window(window), xproto.Atom(prop)).Check()
}

func (c *xgbConn) FreePixmap(pixmap uint32) error {
	return xproto.FreePixmapChecked(c.xc, xproto.Pixmap(pixmap)).Check()
}

func (c *xgbConn) CreateGC(window uint32, graphicsExposures bool) (uint32, error) {
	id, err := c.NewID()
	if err != nil {
		return 0, err
	}
	var exposures uint32
	if graphicsExposures {
		exposures = 1
	}
	err = xproto.CreateGCChecked(
		c.xc, xproto.Gcontext(id), xproto.Drawable(window),
		xproto.GcGraphicsExposures, []uint32{exposures},
	).Check()
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (c *xgbConn) FreeGC(gc uint32) error {
	return xproto.FreeGCChecked(c.xc, xproto.Gcontext(gc)).Check()
}

func (c *xgbConn) NewID() (uint32, error) {
	id, err := c.xc.NewId()
	return uint32(id), err
}

func (c *xgbConn) QueryExtension(name string) (ExtensionInfo, error) {
	r, err := xproto.QueryExtension(c.xc, uint16(len(name)), name).Reply()
	if err != nil {
		return ExtensionInfo{}, err
	}
	return ExtensionInfo{
		Present:     r.Present,
		MajorOpcode: r.MajorOpcode,
		FirstEvent:  r.FirstEvent,
		FirstError:  r.FirstError,
	}, nil
}

func (c *xgbConn) DRI3QueryVersion() (uint32, uint32, error) {
	r, err := dri3.QueryVersion(c.xc, 1, 2).Reply()
	if err != nil {
		return 0, 0, err
	}
	return r.MajorVersion, r.MinorVersion, nil
}

func (c *xgbConn) DRI3Open(drawable uint32, provider uint32) (DRI3OpenResult, error) {
	if c.fdConn == nil {
		return DRI3OpenResult{}, fmt.Errorf("xconn: DRI3Open: no fd side channel")
	}
	major := c.xc.Extensions[dri3.ExtensionName]
	fd, err := dri3.Open(c, major, drawable, provider)
	if err != nil {
		return DRI3OpenResult{}, err
	}
	return DRI3OpenResult{Fd: fd}, nil
}

func (c *xgbConn) DRI3PixmapFromBuffer(p PixmapFromBufferParams, fd uintptr) error {
	major := c.xc.Extensions[dri3.ExtensionName]
	return dri3.PixmapFromBuffer(c, major, dri3.PixmapFromBufferParams{
		Pixmap: p.Pixmap, Window: p.Window, Size: p.Size,
		Width: p.Width, Height: p.Height, Stride: p.Stride,
		Depth: p.Depth, BitsPerPixel: p.BitsPerPixel,
	}, fd)
}

func (c *xgbConn) DRI3PixmapFromBuffers(p PixmapFromBuffersParams, fds []uintptr) error {
	major := c.xc.Extensions[dri3.ExtensionName]
	return dri3.PixmapFromBuffers(c, major, dri3.PixmapFromBuffersParams{
		Pixmap: p.Pixmap, Window: p.Window, Width: p.Width, Height: p.Height,
		Strides: p.Strides, Offsets: p.Offsets, Depth: p.Depth,
		BitsPerPixel: p.BitsPerPixel, Modifier: p.Modifier,
	}, fds)
}

func (c *xgbConn) DRI3FenceFromFD(drawable, fenceID uint32, initiallyTriggered bool, fd uintptr) error {
	major := c.xc.Extensions[dri3.ExtensionName]
	return dri3.FenceFromFD(c, major, drawable, fenceID, initiallyTriggered, fd)
}

func (c *xgbConn) DRI3GetSupportedModifiers(window uint32, depth, bpp byte) (Modifiers, error) {
	r, err := dri3.GetSupportedModifiers(c.xc, window, depth, bpp).Reply()
	if err != nil {
		return Modifiers{}, err
	}
	return Modifiers{Window: r.WindowModifiers, Screen: r.ScreenModifiers}, nil
}

func (c *xgbConn) SyncDestroyFence(fenceID uint32) error {
	return xsync.DestroyFenceChecked(c.xc, xsync.Fence(fenceID)).Check()
}

func (c *xgbConn) PresentQueryVersion() (uint32, uint32, error) {
	r, err := present.QueryVersion(c.xc, 1, 2).Reply()
	if err != nil {
		return 0, 0, err
	}
	return r.MajorVersion, r.MinorVersion, nil
}

// PresentSelectInput registers for every Present event kind on
// window and returns the channel events will be delivered on,
// matching the "special event" model in spec §4.5.4: a single
// per-connection dispatch loop (dispatchEvents) fans events out
// to the right window's channel by event ID.
func (c *xgbConn) PresentSelectInput(window uint32) (<-chan PresentEvent, func(), error) {
	eventID, err := c.NewID()
	if err != nil {
		return nil, nil, err
	}
	mask := uint32(present.EventMaskConfigureNotify | present.EventMaskCompleteNotify | present.EventMaskIdleNotify)
	if err := present.SelectInput(c.xc, eventID, window, mask); err != nil {
		return nil, nil, err
	}
	ch := make(chan PresentEvent, 16)
	c.presentMu.Lock()
	c.presentSubs[eventID] = ch
	c.presentMu.Unlock()

	cancel := func() {
		c.presentMu.Lock()
		delete(c.presentSubs, eventID)
		c.presentMu.Unlock()
		present.SelectInput(c.xc, eventID, window, 0)
		close(ch)
	}
	return ch, cancel, nil
}

func (c *xgbConn) PresentPixmap(p PresentPixmapParams) error {
	return present.Pixmap(c.xc, present.PixmapParams{
		Window: p.Window, Pixmap: p.Pixmap, Serial: p.Serial,
		ValidRegion: p.ValidRegion, UpdateRegion: p.UpdateRegion,
		XOff: p.XOff, YOff: p.YOff, TargetCRTC: p.TargetCRTC,
		WaitFence: p.WaitFence, IdleFence: p.IdleFence, Options: p.Options,
		TargetMSC: p.TargetMSC, DivisorMSC: p.DivisorMSC, RemainderMSC: p.RemainderMSC,
	})
}

func (c *xgbConn) XFixesQueryVersion() (uint32, uint32, error) {
	r, err := xfixes.QueryVersion(c.xc, 5, 0).Reply()
	if err != nil {
		return 0, 0, err
	}
	return uint32(r.MajorVersion), uint32(r.MinorVersion), nil
}

func (c *xgbConn) XFixesCreateRegion(rects []Rectangle) (uint32, error) {
	id, err := c.NewID()
	if err != nil {
		return 0, err
	}
	xr := make([]xproto.Rectangle, len(rects))
	for i, r := range rects {
		xr[i] = xproto.Rectangle{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
	}
	if err := xfixes.CreateRegionChecked(c.xc, xfixes.Region(id), xr).Check(); err != nil {
		return 0, err
	}
	return id, nil
}

func (c *xgbConn) XFixesSetRegion(region uint32, rects []Rectangle) error {
	xr := make([]xproto.Rectangle, len(rects))
	for i, r := range rects {
		xr[i] = xproto.Rectangle{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
	}
	return xfixes.SetRegionChecked(c.xc, xfixes.Region(region), xr).Check()
}

func (c *xgbConn) XFixesDestroyRegion(region uint32) error {
	return xfixes.DestroyRegionChecked(c.xc, xfixes.Region(region)).Check()
}

func (c *xgbConn) ShmQueryVersion() (SHMInfo, error) {
	r, err := shm.QueryVersion(c.xc).Reply()
	if err != nil {
		return SHMInfo{}, err
	}
	return SHMInfo{
		MajorVersion:    r.MajorVersion,
		MinorVersion:    r.MinorVersion,
		SharedPixmaps:   r.SharedPixmaps,
	}, nil
}

func (c *xgbConn) ShmAttach(seg uint32, shmid int, readOnly bool) error {
	return shm.AttachChecked(c.xc, shm.Seg(seg), uint32(shmid), readOnly).Check()
}

func (c *xgbConn) ShmDetach(seg uint32) error {
	return shm.DetachChecked(c.xc, shm.Seg(seg)).Check()
}

func (c *xgbConn) ShmCreatePixmap(window uint32, width, height uint16, depth byte, seg uint32, offset uint32) (uint32, error) {
	id, err := c.NewID()
	if err != nil {
		return 0, err
	}
	err = shm.CreatePixmapChecked(
		c.xc, xproto.Pixmap(id), xproto.Drawable(window), width, height, depth, shm.Seg(seg), offset,
	).Check()
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (c *xgbConn) ShmPutImage(drawable, gc uint32, totalW, totalH, srcX, srcY, srcW, srcH uint16, dstX, dstY int16, depth byte, seg uint32, offset uint32) error {
	return shm.PutImageChecked(
		c.xc, xproto.Drawable(drawable), xproto.Gcontext(gc),
		totalW, totalH, srcX, srcY, srcW, srcH, dstX, dstY,
		depth, xproto.ImageFormatZPixmap, 0, shm.Seg(seg), offset,
	).Check()
}

func (c *xgbConn) PutImage(drawable, gc uint32, width, height uint16, dstX, dstY int16, depth byte, data []byte) error {
	return xproto.PutImageChecked(
		c.xc, xproto.ImageFormatZPixmap, xproto.Drawable(drawable), xproto.Gcontext(gc),
		width, height, dstX, dstY, 0, depth, data,
	).Check()
}

func (c *xgbConn) RandrQueryVersion() (uint32, uint32, error) {
	r, err := randr.QueryVersion(c.xc, 1, 3).Reply()
	if err != nil {
		return 0, 0, err
	}
	return r.MajorVersion, r.MinorVersion, nil
}

func (c *xgbConn) RandrRootOutputName(root uint32) (string, error) {
	if root == 0 {
		root = uint32(c.screen.Root)
	}
	res, err := randr.GetScreenResourcesCurrent(c.xc, xproto.Window(root)).Reply()
	if err != nil || len(res.Outputs) == 0 {
		return "", err
	}
	info, err := randr.GetOutputInfo(c.xc, res.Outputs[0], res.ConfigTimestamp).Reply()
	if err != nil {
		return "", err
	}
	return string(info.Name), nil
}

// dispatchEvents runs for the lifetime of the connection, in the
// shape of a typical xgb-based event loop: one goroutine calls
// xc.WaitForEvent in a tight loop and routes
// Present generic events to the per-window channel registered by
// PresentSelectInput; every other event type is dropped, since
// this module has no windowing/input responsibilities of its
// own.
func (c *xgbConn) dispatchEvents() {
	for {
		ev, err := c.xc.WaitForEvent()
		if ev == nil && err == nil {
			return // connection closed.
		}
		ge, ok := ev.(xproto.GenericEvent)
		if !ok {
			continue
		}
		decoded, derr := present.DecodeEvent(ge.Bytes())
		if derr != nil {
			continue
		}
		var pe PresentEvent
		var eventID uint32
		switch {
		case decoded.Configure != nil:
			pe.Kind = EventConfigureNotify
			pe.Width, pe.Height = decoded.Configure.Width, decoded.Configure.Height
			eventID = decoded.Configure.EventID
		case decoded.Idle != nil:
			pe.Kind = EventIdleNotify
			pe.IdleSerial, pe.IdlePixmap = decoded.Idle.Serial, decoded.Idle.Pixmap
			eventID = decoded.Idle.EventID
		case decoded.Complete != nil:
			pe.Kind = EventCompleteNotify
			pe.CompleteKind, pe.CompleteMode = decoded.Complete.Kind, decoded.Complete.Mode
			pe.CompleteSerial, pe.MSC, pe.UST = decoded.Complete.Serial, decoded.Complete.MSC, decoded.Complete.UST
			eventID = decoded.Complete.EventID
		}
		c.presentMu.Lock()
		ch, ok := c.presentSubs[eventID]
		c.presentMu.Unlock()
		if ok {
			select {
			case ch <- pe:
			default:
				// Slow consumer; drop rather than block the shared
				// dispatch loop.
			}
		}
	}
}

// SendRequestFD and WaitForReplyFD implement dri3.FDConn. DRI3's
// fd-bearing requests are sent on a second raw connection to the
// same display (dialRawFDSocket), since xgb's public API has no
// hook for SCM_RIGHTS ancillary data. X resource IDs (pixmaps,
// drawables) are valid across any connection to the same server,
// so routing a handful of requests through a second connection
// is safe; it only costs that connection its own XID range,
// which this module never otherwise needs.
func (c *xgbConn) SendRequestFD(buf []byte, fd uintptr) (xgb.Cookie, error) {
	c.fdMu.Lock()
	defer c.fdMu.Unlock()
	if c.fdConn == nil {
		return xgb.Cookie{}, fmt.Errorf("xconn: no fd side channel for %s", c.display)
	}
	if buf == nil {
		// A continuation call carrying an extra fd for a
		// multi-plane request already sent; see dri3.PixmapFromBuffers.
		_, _, err := unixSendmsgFD(c.fdConn, nil, fd)
		return xgb.Cookie{}, err
	}
	_, _, err := unixSendmsgFD(c.fdConn, buf, fd)
	return xgb.Cookie{}, err
}

func (c *xgbConn) WaitForReplyFD(cookie xgb.Cookie) ([]byte, uintptr, error) {
	c.fdMu.Lock()
	defer c.fdMu.Unlock()
	if c.fdConn == nil {
		return nil, 0, fmt.Errorf("xconn: no fd side channel for %s", c.display)
	}
	return unixRecvmsgFD(c.fdConn)
}

func dialRawFDSocket(display string) (*net.UnixConn, error) {
	path, err := x11SocketPath(display)
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	return net.DialUnix("unix", nil, addr)
}

// x11SocketPath resolves a $DISPLAY-style string (":0",
// "host:0.1", "unix:1") to its abstract/filesystem unix socket
// path under /tmp/.X11-unix, the same convention libxcb uses.
func x11SocketPath(display string) (string, error) {
	if display == "" {
		display = os.Getenv("DISPLAY")
	}
	n, _, ok := parseDisplayNumber(display)
	if !ok {
		return "", fmt.Errorf("xconn: cannot parse display %q", display)
	}
	return fmt.Sprintf("/tmp/.X11-unix/X%d", n), nil
}

func parseDisplayNumber(display string) (num int, screen int, ok bool) {
	colon := -1
	for i := len(display) - 1; i >= 0; i-- {
		if display[i] == ':' {
			colon = i
			break
		}
	}
	if colon < 0 {
		return 0, 0, false
	}
	rest := display[colon+1:]
	dot := len(rest)
	for i, r := range rest {
		if r == '.' {
			dot = i
			break
		}
	}
	n := 0
	for _, r := range rest[:dot] {
		if r < '0' || r > '9' {
			return 0, 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, 0, true
}

func unixSendmsgFD(conn *net.UnixConn, buf []byte, fd uintptr) (int, int, error) {
	var rights []byte
	if fd != 0 {
		rights = unix.UnixRights(int(fd))
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, err
	}
	var n int
	var serr error
	err = raw.Control(func(sysfd uintptr) {
		n, serr = unix.SendmsgN(int(sysfd), buf, rights, nil, 0)
	})
	if err != nil {
		return 0, 0, err
	}
	return n, len(rights), serr
}

func unixRecvmsgFD(conn *net.UnixConn) ([]byte, uintptr, error) {
	buf := make([]byte, 32)
	oob := make([]byte, unix.CmsgSpace(4))
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, 0, err
	}
	var n, oobn int
	var rerr error
	err = raw.Control(func(sysfd uintptr) {
		n, oobn, _, _, rerr = unix.Recvmsg(int(sysfd), buf, oob, 0)
	})
	if err != nil {
		return nil, 0, err
	}
	if rerr != nil {
		return nil, 0, rerr
	}
	var fd uintptr
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil && len(cmsgs) > 0 {
			if fds, err := unix.ParseUnixRights(&cmsgs[0]); err == nil && len(fds) > 0 {
				fd = uintptr(fds[0])
			}
		}
	}
	return buf[:n], fd, nil
}
