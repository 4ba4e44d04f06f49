// Package dri3 implements the subset of the X DRI3 extension's
// wire protocol that the swapchain's hardware image path needs:
// QueryVersion, Open (returns a render-node fd), PixmapFromBuffer
// / PixmapFromBuffers (import a DMA-BUF as a pixmap, single- or
// multi-plane), FenceFromFD (import a sync fence) and
// GetSupportedModifiers.
//
// Like internal/present, DRI3 has no generated
// github.com/BurntSushi/xgb package, for the same reason plus
// one more: several DRI3 requests and replies carry a file
// descriptor over the connection's ancillary data (SCM_RIGHTS),
// which xgb's public API has no hook for at all. The fd-bearing
// calls here (Open, PixmapFromBuffer(s), FenceFromFD) are
// therefore marked as needing a connection that implements
// FDConn, a narrow extension of the xgb wire transport; see
// internal/xconn for how the production connection satisfies it.
package dri3

import (
	"encoding/binary"
	"fmt"

	"github.com/BurntSushi/xgb"
)

// ExtensionName is the name the server advertises this
// extension under in QueryExtension replies.
const ExtensionName = "DRI3"

const (
	opQueryVersion         = 0
	opOpen                 = 1
	opPixmapFromBuffer     = 2
	opFenceFromFD          = 3
	opGetSupportedModifiers = 4
	opPixmapFromBuffers    = 5
)

// Init registers the DRI3 extension's major opcode on c.
func Init(c *xgb.Conn) error {
	return c.RegisterExtension(ExtensionName)
}

// FDConn is the connection capability internal/dri3 needs for
// requests that pass a file descriptor in-band: sending one
// alongside a request, or receiving one alongside a reply. The
// xconn package's production Conn implements it; the ordinary
// xgb.Conn does not, since xgb has no SCM_RIGHTS support.
type FDConn interface {
	SendRequestFD(buf []byte, fd uintptr) (xgb.Cookie, error)
	WaitForReplyFD(cookie xgb.Cookie) (buf []byte, fd uintptr, err error)
}

// QueryVersionCookie is returned by QueryVersion.
type QueryVersionCookie struct {
	xgb.Cookie
}

// QueryVersionReply is the reply to QueryVersion.
type QueryVersionReply struct {
	MajorVersion uint32
	MinorVersion uint32
}

// QueryVersion negotiates the DRI3 extension version.
func QueryVersion(c *xgb.Conn, majorVersion, minorVersion uint32) QueryVersionCookie {
	buf := make([]byte, 12)
	buf[0] = c.Extensions[ExtensionName]
	buf[1] = opQueryVersion
	binary.LittleEndian.PutUint16(buf[2:], 3)
	binary.LittleEndian.PutUint32(buf[4:], majorVersion)
	binary.LittleEndian.PutUint32(buf[8:], minorVersion)
	cookie := c.NewCookie(true, true)
	c.NewRequest(buf, cookie)
	return QueryVersionCookie{*cookie}
}

// Reply blocks for the QueryVersion reply.
func (cook QueryVersionCookie) Reply() (*QueryVersionReply, error) {
	buf, err := cook.Conn.WaitForReply(cook.Cookie)
	if err != nil {
		return nil, err
	}
	if buf == nil || len(buf) < 16 {
		return nil, fmt.Errorf("dri3: short QueryVersion reply")
	}
	return &QueryVersionReply{
		MajorVersion: binary.LittleEndian.Uint32(buf[8:]),
		MinorVersion: binary.LittleEndian.Uint32(buf[12:]),
	}, nil
}

// Open returns a render-node file descriptor suitable for
// opening a GPU device, scoped to drawable's provider.
func Open(c FDConn, major byte, drawable uint32, provider uint32) (fd uintptr, err error) {
	buf := make([]byte, 12)
	buf[0] = major
	buf[1] = opOpen
	binary.LittleEndian.PutUint16(buf[2:], 3)
	binary.LittleEndian.PutUint32(buf[4:], drawable)
	binary.LittleEndian.PutUint32(buf[8:], provider)
	cookie, err := c.SendRequestFD(buf, 0)
	if err != nil {
		return 0, err
	}
	_, fd, err = c.WaitForReplyFD(cookie)
	return fd, err
}

// PixmapFromBufferParams carries the parameters for a
// single-plane DMA-BUF import.
type PixmapFromBufferParams struct {
	Pixmap                uint32
	Window                uint32
	Size                  uint32
	Width, Height         uint16
	Stride                uint16
	Depth, BitsPerPixel   byte
}

// PixmapFromBuffer imports fd as a single-plane pixmap.
func PixmapFromBuffer(c FDConn, major byte, p PixmapFromBufferParams, fd uintptr) error {
	buf := make([]byte, 24)
	buf[0] = major
	buf[1] = opPixmapFromBuffer
	binary.LittleEndian.PutUint16(buf[2:], 6)
	binary.LittleEndian.PutUint32(buf[4:], p.Pixmap)
	binary.LittleEndian.PutUint32(buf[8:], p.Window)
	binary.LittleEndian.PutUint32(buf[12:], p.Size)
	binary.LittleEndian.PutUint16(buf[16:], p.Width)
	binary.LittleEndian.PutUint16(buf[18:], p.Height)
	binary.LittleEndian.PutUint16(buf[20:], p.Stride)
	buf[22] = p.Depth
	buf[23] = p.BitsPerPixel
	cookie, err := c.SendRequestFD(buf, fd)
	if err != nil {
		return err
	}
	_, _, err = c.WaitForReplyFD(cookie)
	return err
}

// PixmapFromBuffersParams carries the parameters for a
// multi-plane (modifier-qualified) DMA-BUF import.
type PixmapFromBuffersParams struct {
	Pixmap        uint32
	Window        uint32
	Width, Height uint16
	Strides       [4]uint32
	Offsets       [4]uint32
	Depth         byte
	BitsPerPixel  byte
	Modifier      uint64
}

// PixmapFromBuffers imports one fd per plane (up to four) as a
// single pixmap, qualified by an explicit format modifier. Planes
// beyond len(fds) must have a zero stride in params.
func PixmapFromBuffers(c FDConn, major byte, p PixmapFromBuffersParams, fds []uintptr) error {
	if len(fds) == 0 || len(fds) > 4 {
		return fmt.Errorf("dri3: PixmapFromBuffers: invalid plane count %d", len(fds))
	}
	buf := make([]byte, 48)
	buf[0] = major
	buf[1] = opPixmapFromBuffers
	binary.LittleEndian.PutUint16(buf[2:], 12)
	binary.LittleEndian.PutUint32(buf[4:], p.Pixmap)
	binary.LittleEndian.PutUint32(buf[8:], p.Window)
	binary.LittleEndian.PutUint16(buf[12:], p.Width)
	binary.LittleEndian.PutUint16(buf[14:], p.Height)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(buf[16+4*i:], p.Strides[i])
		binary.LittleEndian.PutUint32(buf[32+4*i:], p.Offsets[i])
	}
	buf[48-8] = byte(len(fds))
	buf[48-7] = p.Depth
	buf[48-6] = p.BitsPerPixel
	binary.LittleEndian.PutUint64(buf[48-4:], p.Modifier)
	// One request, len(fds) ancillary descriptors: FDConn carries
	// one fd per call, so the first fd goes out with the request and
	// each further fd through a SendRequestFD call with a nil
	// buffer. The production connection sends each of those as its
	// own sendmsg(2) call with no payload bytes.
	var cookie xgb.Cookie
	var err error
	for i, fd := range fds {
		if i == 0 {
			cookie, err = c.SendRequestFD(buf, fd)
		} else {
			_, err = c.SendRequestFD(nil, fd)
		}
		if err != nil {
			return err
		}
	}
	_, _, err = c.WaitForReplyFD(cookie)
	return err
}

// FenceFromFD imports fd as a sync fence object named fenceID,
// attached to drawable.
func FenceFromFD(c FDConn, major byte, drawable, fenceID uint32, initiallyTriggered bool, fd uintptr) error {
	buf := make([]byte, 16)
	buf[0] = major
	buf[1] = opFenceFromFD
	binary.LittleEndian.PutUint16(buf[2:], 4)
	binary.LittleEndian.PutUint32(buf[4:], drawable)
	binary.LittleEndian.PutUint32(buf[8:], fenceID)
	if initiallyTriggered {
		buf[12] = 1
	}
	cookie, err := c.SendRequestFD(buf, fd)
	if err != nil {
		return err
	}
	_, _, err = c.WaitForReplyFD(cookie)
	return err
}

// GetSupportedModifiersCookie is returned by GetSupportedModifiers.
type GetSupportedModifiersCookie struct {
	xgb.Cookie
}

// GetSupportedModifiersReply lists the format modifiers the
// window's provider and screen support for a given depth/bpp.
type GetSupportedModifiersReply struct {
	WindowModifiers []uint64
	ScreenModifiers []uint64
}

// GetSupportedModifiers queries the set of DRM format modifiers
// usable for a pixmap of the given depth and bits-per-pixel,
// both for window's specific provider and for the screen at
// large.
func GetSupportedModifiers(c *xgb.Conn, window uint32, depth, bpp byte) GetSupportedModifiersCookie {
	buf := make([]byte, 12)
	buf[0] = c.Extensions[ExtensionName]
	buf[1] = opGetSupportedModifiers
	binary.LittleEndian.PutUint16(buf[2:], 3)
	binary.LittleEndian.PutUint32(buf[4:], window)
	buf[8] = depth
	buf[9] = bpp
	cookie := c.NewCookie(true, true)
	c.NewRequest(buf, cookie)
	return GetSupportedModifiersCookie{*cookie}
}

// Reply blocks for the GetSupportedModifiers reply.
func (cook GetSupportedModifiersCookie) Reply() (*GetSupportedModifiersReply, error) {
	buf, err := cook.Conn.WaitForReply(cook.Cookie)
	if err != nil {
		return nil, err
	}
	if buf == nil || len(buf) < 16 {
		return nil, fmt.Errorf("dri3: short GetSupportedModifiers reply")
	}
	nWindow := binary.LittleEndian.Uint32(buf[8:])
	nScreen := binary.LittleEndian.Uint32(buf[12:])
	need := 32 + 8*int(nWindow) + 8*int(nScreen)
	if len(buf) < need {
		return nil, fmt.Errorf("dri3: truncated GetSupportedModifiers reply")
	}
	r := &GetSupportedModifiersReply{
		WindowModifiers: make([]uint64, nWindow),
		ScreenModifiers: make([]uint64, nScreen),
	}
	off := 32
	for i := range r.WindowModifiers {
		r.WindowModifiers[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	for i := range r.ScreenModifiers {
		r.ScreenModifiers[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	return r, nil
}
