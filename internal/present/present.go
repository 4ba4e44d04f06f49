// Package present implements the subset of the X Present
// extension's wire protocol that the swapchain core needs:
// QueryVersion, SelectInput, PixmapOptions/Pixmap and the three
// event types it receives on its special event channel.
//
// The Present extension postdates the protocol descriptions
// that github.com/BurntSushi/xgb was generated from, so there is
// no github.com/BurntSushi/xgb/present to import. This package
// is written in the same shape as xgb's generated extension
// packages (Cookie/Reply, a major-opcode lookup via
// Conn.RegisterExtension) so that it is a drop-in replacement if
// an upstream-generated package ever appears.
package present

import (
	"encoding/binary"
	"fmt"

	"github.com/BurntSushi/xgb"
)

// ExtensionName is the name the server advertises this
// extension under in QueryExtension replies.
const ExtensionName = "Present"

// Event kinds delivered on a window's Present special event
// channel.
const (
	EventConfigureNotify = 0
	EventCompleteNotify  = 1
	EventIdleNotify       = 2
)

// Event masks for SelectInput.
const (
	EventMaskConfigureNotify = 1 << 0
	EventMaskCompleteNotify  = 1 << 1
	EventMaskIdleNotify      = 1 << 2
)

// Complete kinds.
const (
	CompleteKindPixmap      = 0
	CompleteKindNotifyMSC   = 1
)

// Complete modes.
const (
	CompleteModeCopy           = 0
	CompleteModeFlip           = 1
	CompleteModeSkip           = 2
	CompleteModeSuboptimalCopy = 3
)

// Present option bits for PresentPixmap.
const (
	OptionNone     = 0
	OptionAsync    = 1 << 0
	OptionCopy     = 1 << 1
	OptionUST      = 1 << 2
	OptionSuboptimal = 1 << 3
)

// Init registers the Present extension's major opcode on c. It
// must be called once per connection before any other function
// in this package is used on that connection.
func Init(c *xgb.Conn) error {
	return c.RegisterExtension(ExtensionName)
}

const (
	opQueryVersion  = 0
	opPixmap        = 1
	opNotifyMSC     = 2
	opSelectInput   = 3
	opQueryCapabilities = 4
)

// QueryVersionCookie is returned by QueryVersion.
type QueryVersionCookie struct {
	xgb.Cookie
}

// QueryVersionReply is the reply to QueryVersion.
type QueryVersionReply struct {
	MajorVersion uint32
	MinorVersion uint32
}

// QueryVersion negotiates the Present extension version.
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
		return nil, fmt.Errorf("present: short QueryVersion reply")
	}
	return &QueryVersionReply{
		MajorVersion: binary.LittleEndian.Uint32(buf[8:]),
		MinorVersion: binary.LittleEndian.Uint32(buf[12:]),
	}, nil
}

// SelectInput registers for the given event mask on window,
// using eventID as the identifier for the special event stream
// that XCB/xgb associate future events with. The caller is
// responsible for allocating eventID via c's XID allocator.
func SelectInput(c *xgb.Conn, eventID, window uint32, mask uint32) error {
	buf := make([]byte, 16)
	buf[0] = c.Extensions[ExtensionName]
	buf[1] = opSelectInput
	binary.LittleEndian.PutUint16(buf[2:], 4)
	binary.LittleEndian.PutUint32(buf[4:], eventID)
	binary.LittleEndian.PutUint32(buf[8:], window)
	binary.LittleEndian.PutUint32(buf[12:], mask)
	cookie := c.NewCookie(true, false)
	c.NewRequest(buf, cookie)
	return c.WaitForError(cookie)
}

// PixmapParams carries the parameters of a PresentPixmap
// request (spec.md §4.5.5).
type PixmapParams struct {
	Window       uint32
	Pixmap       uint32
	Serial       uint32
	ValidRegion  uint32 // XFIXES region, or 0 for None.
	UpdateRegion uint32 // XFIXES region, or 0 for None (full image).
	XOff, YOff   int16
	TargetCRTC   uint32 // 0 for None.
	WaitFence    uint32 // 0 for None.
	IdleFence    uint32 // 0 for None.
	Options      uint32
	TargetMSC    uint64
	DivisorMSC   uint64
	RemainderMSC uint64
}

// Pixmap submits params.Pixmap for presentation on params.Window.
// It does not wait for a reply: completion is reported later on
// the special event channel as a CompleteNotify event carrying
// params.Serial.
func Pixmap(c *xgb.Conn, p PixmapParams) error {
	buf := make([]byte, 72)
	buf[0] = c.Extensions[ExtensionName]
	buf[1] = opPixmap
	binary.LittleEndian.PutUint16(buf[2:], 18)
	binary.LittleEndian.PutUint32(buf[4:], p.Window)
	binary.LittleEndian.PutUint32(buf[8:], p.Pixmap)
	binary.LittleEndian.PutUint32(buf[12:], p.Serial)
	binary.LittleEndian.PutUint32(buf[16:], p.ValidRegion)
	binary.LittleEndian.PutUint32(buf[20:], p.UpdateRegion)
	binary.LittleEndian.PutUint16(buf[24:], uint16(p.XOff))
	binary.LittleEndian.PutUint16(buf[26:], uint16(p.YOff))
	binary.LittleEndian.PutUint32(buf[28:], p.TargetCRTC)
	binary.LittleEndian.PutUint32(buf[32:], p.WaitFence)
	binary.LittleEndian.PutUint32(buf[36:], p.IdleFence)
	binary.LittleEndian.PutUint32(buf[40:], p.Options)
	binary.LittleEndian.PutUint64(buf[48:], p.TargetMSC)
	binary.LittleEndian.PutUint64(buf[56:], p.DivisorMSC)
	binary.LittleEndian.PutUint64(buf[64:], p.RemainderMSC)
	cookie := c.NewCookie(true, false)
	c.NewRequest(buf, cookie)
	return c.WaitForError(cookie)
}

// ConfigureNotifyEvent reports a target window resize.
type ConfigureNotifyEvent struct {
	// EventID is the special-event identifier passed as eventID
	// to SelectInput; it is what a caller should key its per-window
	// subscription table on, not Window (the server repeats the
	// registration id on every event precisely so that a single
	// dispatch loop shared by several windows can route without
	// decoding the rest of the payload first).
	EventID       uint32
	Window        uint32
	X, Y          int16
	Width, Height uint16
}

// IdleNotifyEvent reports that a previously presented pixmap is
// no longer in use by the server.
type IdleNotifyEvent struct {
	EventID   uint32
	Serial    uint32
	Pixmap    uint32
	IdleFence uint32
}

// CompleteNotifyEvent reports that a presentation has actually
// occurred.
type CompleteNotifyEvent struct {
	EventID uint32
	Kind    byte
	Mode    byte
	Window  uint32
	Serial  uint32
	MSC     uint64
	UST     uint64
}

// Event is the union of the three event kinds this package
// delivers; exactly one of the pointer fields is non-nil.
type Event struct {
	Configure *ConfigureNotifyEvent
	Idle      *IdleNotifyEvent
	Complete  *CompleteNotifyEvent
}

// DecodeEvent decodes a raw Present generic event (as delivered
// by xgb's GenericEvent for the Present extension's event
// number) into an Event.
//
// Every Present event shares a 16-byte prefix before its
// kind-specific fields start: response_type(1) extension(1)
// sequence(2) length(4) evtype(2) pad-or-kind/mode(2) event(4).
// CompleteNotify repurposes the pad bytes at offset 10-11 for
// kind/mode instead of leaving them unused; Configure and Idle
// leave them as padding. The event field at offset 12 is always
// the eventID a caller registered via SelectInput, so it is
// decoded uniformly across all three kinds.
func DecodeEvent(buf []byte) (Event, error) {
	if len(buf) < 16 {
		return Event{}, fmt.Errorf("present: short event")
	}
	kind := binary.LittleEndian.Uint16(buf[8:])
	eventID := binary.LittleEndian.Uint32(buf[12:])
	switch kind {
	case EventConfigureNotify:
		if len(buf) < 36 {
			return Event{}, fmt.Errorf("present: short ConfigureNotify event")
		}
		return Event{Configure: &ConfigureNotifyEvent{
			EventID: eventID,
			Window:  binary.LittleEndian.Uint32(buf[16:]),
			X:       int16(binary.LittleEndian.Uint16(buf[20:])),
			Y:       int16(binary.LittleEndian.Uint16(buf[22:])),
			Width:   binary.LittleEndian.Uint16(buf[24:]),
			Height:  binary.LittleEndian.Uint16(buf[26:]),
		}}, nil
	case EventIdleNotify:
		if len(buf) < 28 {
			return Event{}, fmt.Errorf("present: short IdleNotify event")
		}
		return Event{Idle: &IdleNotifyEvent{
			EventID:   eventID,
			Serial:    binary.LittleEndian.Uint32(buf[16:]),
			Pixmap:    binary.LittleEndian.Uint32(buf[20:]),
			IdleFence: binary.LittleEndian.Uint32(buf[24:]),
		}}, nil
	case EventCompleteNotify:
		if len(buf) < 40 {
			return Event{}, fmt.Errorf("present: short CompleteNotify event")
		}
		return Event{Complete: &CompleteNotifyEvent{
			EventID: eventID,
			Kind:    buf[10],
			Mode:    buf[11],
			Window:  binary.LittleEndian.Uint32(buf[16:]),
			Serial:  binary.LittleEndian.Uint32(buf[20:]),
			UST:     binary.LittleEndian.Uint64(buf[24:]),
			MSC:     binary.LittleEndian.Uint64(buf[32:]),
		}}, nil
	default:
		return Event{}, fmt.Errorf("present: unknown event kind %d", kind)
	}
}
