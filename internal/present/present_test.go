package present_test

import (
	"encoding/binary"
	"testing"

	"github.com/gviegas/x11present/internal/present"
)

// buildHeader lays out the 16-byte prefix shared by every Present
// generic event: response_type, extension, sequence, length,
// evtype, the pad/kind-mode byte pair, and the event id.
func buildHeader(evtype uint16, b10, b11 byte, eventID uint32, totalLen int) []byte {
	buf := make([]byte, totalLen)
	buf[0] = 35 // GenericEvent
	buf[1] = 0  // extension opcode, unused by DecodeEvent
	binary.LittleEndian.PutUint16(buf[8:], evtype)
	buf[10] = b10
	buf[11] = b11
	binary.LittleEndian.PutUint32(buf[12:], eventID)
	return buf
}

func TestDecodeConfigureNotifyEvent(t *testing.T) {
	buf := buildHeader(present.EventConfigureNotify, 0, 0, 42, 36)
	binary.LittleEndian.PutUint32(buf[16:], 7) // window
	binary.LittleEndian.PutUint16(buf[20:], uint16(int16(-3)))
	binary.LittleEndian.PutUint16(buf[22:], 5)
	binary.LittleEndian.PutUint16(buf[24:], 800)
	binary.LittleEndian.PutUint16(buf[26:], 600)

	ev, err := present.DecodeEvent(buf)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Configure == nil {
		t.Fatal("DecodeEvent: Configure is nil")
	}
	c := ev.Configure
	if c.EventID != 42 {
		t.Errorf("EventID = %d, want 42", c.EventID)
	}
	if c.Window != 7 {
		t.Errorf("Window = %d, want 7", c.Window)
	}
	if c.X != -3 || c.Y != 5 {
		t.Errorf("X,Y = %d,%d, want -3,5", c.X, c.Y)
	}
	if c.Width != 800 || c.Height != 600 {
		t.Errorf("Width,Height = %d,%d, want 800,600", c.Width, c.Height)
	}
}

func TestDecodeIdleNotifyEvent(t *testing.T) {
	buf := buildHeader(present.EventIdleNotify, 0, 0, 99, 28)
	binary.LittleEndian.PutUint32(buf[16:], 11) // serial
	binary.LittleEndian.PutUint32(buf[20:], 22) // pixmap
	binary.LittleEndian.PutUint32(buf[24:], 33) // idle fence

	ev, err := present.DecodeEvent(buf)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Idle == nil {
		t.Fatal("DecodeEvent: Idle is nil")
	}
	i := ev.Idle
	if i.EventID != 99 {
		t.Errorf("EventID = %d, want 99", i.EventID)
	}
	if i.Serial != 11 || i.Pixmap != 22 || i.IdleFence != 33 {
		t.Errorf("Serial,Pixmap,IdleFence = %d,%d,%d, want 11,22,33", i.Serial, i.Pixmap, i.IdleFence)
	}
}

func TestDecodeCompleteNotifyEvent(t *testing.T) {
	buf := buildHeader(present.EventCompleteNotify, present.CompleteKindPixmap, present.CompleteModeFlip, 5, 40)
	binary.LittleEndian.PutUint32(buf[16:], 1)              // window
	binary.LittleEndian.PutUint32(buf[20:], 2)              // serial
	binary.LittleEndian.PutUint64(buf[24:], 1_000_000)      // ust
	binary.LittleEndian.PutUint64(buf[32:], 123)            // msc

	ev, err := present.DecodeEvent(buf)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Complete == nil {
		t.Fatal("DecodeEvent: Complete is nil")
	}
	c := ev.Complete
	if c.EventID != 5 {
		t.Errorf("EventID = %d, want 5", c.EventID)
	}
	if c.Kind != present.CompleteKindPixmap || c.Mode != present.CompleteModeFlip {
		t.Errorf("Kind,Mode = %d,%d, want %d,%d", c.Kind, c.Mode, present.CompleteKindPixmap, present.CompleteModeFlip)
	}
	if c.Window != 1 || c.Serial != 2 {
		t.Errorf("Window,Serial = %d,%d, want 1,2", c.Window, c.Serial)
	}
	if c.UST != 1_000_000 || c.MSC != 123 {
		t.Errorf("UST,MSC = %d,%d, want 1000000,123", c.UST, c.MSC)
	}
}

func TestDecodeEventShortBuffer(t *testing.T) {
	if _, err := present.DecodeEvent(make([]byte, 8)); err == nil {
		t.Fatal("DecodeEvent: want error for a buffer shorter than the shared header")
	}
	buf := buildHeader(present.EventIdleNotify, 0, 0, 1, 20)
	if _, err := present.DecodeEvent(buf); err == nil {
		t.Fatal("DecodeEvent: want error for a truncated IdleNotify event")
	}
}

func TestDecodeEventUnknownKind(t *testing.T) {
	buf := buildHeader(99, 0, 0, 1, 16)
	if _, err := present.DecodeEvent(buf); err == nil {
		t.Fatal("DecodeEvent: want error for an unrecognized event kind")
	}
}
