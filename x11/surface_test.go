// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package x11

import (
	"testing"

	"github.com/gviegas/x11present/driver"
	"github.com/gviegas/x11present/internal/xconn"
	"github.com/gviegas/x11present/internal/xconn/xconntest"
)

func TestSurfaceCapabilitiesDefaults(t *testing.T) {
	conn := xconntest.New(":0")
	conn.GeometryW, conn.GeometryH = 800, 600
	surf := newTestSurface(conn, 1)

	caps, err := surf.Capabilities(0)
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if caps.CurrentExtent != [2]int{800, 600} {
		t.Errorf("CurrentExtent = %v, want [800 600]", caps.CurrentExtent)
	}
	if caps.MinImageCount != defaultMinImageCount {
		t.Errorf("MinImageCount = %d, want %d", caps.MinImageCount, defaultMinImageCount)
	}
	if !caps.SupportsInheritAlpha || !caps.SupportsPremultipliedAlpha || caps.SupportsOpaqueAlpha {
		t.Errorf("alpha support flags unexpected for an 8-bit-alpha visual: %+v", caps)
	}
}

func TestSurfaceCapabilitiesOverrideMinImageCount(t *testing.T) {
	conn := xconntest.New(":0")
	surf := newTestSurface(conn, 1)

	caps, err := surf.Capabilities(7)
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if caps.MinImageCount != 7 {
		t.Errorf("MinImageCount = %d, want 7", caps.MinImageCount)
	}
}

func TestSurfaceCapabilitiesGetGeometryFails(t *testing.T) {
	conn := xconntest.New(":0")
	conn.FailNext("GetGeometry", driver.ErrWindow)
	surf := newTestSurface(conn, 1)

	if _, err := surf.Capabilities(0); err == nil {
		t.Fatal("Capabilities: want error when GetGeometry fails")
	}
}

func TestSurfaceFormatsAssumedVisual(t *testing.T) {
	conn := xconntest.New(":0")
	surf := newTestSurface(conn, 1)

	// The assumed visual is 8 bits per channel, so only the two
	// 8-bpc formats in formatTable should be returned; RGB10A2un
	// (10 bpc) must not appear.
	got := surf.Formats(false)
	if len(got) != 2 {
		t.Fatalf("Formats() = %v, want 2 entries", got)
	}
	for _, f := range got {
		if f == driver.RGB10A2un {
			t.Error("Formats() returned RGB10A2un for an 8-bpc visual")
		}
	}
}

func TestSurfaceFormatsForceBGRA8unFirst(t *testing.T) {
	conn := xconntest.New(":0")
	surf := newTestSurface(conn, 1)

	got := surf.Formats(true)
	if len(got) == 0 || got[0] != driver.BGRA8un {
		t.Fatalf("Formats(forceBGRA8unFirst=true)[0] = %v, want %v", got, driver.BGRA8un)
	}
}

func TestSurfacePresentModesFixedOrder(t *testing.T) {
	conn := xconntest.New(":0")
	surf := newTestSurface(conn, 1)

	want := []PresentMode{Immediate, Mailbox, FIFO, FIFORelaxed}
	got := surf.PresentModes()
	if len(got) != len(want) {
		t.Fatalf("PresentModes() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("PresentModes()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSurfacePresentRects(t *testing.T) {
	conn := xconntest.New(":0")
	conn.GeometryW, conn.GeometryH = 640, 480
	surf := newTestSurface(conn, 1)

	rects, err := surf.PresentRects()
	if err != nil {
		t.Fatalf("PresentRects: %v", err)
	}
	want := []driver.Rect{{X: 0, Y: 0, Width: 640, Height: 480}}
	if len(rects) != 1 || rects[0] != want[0] {
		t.Errorf("PresentRects() = %v, want %v", rects, want)
	}
}

func TestSurfaceSupportsPresentationSoftwareAlwaysTrue(t *testing.T) {
	conn := xconntest.New(":0")
	surf := newTestSurface(conn, 1)
	caps := xconn.Capabilities{HasDRI3: false}

	if !surf.SupportsPresentation(caps, true) {
		t.Error("SupportsPresentation(software=true) should not require DRI3")
	}
}

func TestSurfaceSupportsPresentationHardwareRequiresDRI3(t *testing.T) {
	conn := xconntest.New(":0")
	surf := newTestSurface(conn, 1)

	if surf.SupportsPresentation(xconn.Capabilities{HasDRI3: false, IsXWayland: false}, false) {
		t.Error("SupportsPresentation(hardware) should be false without DRI3")
	}
	if !surf.SupportsPresentation(xconn.Capabilities{HasDRI3: true}, false) {
		t.Error("SupportsPresentation(hardware) should be true with DRI3")
	}
}

func TestSurfaceHandleXcbVsXlib(t *testing.T) {
	conn := xconntest.New(":0")
	reg := xconn.NewRegistry(func(string) (xconn.Conn, error) { return conn, nil })

	xcb, err := NewXcbSurface(reg, ":0", 1)
	if err != nil {
		t.Fatalf("NewXcbSurface: %v", err)
	}
	if _, ok := xcb.Handle().(XcbSurface); !ok {
		t.Errorf("Handle() = %T, want XcbSurface", xcb.Handle())
	}

	xlib, err := NewXlibSurface(reg, ":0", 1)
	if err != nil {
		t.Fatalf("NewXlibSurface: %v", err)
	}
	if _, ok := xlib.Handle().(XlibSurface); !ok {
		t.Errorf("Handle() = %T, want XlibSurface", xlib.Handle())
	}
}
