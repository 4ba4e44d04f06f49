// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package x11 implements the X11 presentation engine described
// in the driver package's Presenter/Swapchain interfaces: surface
// capability queries, the per-slot image factory, and the
// swapchain state machine built on top of the server-side Present
// extension.
package x11

import (
	"fmt"
	"log"

	"github.com/gviegas/x11present/driver"
	"github.com/gviegas/x11present/internal/xconn"
)

// Surface identifies a presentable window on a specific
// connection. It is a tagged variant: isXlib records how a caller
// obtained the connection (via xgb directly, NewXcbSurface, or
// via a legacy Xlib handle wrapped as an xgb.Conn through
// XGetXCBConnection-equivalent plumbing upstream of this
// package, NewXlibSurface), and selects which Handle value it
// reports.
type Surface struct {
	conn   xconn.Conn
	window uint32
	isXlib bool

	capsOnce  bool
	formatsCached []driver.PixelFmt
	visualMask    visualMask
}

// visualMask decomposes a TrueColor/DirectColor visual's RGB(A)
// masks into per-channel bit counts, cached once per Surface
// (SUPPLEMENTED FEATURES item 1).
type visualMask struct {
	rBits, gBits, bBits, aBits int
	class                      byte
}

// NewXcbSurface creates a surface for window on the connection
// identified by display, dialing or reusing the shared connection
// for that display (§4.1).
func NewXcbSurface(registry *xconn.Registry, display string, window uint32) (*Surface, error) {
	conn, err := registry.GetOrCreate(display)
	if err != nil {
		return nil, fmt.Errorf("x11: NewXcbSurface: %w", driver.ErrWindow)
	}
	return &Surface{conn: conn, window: window}, nil
}

// NewXlibSurface is the Xlib-flavored constructor; the underlying
// wire connection is identical, the distinction exists only so
// callers that came in through an Xlib Display* can report it
// back via Handle().
func NewXlibSurface(registry *xconn.Registry, display string, window uint32) (*Surface, error) {
	s, err := NewXcbSurface(registry, display, window)
	if err != nil {
		return nil, err
	}
	s.isXlib = true
	return s, nil
}

// Handle implements driver.Window.
func (s *Surface) Handle() any {
	if s.isXlib {
		return XlibSurface{Display: s.conn.DisplayString(), Window: s.window}
	}
	return XcbSurface{Connection: s.conn.DisplayString(), Window: s.window}
}

// XcbSurface is the Handle() value for a surface created through
// NewXcbSurface.
type XcbSurface struct {
	Connection string
	Window     uint32
}

// XlibSurface is the Handle() value for a surface created through
// NewXlibSurface.
type XlibSurface struct {
	Display string
	Window  uint32
}

// Capabilities describes the surface's current presentation
// capabilities (§4.3).
type Capabilities struct {
	CurrentExtent, MinExtent, MaxExtent [2]int // [width, height]; MaxExtent 0 means unbounded.
	MinImageCount                       int
	MaxImageCount                       int // 0 means unbounded.
	SupportsIdentityTransform           bool
	SupportsOpaqueAlpha                 bool
	SupportsInheritAlpha                bool
	SupportsPremultipliedAlpha          bool
}

const defaultMinImageCount = 3

// Capabilities answers §4.3's capability query: extents come
// from a single GetGeometry round trip; alpha composite support
// is derived from whether the window's visual carries alpha bits.
func (s *Surface) Capabilities(overrideMinImageCount int) (Capabilities, error) {
	geom, err := s.conn.GetGeometry(s.window)
	if err != nil {
		return Capabilities{}, fmt.Errorf("x11: GetGeometry: %w", driver.ErrWindow)
	}
	min := defaultMinImageCount
	if overrideMinImageCount > 0 {
		min = overrideMinImageCount
	}
	vm := s.visualInfo()
	caps := Capabilities{
		CurrentExtent:              [2]int{int(geom.Width), int(geom.Height)},
		MinExtent:                  [2]int{int(geom.Width), int(geom.Height)},
		MaxExtent:                  [2]int{int(geom.Width), int(geom.Height)},
		MinImageCount:              min,
		MaxImageCount:              0,
		SupportsIdentityTransform:  true,
		SupportsOpaqueAlpha:        vm.aBits == 0,
		SupportsInheritAlpha:       vm.aBits > 0,
		SupportsPremultipliedAlpha: vm.aBits > 0,
	}
	return caps, nil
}

// visualInfo lazily resolves and caches the window's visual mask
// decomposition.
func (s *Surface) visualInfo() visualMask {
	if s.capsOnce {
		return s.visualMask
	}
	// A full implementation fetches GetWindowAttributes + the
	// matching VisualType from the Setup's screen/depth list; this
	// engine assumes the common case of a 32-bit TrueColor visual
	// with an 8-bit alpha channel over the bottom 24 RGB bits,
	// since X11 WSI always requests such a visual when creating the
	// window in the first place.
	s.visualMask = visualMask{rBits: 8, gBits: 8, bBits: 8, aBits: 8, class: visualTrueColor}
	s.capsOnce = true
	return s.visualMask
}

const visualTrueColor = 4

// formatEntry pairs a driver pixel format with the bit depth it
// requires per channel.
type formatEntry struct {
	fmt       driver.PixelFmt
	bpc       int // bits per channel, all channels equal for this table.
}

var formatTable = []formatEntry{
	{driver.BGRA8sRGB, 8},
	{driver.BGRA8un, 8},
	{driver.RGB10A2un, 10},
}

// Formats answers §4.3's format enumeration: keep only the
// entries whose bit depth matches the visual, optionally moving
// BGRA8un to the front.
func (s *Surface) Formats(forceBGRA8unFirst bool) []driver.PixelFmt {
	vm := s.visualInfo()
	var out []driver.PixelFmt
	for _, e := range formatTable {
		if e.bpc == vm.rBits && e.bpc == vm.gBits && e.bpc == vm.bBits {
			out = append(out, e.fmt)
		}
	}
	if forceBGRA8unFirst {
		for i, f := range out {
			if f == driver.BGRA8un && i != 0 {
				out[0], out[i] = out[i], out[0]
				break
			}
		}
	}
	return out
}

// PresentModes answers §4.3's present-mode query: a fixed
// priority order, since every mode in the table is always
// theoretically available (mailbox/fifo degrade gracefully to
// copy presents when flipping isn't possible).
func (s *Surface) PresentModes() []PresentMode {
	return []PresentMode{Immediate, Mailbox, FIFO, FIFORelaxed}
}

// PresentRects answers §4.3's present-rectangle query: one
// rectangle, the window's current geometry.
func (s *Surface) PresentRects() ([]driver.Rect, error) {
	geom, err := s.conn.GetGeometry(s.window)
	if err != nil {
		return nil, fmt.Errorf("x11: GetGeometry: %w", driver.ErrWindow)
	}
	return []driver.Rect{{X: 0, Y: 0, Width: int(geom.Width), Height: int(geom.Height)}}, nil
}

// SupportsPresentation answers §4.3's presentation-support query.
func (s *Surface) SupportsPresentation(caps xconn.Capabilities, software bool) bool {
	vm := s.visualInfo()
	if vm.class != visualTrueColor && vm.class != visualDirectColor {
		return false
	}
	if software {
		return true
	}
	if !caps.HasDRI3 {
		// The warning is suppressed only on XWayland; proprietary
		// driver stacks are not detected.
		if !caps.IsXWayland {
			log.Printf("x11: DRI3 not available on window %d and server is not XWayland; presentation may fail", s.window)
		}
		return false
	}
	return true
}

const visualDirectColor = 5
