// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package driver defines the subset of GPU/WSI interfaces that a
// presentation engine consumes, and the Presenter/Swapchain
// interfaces that such an engine must implement.
//
// The engine implementing this package's Presenter/Swapchain
// interfaces owns the hard problem: reconciling an asynchronous
// server connection, a fixed ring of images and a present-mode
// policy without stalling the caller or leaking server resources.
// This package only defines the seam between that engine and
// whatever created it (a GPU implementation on one side, a window
// on the other).
package driver

import (
	"errors"
	"time"
)

// ErrCannotPresent means that the driver and/or device do not
// support presentation.
var ErrCannotPresent = errors.New("presentation not supported")

// ErrWindow represents an error related to a specific window.
// This error usually indicates that a window misconfiguration
// is preventing correct operation. For instance, the driver
// may require a visible window to create a swapchain.
var ErrWindow = errors.New("window-related error")

// ErrCompositor represents an error related to the compositor.
// This error usually indicates that the compositor behavior
// is preventing correct operation. For instance, the driver
// may require support for opaque composition.
var ErrCompositor = errors.New("compositor-related error")

// ErrSwapchain represents an error related to a specific
// swapchain. It is returned once the swapchain's status has
// gone negative (surface lost or out of date); the caller must
// call Recreate or Destroy.
var ErrSwapchain = errors.New("swapchain-related error")

// ErrNoBackbuffer means that no backbuffer could be acquired
// within the given timeout.
var ErrNoBackbuffer = errors.New("no backbuffer available")

// ErrSuboptimal does not represent a failure: it means that the
// swapchain is still usable, but no longer matches the window
// exactly (e.g. after a resize, or after the server stopped
// flipping and fell back to copying). The caller may keep using
// the swapchain, or call Recreate at its convenience. This
// status is sticky: once observed, it is reported by every
// subsequent Acquire/Present call until Recreate runs.
var ErrSuboptimal = errors.New("swapchain is suboptimal")

// Presenter is the interface that a GPU may implement to enable
// presentation on a display.
type Presenter interface {
	// NewSwapchain creates a new swapchain bound to win.
	// Only one swapchain can be associated with a specific
	// window at a time.
	NewSwapchain(win Window, imageCount int, opts Options) (Swapchain, error)
}

// Window is the minimal window identity a Presenter needs: a
// platform connection handle and the window itself, borrowed for
// the lifetime of the swapchain. Window management proper
// (mapping, resizing, input) belongs to the general WSI framework
// and is not part of this package.
type Window interface {
	// Handle returns the platform-specific surface value, e.g.
	// an x11.XcbSurface or x11.XlibSurface.
	Handle() any
}

// Options carries the small set of named driver options that a
// Presenter implementation may consult. The zero value selects
// the implementation's defaults.
type Options struct {
	// OverrideMinImageCount, if non-zero, replaces the
	// requested image count; unless StrictImageCount is set,
	// the upward adjustments of the other options still apply
	// to it.
	OverrideMinImageCount int
	// StrictImageCount disables any upward adjustment of the
	// requested image count.
	StrictImageCount bool
	// EnsureMinImageCount raises the requested image count up
	// to the surface's minimum if it would otherwise be lower.
	EnsureMinImageCount bool
	// XWaylandWaitReady selects whether, on XWayland, the
	// IMMEDIATE present mode waits for an image's fence before
	// presenting it. A nil value means true.
	XWaylandWaitReady *bool
	// NoSHM disables MIT-SHM for the software presentation
	// path.
	NoSHM bool
}

// Swapchain is the interface that defines a n-buffered
// swapchain for presentation.
type Swapchain interface {
	Destroyer

	// Views returns the list of image views that comprises the
	// swapchain. This value remains unchanged as long as
	// Destroy/Recreate are not called.
	Views() []ImageView

	// Acquire returns the index of the next writable image,
	// blocking for at most timeout (a negative timeout blocks
	// indefinitely, a zero timeout never blocks).
	// It returns ErrNoBackbuffer on timeout, ErrSuboptimal if
	// the swapchain is still usable but degraded, and
	// ErrSwapchain if it can no longer be used at all.
	Acquire(timeout time.Duration) (int, error)

	// Present submits the image identified by index for
	// presentation. damage, if non-empty (at most 64
	// rectangles), restricts the update to the given
	// sub-rectangles of the image; an empty damage means the
	// whole image changed.
	Present(index int, damage []Rect) error

	// Recreate recreates the swapchain in place, clearing any
	// sticky suboptimal/lost status. It is meant to be called
	// in response to ErrSwapchain.
	Recreate() error

	// Format returns the image views' PixelFmt.
	Format() PixelFmt
}

// Rect is an axis-aligned rectangle in image coordinates, used
// to describe present damage.
type Rect struct {
	X, Y, Width, Height int
}
