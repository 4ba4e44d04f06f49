// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package x11

import "github.com/gviegas/x11present/driver"

// PresentMode selects how presented images reach the screen.
type PresentMode int

// Present modes, in the priority order §4.3 specifies for
// Surface.PresentModes.
const (
	Immediate PresentMode = iota
	Mailbox
	FIFO
	FIFORelaxed
)

func (m PresentMode) String() string {
	switch m {
	case Immediate:
		return "immediate"
	case Mailbox:
		return "mailbox"
	case FIFO:
		return "fifo"
	case FIFORelaxed:
		return "fifo relaxed"
	default:
		return "unknown present mode"
	}
}

// Options carries the runtime options spec.md §6 names, plus the
// present mode and requested extent/format/image-count a
// NewSwapchain caller selects. It is the concrete value behind
// driver.Options for this engine; FromDriverOptions translates
// the generic struct into this one.
type Options struct {
	PresentMode PresentMode
	Format      driver.PixelFmt
	Width, Height int

	// OverrideMinImageCount, StrictImageCount, EnsureMinImageCount,
	// XWaylandWaitReady and NoSHM mirror driver.Options verbatim.
	OverrideMinImageCount int
	StrictImageCount      bool
	EnsureMinImageCount   bool
	XWaylandWaitReady     bool
	NoSHM                 bool

	// ForceBGRA8unFirst corresponds to the
	// vk_x11_... force_bgra8_unorm_first tuning knob mentioned in
	// §4.3's Formats description.
	ForceBGRA8unFirst bool

	// AdaptiveSync, when true, sets the _VARIABLE_REFRESH window
	// property at construction (§4.5.1 step 7) and deletes it at
	// destruction (SUPPLEMENTED FEATURES item 5).
	AdaptiveSync bool

	// DisableSHM corresponds to the WSI_DEBUG_NOSHM debug flag.
	DisableSHM bool

	// Software selects the CPU-buffer presentation path (§4.4's
	// software paths) instead of the DMA-BUF/pixmap hardware path.
	// A GPU backed by a software rasterizer sets this; the engine
	// has no way to detect it on its own since image export always
	// succeeds at the driver.Image level.
	Software bool
}

// DefaultOptions returns the engine's defaults: FIFO present mode,
// XWaylandWaitReady enabled, everything else left at its zero
// value.
func DefaultOptions() Options {
	return Options{
		PresentMode:       FIFO,
		XWaylandWaitReady: true,
	}
}

// FromDriverOptions overlays the fields driver.Options carries
// onto o, returning the result. Fields driver.Options does not
// know about (present mode, format, extent, adaptive sync) are
// left untouched.
func (o Options) FromDriverOptions(d driver.Options) Options {
	o.OverrideMinImageCount = d.OverrideMinImageCount
	o.StrictImageCount = d.StrictImageCount
	o.EnsureMinImageCount = d.EnsureMinImageCount
	if d.XWaylandWaitReady != nil {
		o.XWaylandWaitReady = *d.XWaylandWaitReady
	} else {
		o.XWaylandWaitReady = true
	}
	o.NoSHM = d.NoSHM
	return o
}
