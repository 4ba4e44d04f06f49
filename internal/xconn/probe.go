package xconn

import "time"

// probeTimeout bounds any single capability-probe request, so
// that a server that accepts the connection but never answers a
// particular extension's QueryVersion cannot hang surface/
// swapchain construction forever.
const probeTimeout = 2 * time.Second

// capability enumerates the things the probe determines about a
// connection, mirroring driver/vk/ext.go's extension enum. Probe
// does not cache its answers: each call queries the server again.
type capability int

const (
	capDRI3 capability = iota
	capPresent
	capXFixes
	capShm
	capShmSharedPixmaps
	capRandr
	capXWayland
	numCapabilities
)

func (c capability) name() string {
	switch c {
	case capDRI3:
		return "DRI3"
	case capPresent:
		return "Present"
	case capXFixes:
		return "XFIXES"
	case capShm:
		return "MIT-SHM"
	case capShmSharedPixmaps:
		return "MIT-SHM shared pixmaps"
	case capRandr:
		return "RANDR"
	case capXWayland:
		return "XWAYLAND heuristic"
	default:
		return "unknown capability"
	}
}

// Capabilities holds the result of one Probe call (§4.2). It is
// not cached per connection: every Probe call, including the one
// in each NewSwapchain, queries the server again. Every field is
// immutable once set by Probe.
type Capabilities struct {
	HasDRI3    bool
	DRI3Major  uint32
	DRI3Minor  uint32

	HasPresent    bool
	PresentMajor  uint32
	PresentMinor  uint32

	HasXFixes bool

	HasShm              bool
	ShmSharedPixmaps    bool

	HasRandr bool

	// IsXWayland is a heuristic (§4.2): true if the XWAYLAND
	// extension is present, or, failing that, if RANDR >= 1.3 and
	// the name of the first output in the root window's screen
	// resources begins with "XWAYLAND".
	IsXWayland bool

	// Supported DRM format modifiers are not recorded here: the
	// server's answer depends on the target window's provider, so
	// it cannot be probed once up front the way the rest of this
	// struct can. DRI3GetSupportedModifiers answers it per window.
}

// Probe runs every capability check described in §4.2 against c
// and returns the aggregate result. It never returns an error:
// a missing or non-functional extension is recorded as false/
// zero rather than failing the whole probe, since the swapchain
// core degrades gracefully (falling back to the software path)
// when hardware presentation is unavailable.
func Probe(c Conn) Capabilities {
	var caps Capabilities

	if info, err := c.QueryExtension(capDRI3.name()); err == nil && info.Present {
		if maj, min, err := c.DRI3QueryVersion(); err == nil {
			caps.HasDRI3 = true
			caps.DRI3Major, caps.DRI3Minor = maj, min
		}
	}

	if info, err := c.QueryExtension(capPresent.name()); err == nil && info.Present {
		if maj, min, err := c.PresentQueryVersion(); err == nil {
			caps.HasPresent = true
			caps.PresentMajor, caps.PresentMinor = maj, min
		}
	}

	if info, err := c.QueryExtension(capXFixes.name()); err == nil && info.Present {
		if _, _, err := c.XFixesQueryVersion(); err == nil {
			caps.HasXFixes = true
		}
	}

	if info, err := c.QueryExtension("MIT-SHM"); err == nil && info.Present {
		if shm, err := c.ShmQueryVersion(); err == nil {
			caps.HasShm = true
			caps.ShmSharedPixmaps = probeShmSharedPixmaps(c, shm)
		}
	}

	randr13 := false
	if info, err := c.QueryExtension(capRandr.name()); err == nil && info.Present {
		if maj, min, err := c.RandrQueryVersion(); err == nil {
			caps.HasRandr = true
			randr13 = maj > 1 || (maj == 1 && min >= 3)
		}
	}

	caps.IsXWayland = probeXWayland(c, randr13)

	return caps
}

// probeShmSharedPixmaps runs the stateful detach(0) probe (§4.2):
// some MIT-SHM implementations advertise a non-zero
// SharedPixmaps flag in the QueryVersion reply yet reject
// ShmCreatePixmap in practice, so the only reliable test is to
// attempt a detach of segment 0 and classify the resulting error.
// A BadValue (invalid segment identifier) means the server
// accepted the request as a well-formed SHM request and shared
// pixmaps are usable; any other outcome (no reply, BadRequest,
// connection reset) means they are not.
func probeShmSharedPixmaps(c Conn, info SHMInfo) bool {
	if !info.SharedPixmaps {
		return false
	}
	_, err := withTimeout(probeTimeout, func() (struct{}, error) {
		return struct{}{}, c.ShmDetach(0)
	})
	if err == nil {
		// The server happily detached a segment it never had
		// attached; be conservative and trust its advertised flag.
		return true
	}
	return isBadValue(err)
}

// isBadValue reports whether err represents an X BadValue
// protocol error. The production Conn wraps protocol errors in a
// *ProtocolError; other Conn implementations (fakes) may return
// any error, in which case this conservatively returns false.
func isBadValue(err error) bool {
	pe, ok := err.(*ProtocolError)
	return ok && pe.Code == ErrorBadValue
}

// probeXWayland implements the two-tier detection in §4.2: the
// XWAYLAND extension if present, else a RANDR >= 1.3 fallback
// that inspects the name of the root window's first output.
func probeXWayland(c Conn, hasRandr13 bool) bool {
	if info, err := c.QueryExtension("XWAYLAND"); err == nil && info.Present {
		return true
	}
	if !hasRandr13 {
		return false
	}
	name, err := c.RandrRootOutputName(0)
	if err != nil {
		return false
	}
	return hasXWaylandPrefix(name)
}

func hasXWaylandPrefix(name string) bool {
	const prefix = "XWAYLAND"
	if len(name) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		a, b := name[i], prefix[i]
		if 'a' <= a && a <= 'z' {
			a -= 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}

// ProtocolError is a decoded X11 protocol error reply.
type ProtocolError struct {
	Code     byte
	Sequence uint16
	ResourceID uint32
	MinorOpcode uint16
	MajorOpcode byte
}

func (e *ProtocolError) Error() string {
	return "xconn: protocol error code " + errorCodeName(e.Code)
}

// X error codes relevant to capability probing.
const (
	ErrorBadRequest byte = 1
	ErrorBadValue   byte = 2
)

func errorCodeName(code byte) string {
	switch code {
	case ErrorBadRequest:
		return "BadRequest"
	case ErrorBadValue:
		return "BadValue"
	default:
		return "unknown"
	}
}
