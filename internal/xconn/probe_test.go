package xconn_test

import (
	"testing"

	"github.com/gviegas/x11present/internal/xconn"
	"github.com/gviegas/x11present/internal/xconn/xconntest"
)

func TestProbeFullStack(t *testing.T) {
	f := xconntest.New(":0")
	caps := xconn.Probe(f)
	if !caps.HasDRI3 || !caps.HasPresent || !caps.HasXFixes || !caps.HasShm || !caps.HasRandr {
		t.Fatalf("Probe: got %+v, want every capability present", caps)
	}
	if !caps.ShmSharedPixmaps {
		t.Fatal("Probe: ShmSharedPixmaps = false, want true (detach(0) returns BadValue)")
	}
}

func TestProbeMissingDRI3FallsBackGracefully(t *testing.T) {
	f := xconntest.New(":0")
	f.DRI3Supported = false
	caps := xconn.Probe(f)
	if caps.HasDRI3 {
		t.Fatal("Probe: HasDRI3 = true, want false")
	}
	if !caps.HasPresent {
		t.Fatal("Probe: HasPresent = false, want true (independent of DRI3)")
	}
}

func TestProbeShmSharedPixmapsFalseWhenDetachMisbehaves(t *testing.T) {
	f := xconntest.New(":0")
	f.FailNext("ShmDetach", errNotBadValue{})
	caps := xconn.Probe(f)
	if caps.ShmSharedPixmaps {
		t.Fatal("Probe: ShmSharedPixmaps = true, want false when detach(0) does not report BadValue")
	}
}

func TestProbeXWaylandViaExtension(t *testing.T) {
	f := xconntest.New(":0")
	f.XWayland = true
	caps := xconn.Probe(f)
	if !caps.IsXWayland {
		t.Fatal("Probe: IsXWayland = false, want true")
	}
}

func TestProbeXWaylandRandrFallbackRejectsPlainOutput(t *testing.T) {
	f := xconntest.New(":0")
	f.XWayland = false // XWAYLAND extension absent from QueryExtension's table.
	caps := xconn.Probe(f)
	if caps.IsXWayland {
		t.Fatal("Probe: IsXWayland = true, want false for a plain eDP-1 output")
	}
}

type errNotBadValue struct{}

func (errNotBadValue) Error() string { return "not a BadValue" }
