// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package x11

import "testing"

func TestDecideQueues(t *testing.T) {
	cases := []struct {
		name              string
		mode              PresentMode
		isXWayland        bool
		xwaylandWaitReady bool
		software          bool
		wantPresent       bool
		wantAcquire       bool
		wantWorker        bool
	}{
		{"fifo", FIFO, false, false, false, true, true, true},
		{"fifo relaxed", FIFORelaxed, false, false, false, true, true, true},
		{"fifo xwayland irrelevant", FIFO, true, false, false, true, true, true},
		{"mailbox", Mailbox, false, false, false, true, false, true},
		{"mailbox xwayland", Mailbox, true, true, false, true, false, true},
		{"immediate xwayland wait-ready", Immediate, true, true, false, true, false, true},
		{"immediate xwayland no wait-ready", Immediate, true, false, false, false, false, false},
		{"immediate not xwayland", Immediate, false, true, false, false, false, false},
		{"software fifo", FIFO, false, false, true, false, false, false},
		{"software immediate xwayland", Immediate, true, true, true, false, false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			gotPresent, gotAcquire, gotWorker := decideQueues(c.mode, c.isXWayland, c.xwaylandWaitReady, c.software)
			if gotPresent != c.wantPresent || gotAcquire != c.wantAcquire || gotWorker != c.wantWorker {
				t.Errorf("decideQueues(%v, %v, %v, %v) = (%v, %v, %v), want (%v, %v, %v)",
					c.mode, c.isXWayland, c.xwaylandWaitReady, c.software,
					gotPresent, gotAcquire, gotWorker,
					c.wantPresent, c.wantAcquire, c.wantWorker)
			}
		})
	}
}
