// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package x11

import (
	"testing"

	"github.com/gviegas/x11present/driver"
	"github.com/gviegas/x11present/internal/xconn"
	"github.com/gviegas/x11present/internal/xconn/xconntest"
)

func TestChoosePath(t *testing.T) {
	full := xconn.Capabilities{HasShm: true, ShmSharedPixmaps: true}
	noShared := xconn.Capabilities{HasShm: true, ShmSharedPixmaps: false}

	cases := []struct {
		name     string
		caps     xconn.Capabilities
		software bool
		noSHM    bool
		want     slotPath
	}{
		{"hardware", full, false, false, pathHardware},
		{"software with shared pixmaps", full, true, false, pathSoftwareSHM},
		{"software, caller disabled shm", full, true, true, pathSoftwareNoSHM},
		{"software, server lacks shared pixmaps", noShared, true, false, pathSoftwareNoSHM},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := choosePath(c.caps, c.software, c.noSHM); got != c.want {
				t.Errorf("choosePath = %v, want %v", got, c.want)
			}
		})
	}
}

func TestProvisionSlotHardware(t *testing.T) {
	conn := xconntest.New(":0")
	gpu := &fakeGPU{}
	caps := xconn.Probe(conn)

	slot, err := provisionSlot(conn, 1, gpu, driver.BGRA8un, 64, 48, pathHardware, caps)
	if err != nil {
		t.Fatalf("provisionSlot: %v", err)
	}
	if slot.pixmap == 0 {
		t.Error("hardware slot should have a pixmap")
	}
	if slot.damageRegion == 0 {
		t.Error("slot should have a damage region")
	}
	if slot.fence == nil {
		t.Error("hardware slot should have a fence")
	}
	destroySlot(conn, slot)
}

func TestProvisionSlotSoftwareSHM(t *testing.T) {
	conn := xconntest.New(":0")
	gpu := &fakeGPU{forceSoftwareExport: true}
	caps := xconn.Probe(conn)

	slot, err := provisionSlot(conn, 1, gpu, driver.BGRA8un, 32, 32, pathSoftwareSHM, caps)
	if err != nil {
		t.Fatalf("provisionSlot: %v", err)
	}
	if slot.pixmap == 0 {
		t.Error("shm slot should still have a pixmap")
	}
	if slot.shmMem == nil {
		t.Error("shm slot should have mapped shared memory")
	}
	if slot.fence == nil {
		t.Error("shm slot should have a fence, same as the hardware path")
	}
	destroySlot(conn, slot)
}

func TestProvisionSlotSoftwareNoSHM(t *testing.T) {
	conn := xconntest.New(":0")
	gpu := &fakeGPU{forceSoftwareExport: true}
	caps := xconn.Probe(conn)

	slot, err := provisionSlot(conn, 1, gpu, driver.BGRA8un, 16, 16, pathSoftwareNoSHM, caps)
	if err != nil {
		t.Fatalf("provisionSlot: %v", err)
	}
	if slot.pixmap != 0 {
		t.Error("no-shm software slot must not have a pixmap")
	}
	if slot.fence != nil {
		t.Error("no-shm software slot must not have a fence")
	}
	if slot.cpuBuf == nil || len(slot.cpuBuf) != 16*16*4 {
		t.Errorf("cpuBuf len = %d, want %d", len(slot.cpuBuf), 16*16*4)
	}
	destroySlot(conn, slot)
}
