// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package x11

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/gviegas/x11present/driver"
	"github.com/gviegas/x11present/internal/xconn"
)

// imageSlot is one element of the swapchain's image ring (§3
// "Image slot").
type imageSlot struct {
	image driver.Image
	view  driver.ImageView

	pixmap        uint32
	damageRegion  uint32 // long-lived XFIXES region, created once.
	currentDamage uint32 // region selected as this present's update area, or 0 (None).

	// Busy state lives in Swapchain.busy, indexed by this
	// slot's position in Swapchain.images, not here: a freshly
	// provisioned slot has no swapchain index yet to key it by.
	presentQueued bool
	serial        uint32

	fence  *syncFence
	extent driver.Dim3D

	// renderFence, if set via Swapchain.SetRenderFence, is the
	// GPU-side fence the queue manager waits on before presenting
	// this slot when the fence-wait policy applies (§4.5.7 step 2).
	// It is distinct from fence: fence models presentation-side
	// reuse safety with the X server, this models render
	// completion on the GPU queue.
	renderFence driver.Fence

	// Software-without-SHM path only: no pixmap, no fence; just a
	// CPU-side buffer the present primitive transfers with PutImage.
	software bool
	cpuBuf   []byte

	// Software-with-SHM path only.
	shmSeg uint32
	shmID  int
	shmMem []byte
}

// slotPath selects which of §4.4's three provisioning paths a
// swapchain uses, decided once at construction from the
// connection's capabilities and the caller's options.
type slotPath int

const (
	pathHardware slotPath = iota
	pathSoftwareNoSHM
	pathSoftwareSHM
)

func choosePath(caps xconn.Capabilities, software bool, noSHM bool) slotPath {
	if !software {
		return pathHardware
	}
	if noSHM || !caps.HasShm || !caps.ShmSharedPixmaps {
		return pathSoftwareNoSHM
	}
	return pathSoftwareSHM
}

// provisionSlot implements §4.4 in full: it dispatches to the
// path chosen for the whole swapchain and returns a fully formed
// slot, or an error after unwinding whatever it allocated.
func provisionSlot(conn xconn.Conn, window uint32, gpu driver.GPU, pf driver.PixelFmt, w, h int, path slotPath, caps xconn.Capabilities) (*imageSlot, error) {
	img, err := gpu.NewImage(pf, driver.Dim3D{Width: w, Height: h, Depth: 1}, 1, 1, 1, driver.UPresent)
	if err != nil {
		return nil, fmt.Errorf("x11: NewImage: %w", err)
	}
	view, err := img.NewView(driver.IView2D, 0, 1, 0, 1)
	if err != nil {
		img.Destroy()
		return nil, fmt.Errorf("x11: NewView: %w", err)
	}

	slot := &imageSlot{image: img, view: view, extent: driver.Dim3D{Width: w, Height: h, Depth: 1}}

	switch path {
	case pathSoftwareNoSHM:
		exp, err := img.ExportDMABUF()
		if err != nil {
			view.Destroy()
			img.Destroy()
			return nil, fmt.Errorf("x11: ExportDMABUF: %w", err)
		}
		slot.software = true
		slot.cpuBuf = exp.LinearCopy
		return slot, nil

	case pathSoftwareSHM:
		if err := provisionShmPixmap(conn, window, w, h, slot); err != nil {
			view.Destroy()
			img.Destroy()
			return nil, err
		}
	case pathHardware:
		if err := provisionHardwarePixmap(conn, window, caps, slot); err != nil {
			view.Destroy()
			img.Destroy()
			return nil, err
		}
	}

	region, err := conn.XFixesCreateRegion(nil)
	if err != nil {
		destroySlot(conn, slot)
		return nil, fmt.Errorf("x11: XFixesCreateRegion: %w", err)
	}
	slot.damageRegion = region

	fence, err := newSyncFence(conn, slot.pixmap)
	if err != nil {
		destroySlot(conn, slot)
		return nil, err
	}
	slot.fence = fence
	return slot, nil
}

// provisionHardwarePixmap runs §4.4's hardware path steps 1-3.
func provisionHardwarePixmap(conn xconn.Conn, window uint32, caps xconn.Capabilities, slot *imageSlot) error {
	exp, err := slot.image.ExportDMABUF()
	if err != nil {
		return fmt.Errorf("x11: ExportDMABUF: %w", err)
	}
	pixmap, err := conn.NewID()
	if err != nil {
		return err
	}
	depth := byte(32)
	bpp := byte(32)
	if exp.Modifier != driver.ModInvalid {
		if !caps.HasDRI3 || caps.DRI3Major < 1 || (caps.DRI3Major == 1 && caps.DRI3Minor < 2) {
			return fmt.Errorf("x11: modifier set but connection lacks DRI3 >= 1.2 modifier support")
		}
		var strides, offsets [4]uint32
		fds := make([]uintptr, exp.NumPlanes)
		for i := 0; i < exp.NumPlanes; i++ {
			dup, err := unix.Dup(int(exp.Fds[i]))
			if err != nil {
				return fmt.Errorf("x11: Dup plane %d: %w", i, err)
			}
			unix.CloseOnExec(dup)
			fds[i] = uintptr(dup)
			strides[i] = uint32(exp.Pitches[i])
			offsets[i] = uint32(exp.Offsets[i])
		}
		err = conn.DRI3PixmapFromBuffers(xconn.PixmapFromBuffersParams{
			Pixmap: pixmap, Window: window,
			Width: uint16(slot.extent.Width), Height: uint16(slot.extent.Height),
			Strides: strides, Offsets: offsets, Depth: depth, BitsPerPixel: bpp,
			Modifier: exp.Modifier,
		}, fds)
		for _, fd := range fds {
			unix.Close(int(fd))
		}
		if err != nil {
			return fmt.Errorf("x11: DRI3PixmapFromBuffers: %w", err)
		}
	} else {
		if exp.NumPlanes != 1 {
			return fmt.Errorf("x11: single-plane pixmap import requires exactly one plane, got %d", exp.NumPlanes)
		}
		dup, err := unix.Dup(int(exp.Fds[0]))
		if err != nil {
			return fmt.Errorf("x11: Dup: %w", err)
		}
		unix.CloseOnExec(dup)
		err = conn.DRI3PixmapFromBuffer(xconn.PixmapFromBufferParams{
			Pixmap: pixmap, Window: window, Size: uint32(exp.Sizes[0]),
			Width: uint16(slot.extent.Width), Height: uint16(slot.extent.Height), Stride: uint16(exp.Pitches[0]),
			Depth: depth, BitsPerPixel: bpp,
		}, uintptr(dup))
		unix.Close(dup)
		if err != nil {
			return fmt.Errorf("x11: DRI3PixmapFromBuffer: %w", err)
		}
	}
	slot.pixmap = pixmap
	return nil
}

// provisionShmPixmap runs §4.4's software-with-SHM path: a SysV
// shared memory segment, immediately marked for removal, attached
// locally and handed to the server as an shmseg.
func provisionShmPixmap(conn xconn.Conn, window uint32, w, h int, slot *imageSlot) error {
	const bytesPerPixel = 4
	size := w * h * bytesPerPixel
	shmID, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|0600)
	if err != nil {
		return fmt.Errorf("x11: SysvShmGet: %w", err)
	}
	mem, err := unix.SysvShmAttach(shmID, 0, 0)
	if err != nil {
		unix.SysvShmCtl(shmID, unix.IPC_RMID, nil)
		return fmt.Errorf("x11: SysvShmAttach: %w", err)
	}
	// Mark for removal now; the kernel reaps the segment once every
	// attachment (ours and the server's) detaches.
	unix.SysvShmCtl(shmID, unix.IPC_RMID, nil)

	seg, err := conn.NewID()
	if err != nil {
		unix.SysvShmDetach(mem)
		return err
	}
	if err := conn.ShmAttach(seg, shmID, false); err != nil {
		unix.SysvShmDetach(mem)
		return fmt.Errorf("x11: ShmAttach: %w", err)
	}
	pixmap, err := conn.ShmCreatePixmap(window, uint16(w), uint16(h), 32, seg, 0)
	if err != nil {
		conn.ShmDetach(seg)
		unix.SysvShmDetach(mem)
		return fmt.Errorf("x11: ShmCreatePixmap: %w", err)
	}
	slot.pixmap = pixmap
	slot.shmSeg = seg
	slot.shmID = shmID
	slot.shmMem = mem
	return nil
}

// destroySlot runs §4.4's fixed destruction ordering: destroy
// sync fence, unmap local fence memory, free pixmap, destroy
// damage region, release GPU image, detach local SHM if present.
// Every step runs regardless of whether an earlier one failed.
func destroySlot(conn xconn.Conn, slot *imageSlot) {
	if slot.fence != nil {
		slot.fence.destroy(conn)
	}
	if slot.pixmap != 0 {
		conn.FreePixmap(slot.pixmap)
	}
	if slot.damageRegion != 0 {
		conn.XFixesDestroyRegion(slot.damageRegion)
	}
	if slot.view != nil {
		slot.view.Destroy()
	}
	if slot.image != nil {
		slot.image.Destroy()
	}
	if slot.shmMem != nil {
		unix.SysvShmDetach(slot.shmMem)
	}
}
