// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package x11

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/gviegas/x11present/driver"
)

// fakeGPU is a minimal driver.GPU used to exercise the swapchain
// state machine without a real rendering backend, in the same
// spirit as the connection-layer's xconntest.Fake.
type fakeGPU struct {
	waitErr error

	// forceSoftwareExport makes every image's ExportDMABUF behave
	// like a CPU-backed image (LinearCopy set, no fds), for tests
	// exercising the software-without-SHM path.
	forceSoftwareExport bool
}

func (g *fakeGPU) NewCmdBuffer() (driver.CmdBuffer, error) { return &fakeCmdBuffer{}, nil }

func (g *fakeGPU) NewImage(pf driver.PixelFmt, size driver.Dim3D, layers, levels, samples int, usg driver.Usage) (driver.Image, error) {
	return &fakeImage{pf: pf, size: size, software: g.forceSoftwareExport}, nil
}

func (g *fakeGPU) NewFence() (driver.Fence, error) { return &fakeFence{}, nil }

func (g *fakeGPU) WaitForFences(fences []driver.Fence, all bool, timeout time.Duration) error {
	return g.waitErr
}

func (g *fakeGPU) Limits() driver.Limits {
	return driver.Limits{MaxImage2D: 16384, MaxLayers: 2048}
}

type fakeCmdBuffer struct{}

func (c *fakeCmdBuffer) Destroy() {}

type fakeImage struct {
	pf       driver.PixelFmt
	size     driver.Dim3D
	software bool
}

func (i *fakeImage) Destroy() {}

func (i *fakeImage) NewView(typ driver.ViewType, layer, layers, level, levels int) (driver.ImageView, error) {
	return &fakeImageView{}, nil
}

// ExportDMABUF returns a single-plane export backed by a real
// memfd, so the DRI3 pixmap-from-buffer path in image.go can dup
// and close-on-exec a live file descriptor exactly as it would
// against a real GPU allocation.
func (i *fakeImage) ExportDMABUF() (driver.ExportedImage, error) {
	size := i.size.Width * i.size.Height * 4
	if i.software {
		return driver.ExportedImage{LinearCopy: make([]byte, size)}, nil
	}
	fd, err := unix.MemfdCreate("x11present-test-image", 0)
	if err != nil {
		return driver.ExportedImage{}, err
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return driver.ExportedImage{}, err
	}
	return driver.ExportedImage{
		Fds:       []uintptr{uintptr(fd)},
		Pitches:   []int64{int64(i.size.Width * 4)},
		Offsets:   []int64{0},
		Sizes:     []int64{int64(size)},
		NumPlanes: 1,
		Modifier:  driver.ModInvalid,
	}, nil
}

type fakeImageView struct{}

func (v *fakeImageView) Destroy() {}

type fakeFence struct {
	signaled bool
}

func (f *fakeFence) Destroy() {}

func (f *fakeFence) Signaled() (bool, error) { return f.signaled, nil }

func (f *fakeFence) Reset() error { f.signaled = false; return nil }

func (f *fakeFence) ExportFD() (uintptr, error) {
	fd, err := unix.MemfdCreate("x11present-test-fence", 0)
	return uintptr(fd), err
}
