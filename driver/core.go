// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package driver

import "time"

// GPU is the interface through which the generic WSI
// framework is consumed.
// A full GPU implementation has many more responsibilities
// than what is declared here; this interface is trimmed
// down to the subset that a presentation engine needs in
// order to create swapchain images and synchronize with
// the queue that renders into them.
type GPU interface {
	// NewCmdBuffer creates a new command buffer.
	NewCmdBuffer() (CmdBuffer, error)

	// NewImage creates a new image.
	// usg must include UPresent for images that will be
	// used as swapchain backbuffers.
	NewImage(pf PixelFmt, size Dim3D, layers, levels, samples int, usg Usage) (Image, error)

	// NewFence creates a new fence in the unsignaled state.
	// Fences are the mechanism by which the GPU queue and an
	// external consumer (here, the X server) agree on when
	// an image's contents are safe to reuse; the concrete
	// type satisfies both Fence and whatever external-memory
	// export the platform requires (dma-buf fd, SHM segment,
	// ...), hence ExportFD.
	NewFence() (Fence, error)

	// WaitForFences blocks until all (if all is true) or any
	// (if all is false) of fences is signaled, or until
	// timeout elapses.
	// A negative timeout means wait indefinitely.
	WaitForFences(fences []Fence, all bool, timeout time.Duration) error

	// Limits returns the implementation limits relevant to
	// image creation.
	Limits() Limits
}

// Destroyer is the interface that wraps the Destroy method.
// Types that implement this interface may allocate external
// memory that is not managed by GC, so Destroy must be
// called explicitly to ensure such memory is deallocated.
type Destroyer interface {
	Destroy()
}

// CmdBuffer is the interface that defines a command buffer.
// The presentation engine never records rendering commands
// of its own; it only needs a CmdBuffer identity to hand
// back to Swapchain.Acquire/Present callers so that rendering
// and presentation can be ordered relative to one another
// by the caller.
type CmdBuffer interface {
	Destroyer
}

// WorkItem is sent on a GPU's completion channel when a
// previously committed batch of command buffers finishes
// execution.
type WorkItem struct {
	CmdBuffer []CmdBuffer
	Err       error
}

// Fence is a GPU-side synchronization primitive that can be
// exported for use by an external consumer (e.g., imported
// into the X server as a DRI3 sync fence, or used to back a
// MIT-SHM completion signal).
type Fence interface {
	Destroyer

	// Signaled reports whether the fence is currently
	// signaled. It does not block.
	Signaled() (bool, error)

	// Reset clears the fence back to the unsignaled state.
	Reset() error

	// ExportFD exports a handle suitable for sharing the
	// fence's signal with another process.
	ExportFD() (uintptr, error)
}

// Usage is a mask indicating valid uses for a resource.
type Usage int

// Usage flags for Image.
const (
	// The resource can be read in shaders.
	UShaderRead Usage = 1 << iota
	// The resource can be sampled in shaders.
	UShaderSample
	// The resource can be used as render target.
	URenderTarget
	// The resource can be exported and shared with the
	// display server as a swapchain backbuffer.
	UPresent
	// The resource can be used for any purpose.
	UGeneric Usage = 1<<iota - 1
)

// PixelFmt describes the format of a pixel.
type PixelFmt int

// Pixel formats.
// Only the subset that the X11 presentation engine is able
// to negotiate with the server is listed (see Surface.Formats
// in the x11 package); a full GPU implementation supports
// many more.
const (
	RGBA8un PixelFmt = iota
	RGBA8sRGB
	BGRA8un
	BGRA8sRGB
	RGB10A2un
)

// Dim3D is a three-dimensional size.
type Dim3D struct {
	Width, Height, Depth int
}

// Off3D is a three-dimensional offset.
type Off3D struct {
	X, Y, Z int
}

// Image is the interface that defines a GPU image.
// Direct access to image memory is not provided; sharing an
// image with an external consumer requires a platform-level
// export (see ExportDMABUF).
type Image interface {
	Destroyer

	// NewView creates a new image view.
	NewView(typ ViewType, layer, layers, level, levels int) (ImageView, error)

	// ExportDMABUF exports the image's backing memory as a
	// DMA-BUF, returning one file descriptor per plane along
	// with the parameters needed to reconstruct the image on
	// the receiving side (row pitches, per-plane offsets and
	// sizes, and the DRM format modifier, or ModInvalid if
	// the image is not modified/tiled).
	ExportDMABUF() (ExportedImage, error)
}

// ExportedImage describes a GPU image exported for sharing
// with an external consumer.
type ExportedImage struct {
	Fds        []uintptr
	Pitches    []int64
	Offsets    []int64
	Sizes      []int64
	NumPlanes  int
	Modifier   uint64
	LinearCopy []byte // non-nil only for the software (CPU) path
}

// ModInvalid is the DRM "no modifier" sentinel.
const ModInvalid uint64 = 0xffffffffffffff

// ViewType is the type of a resource view.
type ViewType int

// View types.
const (
	IView2D ViewType = iota
	IView2DArray
)

// ImageView is the interface that defines a typed view of
// an Image resource.
type ImageView interface {
	Destroyer
}

// Limits describes implementation limits relevant to image
// creation.
type Limits struct {
	// Maximum width and height of 2D images.
	MaxImage2D int
	// Maximum number of layers in an image.
	MaxLayers int
}
