// Package layer is the input data model handed to the composer once per
// frame by the window system.
package layer

import (
	"fmt"

	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/geom"
)

// NoFence marks an absent fence fd.
const NoFence = -1

// Composition is the composition type of a layer. Prepare rewrites it from
// Framebuffer to Overlay or CursorOverlay for layers that get a plane.
type Composition int32

const (
	Framebuffer       Composition = 0
	Overlay           Composition = 1
	Background        Composition = 2
	FramebufferTarget Composition = 3
	CursorOverlay     Composition = 5
)

func (c Composition) String() string {
	switch c {
	case Framebuffer:
		return "GLES"
	case Overlay:
		return "HWC"
	case Background:
		return "BKGD"
	case FramebufferTarget:
		return "FB"
	case CursorOverlay:
		return "CURS"
	}
	return fmt.Sprintf("Composition(%d)", int32(c))
}

// Transform is a source-to-destination orientation change.
type Transform uint32

const (
	FlipH  Transform = 1
	FlipV  Transform = 2
	Rot90  Transform = 4
	Rot180 Transform = 3
	Rot270 Transform = 7
)

// SwapsAxes reports whether t exchanges width and height.
func (t Transform) SwapsAxes() bool { return t&Rot90 != 0 }

// PlainRotation reports whether t is a rotation the transform engine
// handles without a flip.
func (t Transform) PlainRotation() bool {
	return t == 0 || t == Rot90 || t == Rot180 || t == Rot270
}

// Blending is the blending mode of a layer.
type Blending int32

const (
	BlendNone     Blending = 0x100
	BlendPremult  Blending = 0x105
	BlendCoverage Blending = 0x405
)

// Layer flags.
const (
	FlagSkip   uint32 = 1
	FlagCursor uint32 = 2
)

// Hints set by Prepare.
const HintClearFB uint32 = 2

// Buffer usage bits.
const (
	UsageSWReadMask  uint32 = 0x0000000f
	UsageSWWriteMask uint32 = 0x000000f0
	UsageProtected   uint32 = 0x00004000
	UsageStopHWC     uint32 = 0x80000000
)

// Buffer is a client buffer.
type Buffer struct {
	// Handle identifies the buffer across frames; two layers showing the
	// same buffer carry the same handle.
	Handle uint64
	// FD is the DMA-buf fd. It stays owned by the caller.
	FD     int
	Format format.HAL
	Width  int
	Height int
	Usage  uint32
	// Contiguous is set when the buffer is physically contiguous and can
	// be scanned out directly.
	Contiguous bool
	// Stereo is one of the Stereo* flags for frame-packed 3-D content.
	Stereo uint32
}

// Stereo layout of a 3-D video buffer.
const (
	StereoTB  uint32 = 1
	StereoFP  uint32 = 2
	StereoSSH uint32 = 4
)

// Layer is one entry of a display's layer list.
type Layer struct {
	Buffer       *Buffer
	Composition  Composition
	Hints        uint32
	Flags        uint32
	Transform    Transform
	Blending     Blending
	PlaneAlpha   uint8
	SourceCrop   geom.FRect
	DisplayFrame geom.Rect
	// AcquireFence is closed by Set. ReleaseFence is filled in by Set for
	// layers read by the display engine.
	AcquireFence int
	ReleaseFence int
}

// Display is the layer list of one display for one frame. The last layer
// is the framebuffer target.
type Display struct {
	Layers      []*Layer
	RetireFence int
	// OutBuf and OutBufAcquireFence are only used by the virtual display.
	OutBuf             *Buffer
	OutBufAcquireFence int
}

// Target returns the framebuffer target, or nil for an empty list.
func (d *Display) Target() *Layer {
	if d == nil || len(d.Layers) == 0 {
		return nil
	}
	return d.Layers[len(d.Layers)-1]
}
