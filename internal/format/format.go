// Package format describes the pixel formats the display engine can scan out
// and the sink modes an HDMI output can be switched to.
package format

import "fmt"

// HAL is a window-system pixel format identifier.
type HAL int32

const (
	RGBA8888   HAL = 1
	RGBX8888   HAL = 2
	RGB888     HAL = 3
	RGB565     HAL = 4
	BGRA8888   HAL = 5
	YCrCb420SP HAL = 0x11 // NV21
	AWNV12     HAL = 0x101
	BGRX8888   HAL = 0x1ff
	YV12       HAL = 0x32315659
)

func (f HAL) String() string {
	switch f {
	case RGBA8888:
		return "RGBA8888"
	case RGBX8888:
		return "RGBX8888"
	case RGB888:
		return "RGB888"
	case RGB565:
		return "RGB565"
	case BGRA8888:
		return "BGRA8888"
	case YCrCb420SP:
		return "NV21"
	case AWNV12:
		return "NV12"
	case BGRX8888:
		return "BGRX8888"
	case YV12:
		return "YV12"
	}
	return fmt.Sprintf("HAL(%#x)", int32(f))
}

// Disp is a display-engine pixel format identifier. The transform engine
// uses the same numbering.
type Disp uint32

const (
	DispARGB8888 Disp = 0x00
	DispABGR8888 Disp = 0x01
	DispRGBA8888 Disp = 0x02
	DispBGRA8888 Disp = 0x03
	DispXRGB8888 Disp = 0x04
	DispXBGR8888 Disp = 0x05
	DispRGBX8888 Disp = 0x06
	DispBGRX8888 Disp = 0x07
	DispRGB888   Disp = 0x08
	DispBGR888   Disp = 0x09
	DispRGB565   Disp = 0x0a

	DispYUV420P    Disp = 0x4a
	DispYUV420UVUV Disp = 0x4e
	DispYUV420VUVU Disp = 0x4f
)

// Info is the scan-out description of a format.
type Info struct {
	Disp   Disp
	BPP    int // bits per pixel over all planes
	Planes int
	// Per plane: bits per sample, denominators of the plane size relative
	// to the luma plane, and the stride alignment in bytes.
	PlaneBPP [3]int
	WScale   [3]int
	HScale   [3]int
	Align    [3]int
	// SwapUV requests exchanging the plane 1 and plane 2 addresses.
	SwapUV bool
}

func rgb(d Disp, bpp int) Info {
	return Info{
		Disp:     d,
		BPP:      bpp,
		Planes:   1,
		PlaneBPP: [3]int{bpp},
		WScale:   [3]int{1},
		HScale:   [3]int{1},
		Align:    [3]int{32},
	}
}

var table = map[HAL]Info{
	RGBA8888: rgb(DispABGR8888, 32),
	RGBX8888: rgb(DispXBGR8888, 32),
	BGRA8888: rgb(DispARGB8888, 32),
	BGRX8888: rgb(DispXRGB8888, 32),
	RGB888:   rgb(DispBGR888, 24),
	RGB565:   rgb(DispRGB565, 16),
	YV12: {
		Disp:     DispYUV420P,
		BPP:      12,
		Planes:   3,
		PlaneBPP: [3]int{8, 8, 8},
		WScale:   [3]int{1, 2, 2},
		HScale:   [3]int{1, 2, 2},
		Align:    [3]int{16, 8, 8},
		SwapUV:   true,
	},
	YCrCb420SP: {
		Disp:     DispYUV420VUVU,
		BPP:      12,
		Planes:   2,
		PlaneBPP: [3]int{8, 16},
		WScale:   [3]int{1, 2},
		HScale:   [3]int{1, 2},
		Align:    [3]int{16, 8},
	},
	AWNV12: {
		Disp:     DispYUV420UVUV,
		BPP:      12,
		Planes:   2,
		PlaneBPP: [3]int{8, 16},
		WScale:   [3]int{1, 2},
		HScale:   [3]int{1, 2},
		Align:    [3]int{16, 8},
	},
}

// Lookup returns the scan-out description of f.
func Lookup(f HAL) (Info, bool) {
	info, ok := table[f]
	return info, ok
}

// Valid reports whether the display engine can read f.
func Valid(f HAL) bool {
	_, ok := table[f]
	return ok
}

// IsVideo reports whether f is a YUV format that needs a video channel.
func IsVideo(f HAL) bool {
	switch f {
	case YV12, YCrCb420SP, AWNV12:
		return true
	}
	return false
}

// Blendable reports whether f carries per-pixel alpha the engine honours.
func Blendable(f HAL) bool {
	switch f {
	case RGBA8888, RGBX8888, RGB888, RGB565, BGRA8888, BGRX8888:
		return true
	}
	return false
}

// CursorCapable reports whether f may be placed on the cursor plane.
func CursorCapable(f HAL) bool {
	return f == RGBA8888 || f == BGRA8888
}

// Scaler names the scaler class a format is handled by.
type Scaler int

const (
	NoScaler    Scaler = iota
	VideoScaler        // bounded by the per-scanline rate of the engine
	UIScaler           // upscaling only, factor in [1, 16]
)

func ScalerFor(f HAL) Scaler {
	switch f {
	case YV12, YCrCb420SP, AWNV12:
		return VideoScaler
	case RGBA8888, RGBX8888, RGB888, RGB565, BGRA8888, BGRX8888:
		return UIScaler
	}
	return NoScaler
}

// Formats lists every supported format in a stable order.
func Formats() []HAL {
	return []HAL{RGBA8888, RGBX8888, RGB888, RGB565, BGRA8888, BGRX8888, YV12, YCrCb420SP, AWNV12}
}

// RotateAlign is the alignment of width and height of a rotation
// destination.
const RotateAlign = 32

// RotateDest is the format the transform engine writes.
const RotateDest = DispYUV420P
