// Package sunxi implements access to the Allwinner display engine
// (/dev/disp), the 2-D transform engine (/dev/transform) and the ION
// allocator (/dev/ion) via ioctls.
//
// The records in this file are laid out bit for bit like the kernel's
// (see ctypes.go) and must not be reordered.
package sunxi

import "errors"

// ErrNoDevice is returned by Open when a mandatory device node is missing.
var ErrNoDevice = errors.New("sunxi: device node unavailable")

// Display engine ioctls. Arguments are passed as a pointer to [4]uintptr.
const (
	DISP_SET_BKCOLOR      = 0x03
	DISP_GET_SCN_WIDTH    = 0x07
	DISP_GET_SCN_HEIGHT   = 0x08
	DISP_GET_OUTPUT_TYPE  = 0x09
	DISP_VSYNC_EVENT_EN   = 0x0b
	DISP_BLANK            = 0x0c
	DISP_HWC_COMMIT       = 0x0e
	DISP_DEVICE_SWITCH    = 0x0f
	DISP_LAYER_SET_CONFIG = 0x47
)

// Sub-commands of DISP_HWC_COMMIT.
const (
	HWC_IOCTL_FENCEFD   = 0
	HWC_IOCTL_COMMIT    = 1
	HWC_IOCTL_CKWB      = 2
	HWC_IOCTL_SETPRIDIP = 3
)

// Release-fence sinks of a commit.
const (
	SyncDisp0 = iota
	SyncDisp1
	SyncOther0
	SyncOther1
	SyncSinks
)

// Values of a release-fence slot before FENCEFD fills it in.
const (
	FenceNeed = -2
	FenceInit = -1
)

// Per-display slot arrays of the commit packet.
const (
	LayersPerChannel = 4
	PrimarySlots     = 16
	SecondarySlots   = 8
)

// OutputType is the kind of sink driven by a kernel display.
type OutputType int

const (
	OutputNone OutputType = 0
	OutputLCD  OutputType = 1
	OutputTV   OutputType = 2
	OutputHDMI OutputType = 4
	OutputVGA  OutputType = 8
)

func (t OutputType) String() string {
	switch t {
	case OutputNone:
		return "none"
	case OutputLCD:
		return "lcd"
	case OutputTV:
		return "tv"
	case OutputHDMI:
		return "hdmi"
	case OutputVGA:
		return "vga"
	}
	return "unknown"
}

// Layer modes, alpha modes and 3-D output modes of LayerInfo.
const (
	LayerModeBuffer = 0

	AlphaPixel       = 0
	AlphaGlobal      = 1
	AlphaGlobalPixel = 2

	Trd3DOutFP = 1
)

// Stereo flags of FBInfo.
const (
	BufStereoTB  = 1
	BufStereoFP  = 2
	BufStereoSSH = 4
)

// Size is disp_rectsz.
type Size struct {
	Width, Height uint32
}

// Window is disp_rect.
type Window struct {
	X, Y          int32
	Width, Height uint32
}

// Rect64 is disp_rect64; all members are 32.32 fixed point.
type Rect64 struct {
	X, Y, Width, Height int64
}

// FBInfo is disp_fb_info.
type FBInfo struct {
	Addr         [3]uint64
	Size         [3]Size
	Align        [3]uint32
	Format       uint32
	ColorSpace   uint32
	TrdRightAddr [3]uint32
	PreMultiply  uint8
	_            [7]byte
	Crop         Rect64
	Flags        uint32
	Scan         uint32
}

// LayerInfo is disp_layer_info.
type LayerInfo struct {
	Mode       uint32
	Zorder     uint8
	AlphaMode  uint8
	AlphaValue uint8
	_          uint8
	ScreenWin  Window
	BTrdOut    uint8
	_          [3]byte
	OutTrdMode uint32
	FB         FBInfo
	ID         uint32
	_          [4]byte
}

// LayerConfig is disp_layer_config.
type LayerConfig struct {
	Info    LayerInfo
	Enable  uint8
	_       [3]byte
	Channel uint32
	LayerID uint32
	_       [4]byte
}

// Slot returns the index of c in a commit packet.
func (c *LayerConfig) Slot() int {
	return int(c.Channel)*LayersPerChannel + int(c.LayerID)
}

// Commit is one DISP_HWC_COMMIT payload. Layers holds the slot arrays of
// both kernel displays (16 and 8 records).
type Commit struct {
	Layers        [2][]LayerConfig
	ReleaseFences [SyncSinks]int32
	ForceFlip     [2]bool
}

// Transform engine ioctls.
const (
	TR_REQUEST     = 0x1
	TR_RELEASE     = 0x2
	TR_COMMIT      = 0x3
	TR_QUERY       = 0x4
	TR_SET_TIMEOUT = 0x5
)

// TRMode is a transform-engine orientation.
type TRMode uint32

const (
	TRRot0       TRMode = 0
	TRRot90      TRMode = 1
	TRRot180     TRMode = 2
	TRRot270     TRMode = 3
	TRHFlip      TRMode = 4
	TRHFlipRot90 TRMode = 5
	TRVFlip      TRMode = 6
	TRVFlipRot90 TRMode = 7
)

// SwapsAxes reports whether m exchanges width and height.
func (m TRMode) SwapsAxes() bool {
	switch m {
	case TRRot90, TRRot270, TRHFlipRot90, TRVFlipRot90:
		return true
	}
	return false
}

// TRFrame is tr_frame.
type TRFrame struct {
	Fmt    uint32
	HAddr  [3]uint32
	LAddr  [3]uint32
	Pitch  [3]uint32
	Height [3]uint32
}

// TRRect is tr_rect.
type TRRect struct {
	X, Y int32
	W, H uint32
}

// TRInfo is tr_info.
type TRInfo struct {
	Mode     TRMode
	SrcFrame TRFrame
	SrcRect  TRRect
	DstFrame TRFrame
	DstRect  TRRect
	FD       int32
}

// TRHandle names a transform-engine context.
type TRHandle uintptr

// ION heap masks.
const (
	HeapSystemContig = 1 << 1
	HeapDMA          = 1 << 4
	HeapSecure       = 1 << 6
)
