package format

import "fmt"

// Mode is a kernel TV/HDMI output mode.
type Mode uint32

const (
	Mode480I      Mode = 0x00
	Mode576I      Mode = 0x01
	Mode480P      Mode = 0x02
	Mode576P      Mode = 0x03
	Mode720P50    Mode = 0x04
	Mode720P60    Mode = 0x05
	Mode1080I50   Mode = 0x06
	Mode1080I60   Mode = 0x07
	Mode1080P24   Mode = 0x08
	Mode1080P50   Mode = 0x09
	Mode1080P60   Mode = 0x0a
	ModePAL       Mode = 0x0b
	ModeNTSC      Mode = 0x0e
	Mode1080P24FP Mode = 0x17
	Mode720P50FP  Mode = 0x18
	Mode720P60FP  Mode = 0x19
	Mode2160P30   Mode = 0x1c
	Mode2160P25   Mode = 0x1d
	Mode2160P24   Mode = 0x1e
	ModeNum       Mode = 0x1f
)

// ModeInfo describes one sink mode.
type ModeInfo struct {
	// Outputs is a bit mask of the kernel display indices allowed to drive
	// the mode (bit 3 marks TV-only modes).
	Outputs uint8
	Mode    Mode
	Width   int
	Height  int
	Refresh int
	UHD     bool
}

func (m ModeInfo) String() string {
	return fmt.Sprintf("%dx%d@%d", m.Width, m.Height, m.Refresh)
}

var modes = []ModeInfo{
	{8, ModeNTSC, 720, 480, 60, false},
	{8, ModePAL, 720, 576, 60, false},

	{5, Mode480I, 720, 480, 60, false},
	{5, Mode576I, 720, 576, 60, false},
	{5, Mode480P, 720, 480, 60, false},
	{5, Mode576P, 720, 576, 60, false},
	{5, Mode720P50, 1280, 720, 50, false},
	{5, Mode720P60, 1280, 720, 60, false},

	{1, Mode1080P24, 1920, 1080, 24, false},
	{5, Mode1080P50, 1920, 1080, 50, false},
	{5, Mode1080P60, 1920, 1080, 60, false},
	{5, Mode1080I50, 1920, 1080, 50, false},
	{5, Mode1080I60, 1920, 1080, 60, false},

	{5, Mode2160P25, 3840, 2160, 25, true},
	{5, Mode2160P24, 3840, 2160, 24, true},
	{5, Mode2160P30, 3840, 2160, 30, true},

	{1, Mode1080P24FP, 1920, 1080, 24, false},
	{1, Mode720P50FP, 1280, 720, 50, false},
	{1, Mode720P60FP, 1280, 720, 60, false},
}

// LookupMode returns the table entry of m.
func LookupMode(m Mode) (ModeInfo, bool) {
	for _, mi := range modes {
		if mi.Mode == m {
			return mi, true
		}
	}
	return ModeInfo{}, false
}

// SearchOrder returns the modes tried when looking for the preferred mode of
// a freshly plugged sink: 1080p60 first, then every mode listed before it,
// in reverse table order.
func SearchOrder() []Mode {
	var order []Mode
	for i := len(modes) - 1; i >= 0; i-- {
		if modes[i].Mode == Mode1080P60 || len(order) > 0 {
			order = append(order, modes[i].Mode)
		}
	}
	return order
}

// Is4K reports whether m is an ultra-high-definition mode.
func Is4K(m Mode) bool {
	mi, ok := LookupMode(m)
	return ok && mi.UHD
}

// Mode3D is the stereoscopic output mode of a display.
type Mode3D int

const (
	Original Mode3D = iota
	Left2D
	Top2D
	LeftRight3D
	TopBottom3D
)

func (m Mode3D) String() string {
	switch m {
	case Original:
		return "2d"
	case Left2D:
		return "2d-left"
	case Top2D:
		return "2d-top"
	case LeftRight3D:
		return "3d-lr"
	case TopBottom3D:
		return "3d-tb"
	}
	return fmt.Sprintf("Mode3D(%d)", int(m))
}

// Is3DOutput reports whether m drives the sink in a frame-packed 3-D mode.
func (m Mode3D) Is3DOutput() bool { return m == LeftRight3D || m == TopBottom3D }

// HalvesWidth reports whether only the left half of a video source is shown.
func (m Mode3D) HalvesWidth() bool { return m == Left2D || m == LeftRight3D }

// HalvesHeight reports whether only the top half of a video source is shown.
func (m Mode3D) HalvesHeight() bool { return m == Top2D || m == TopBottom3D }
