// Package assign decides, once per frame, which layers the display engine
// scans out directly and which are composed by the GPU into the
// framebuffer target.
//
// Layers are visited bottom-up. A layer that passes every check is placed
// on a channel of the engine: either a channel already holding layers of
// the same class, or a new one. Placement is bounded by the channel count,
// the slots per channel and the memory bandwidth budget of the display.
package assign

import (
	"fmt"

	"github.com/gokrazy/sunxihwc/internal/display"
	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/geom"
	"github.com/gokrazy/sunxihwc/internal/hwclog"
	"github.com/gokrazy/sunxihwc/internal/layer"
)

// Decision is the outcome for one layer.
type Decision int

const (
	Unassigned Decision = iota
	GPU
	Overlay
	Cursor
	// NeedsReassign asks the caller to restart the display with the
	// framebuffer target in use.
	NeedsReassign
)

func (d Decision) String() string {
	switch d {
	case Unassigned:
		return "-"
	case GPU:
		return "GPU"
	case Overlay:
		return "OVERLAY"
	case Cursor:
		return "CURSOR"
	case NeedsReassign:
		return "REASSIGN"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Reason records why a layer was not placed on a plane.
type Reason int

const (
	Placed Reason = iota
	NullBuf
	ContigMem
	VideoProtected
	SkipLayer
	NoFormat
	Background
	Transform
	StopHWC
	Alpha
	CrossFB
	CannotScale
	ScaleOut
	NoPipe
	NoMem
	// Forced marks layers left to the GPU because the whole display is.
	Forced
)

var reasonNames = [...]string{
	Placed:         "",
	NullBuf:        "NullBuf",
	ContigMem:      "ContigMem",
	VideoProtected: "VideoProtected",
	SkipLayer:      "SkipLayer",
	NoFormat:       "NoFormat",
	Background:     "Background",
	Transform:      "Transform",
	StopHWC:        "StopHWC",
	Alpha:          "Alpha",
	CrossFB:        "CrossFB",
	CannotScale:    "CannotScale",
	ScaleOut:       "ScaleOut",
	NoPipe:         "NoPipe",
	NoMem:          "NoMem",
	Forced:         "Forced",
}

func (r Reason) String() string {
	if r >= 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Placement is the decision for one layer of a display.
type Placement struct {
	Decision Decision
	Reason   Reason
	// Channel is the virtual channel, -1 unless placed.
	Channel int
	// Z is the z-order among placed layers, -1 unless placed.
	Z int

	Video    bool
	Is3D     bool
	Cursor   bool
	Secure   bool
	NeedSync bool
}

// Placed reports whether the layer is read by the display engine.
func (p *Placement) Placed() bool {
	return p.Decision == Overlay || p.Decision == Cursor
}

// Channel is one display-engine channel as filled during assignment.
type Channel struct {
	// Slots holds the layer index per slot, -1 for an empty slot. A 3-D
	// layer takes two slots, the second stays empty.
	Slots  [display.LayersPerChannel]int
	Count  int
	Video  bool
	FB     bool
	Format format.HAL
	// WScale and HScale are the scale factors shared by all layers of the
	// channel, including the display scale.
	WScale, HScale float64
	PlaneAlpha     uint8
	Blends         int
	Mem            int

	overlaps [display.LayersPerChannel - 1]geom.Rect
}

func (c *Channel) reset() {
	*c = Channel{WScale: 1, HScale: 1, PlaneAlpha: 0xff}
	for i := range c.Slots {
		c.Slots[i] = -1
	}
}

// first and last return the layer index in the lowest and highest
// occupied slot, or -1.
func (c *Channel) first() int {
	for _, s := range c.Slots[:c.Count] {
		if s >= 0 {
			return s
		}
	}
	return -1
}

func (c *Channel) last() int {
	for i := c.Count - 1; i >= 0; i-- {
		if c.Slots[i] >= 0 {
			return c.Slots[i]
		}
	}
	return -1
}

// Display is the assignment of one display for one frame.
type Display struct {
	Index      int
	Info       *display.Info
	List       *layer.Display
	Placements []Placement
	Channels   [display.PrimaryChannels]Channel

	// UsedChannels and VideoChannelsUsed count the channels opened.
	UsedChannels      int
	VideoChannelsUsed int
	// UsedFB is set when the framebuffer target is scanned out.
	UsedFB     bool
	FBHasAlpha bool
	// Planes is the number of layers placed.
	Planes int
	// Mirror is set on the virtual display when it shows the primary's
	// content and is served by writeback. MirrorTransform is the rotation
	// of the writeback.
	Mirror          bool
	MirrorTransform layer.Transform
	// Rotating counts the placed video layers that need the transform
	// engine.
	Rotating int

	// WScale and HScale map the initial resolution onto the current mode
	// and the overscan box.
	WScale, HScale float64

	budget          int
	thruput         int
	unassignedVideo int
	pendingVideoMem int
}

func (d *Display) slotsPerChannel() int {
	if d.Info.LayersPerChannel > 0 {
		return d.Info.LayersPerChannel
	}
	return display.LayersPerChannel
}

// Thruput returns the bandwidth the display's placed layers consume.
func (d *Display) Thruput() int { return d.thruput }

// Budget returns the bandwidth the display may consume.
func (d *Display) Budget() int { return d.budget }

// Engine holds the state shared by all displays of a frame.
type Engine struct {
	// MemLimit is the bandwidth budget of all displays together.
	MemLimit int
	// RotateLimit bounds the video layers rotated per frame.
	RotateLimit int
	// StopRotate suspends rotation until a frame without video arrives.
	StopRotate bool
	// RotateDisabled turns rotation off for good.
	RotateDisabled bool
	// ForceGPU collapses idle screens into the framebuffer target.
	ForceGPU bool
	// HasCursor is set once a cursor layer was placed.
	HasCursor bool

	mem     int
	rotated int
}

func NewEngine(memLimit int) *Engine {
	return &Engine{
		MemLimit:    memLimit,
		RotateLimit: 1,
	}
}

// Mem returns the bandwidth all displays consume in the current frame.
func (e *Engine) Mem() int { return e.mem }

// Prepare assigns the layers of every display. lists is indexed by logical
// display; nil lists and unmapped displays are skipped. The composition
// type of every input layer is rewritten.
func (e *Engine) Prepare(infos [display.Count]*display.Info, lists []*layer.Display) [display.Count]*Display {
	var out [display.Count]*Display
	budgets := e.resetGlobal(infos)

	for i, list := range lists {
		if i >= display.Count {
			break
		}
		info, budget := infos[i], 0
		if i < display.HWCount {
			budget = budgets[i]
		} else {
			info, budget = infos[display.Primary], budgets[display.Primary]
		}
		if list == nil || len(list.Layers) == 0 || !info.Mapped() {
			continue
		}
		d := &Display{
			Index:  i,
			Info:   info,
			List:   list,
			budget: budget,
		}
		e.resetLocal(d)
		out[i] = d

		if i == display.Virtual {
			e.prepareVirtual(d, lists[display.Primary])
			continue
		}
		e.prepareDisplay(d)
		hwclog.Get().Debug("prepared",
			"disp", i,
			"planes", d.Planes,
			"channels", d.UsedChannels,
			"usedfb", d.UsedFB,
			"mem", d.thruput,
			"budget", d.budget)
	}
	return out
}

// resetGlobal starts a frame. The primary's budget is the global limit
// minus the framebuffer cost of every other display; each further display
// gets the primary's budget plus the framebuffer costs up to and including
// its own.
func (e *Engine) resetGlobal(infos [display.Count]*display.Info) [display.HWCount]int {
	e.mem = 0
	e.rotated = 0

	var budgets [display.HWCount]int
	budgets[display.Primary] = e.MemLimit
	for i := 1; i < display.HWCount; i++ {
		if infos[i].Mapped() {
			budgets[display.Primary] -= infos[i].FBCost
		}
	}
	acc := budgets[display.Primary]
	for i := 1; i < display.HWCount; i++ {
		if infos[i].Mapped() {
			acc += infos[i].FBCost
			budgets[i] = acc
		}
	}
	return budgets
}

// scaleFactors returns the mapping from the initial resolution onto the
// current mode, shrunk by the overscan box.
func scaleFactors(info *display.Info) (float64, float64) {
	w := float64(info.PersentW) / 100
	h := float64(info.PersentH) / 100
	if info.InitWidth != 0 && info.InitHeight != 0 {
		w *= float64(info.VarWidth) / float64(info.InitWidth)
		h *= float64(info.VarHeight) / float64(info.InitHeight)
	}
	return w, h
}

// resetLocal discards every decision of d and returns its bandwidth to the
// engine. UsedFB survives so that a restart keeps the framebuffer target.
func (e *Engine) resetLocal(d *Display) {
	e.mem -= d.thruput
	e.rotated -= d.Rotating
	d.thruput = 0
	d.Rotating = 0
	d.Mirror = false
	d.MirrorTransform = 0
	d.FBHasAlpha = false
	d.UsedChannels = 0
	d.VideoChannelsUsed = 0
	d.unassignedVideo = 0
	d.pendingVideoMem = 0
	d.Planes = 0
	d.WScale, d.HScale = scaleFactors(d.Info)

	e.resetLayers(d, layer.Framebuffer)
	if d.unassignedVideo == 0 {
		e.StopRotate = false
	}
	for i := range d.Channels {
		d.Channels[i].reset()
	}
}

// resetLayers sets every layer except the framebuffer target to comp and
// counts the video layers still waiting for a channel.
func (e *Engine) resetLayers(d *Display, comp layer.Composition) {
	layers := d.List.Layers
	if cap(d.Placements) >= len(layers) {
		d.Placements = d.Placements[:len(layers)]
	} else {
		d.Placements = make([]Placement, len(layers))
	}
	d.unassignedVideo = 0
	d.pendingVideoMem = 0
	for i, l := range layers {
		d.Placements[i] = Placement{Channel: -1, Z: -1}
		if l.Composition != layer.FramebufferTarget && l.Composition != layer.Background {
			l.Composition = comp
		}
		if l.Buffer == nil || !format.IsVideo(l.Buffer.Format) {
			continue
		}
		info, _ := format.Lookup(l.Buffer.Format)
		d.pendingVideoMem += int(l.SourceCrop.Dx() * l.SourceCrop.Dy() * float64(info.BPP) / 8)
		d.unassignedVideo++
	}
}

// maxRetries bounds the restarts of a display.
const maxRetries = 2

// prepareDisplay runs assignment passes until one completes. After
// maxRetries restarts everything but the framebuffer target goes to the
// GPU.
func (e *Engine) prepareDisplay(d *Display) {
	force := false
	for retries := 0; ; {
		if e.assignPass(d, force) {
			return
		}
		e.resetLocal(d)
		if force {
			hwclog.Get().Error("framebuffer target does not fit the display engine", "disp", d.Index)
			for j := range d.Placements {
				d.Placements[j] = Placement{Decision: GPU, Reason: Forced, Channel: -1, Z: -1}
			}
			return
		}
		if retries < maxRetries {
			retries++
			continue
		}
		hwclog.Get().Debug("forcing GPU composition", "disp", d.Index)
		force = true
	}
}

// assignPass visits the layers once. It returns false when a layer asked
// for a restart.
func (e *Engine) assignPass(d *Display, force bool) bool {
	layers := d.List.Layers
	n := len(layers)
	z := 0
	start := 0
	if force {
		start = n - 1
	}
	for i := start; i < n; i++ {
		l := layers[i]
		if l.Composition == layer.FramebufferTarget {
			if !force && !d.UsedFB && n != 1 && !e.ForceGPU {
				break
			}
			collapse := e.ForceGPU && d.VideoChannelsUsed == 0 && d.thruput > d.Info.FBCost
			if force || n == 1 || collapse {
				z = 0
				d.UsedFB = true
				e.resetLocal(d)
				for j := 0; j < i; j++ {
					d.Placements[j] = Placement{Decision: GPU, Reason: Forced, Channel: -1, Z: -1}
				}
			}
			if !d.UsedFB {
				break
			}
		}
		switch e.tryAssign(d, i, z) {
		case Overlay:
			if l.Composition == layer.Framebuffer {
				l.Composition = layer.Overlay
			}
			z++
		case Cursor:
			if l.Composition == layer.Framebuffer {
				l.Composition = layer.CursorOverlay
				e.HasCursor = true
			}
			z++
		case NeedsReassign:
			return false
		}
	}
	return true
}
