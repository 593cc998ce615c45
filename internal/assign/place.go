package assign

import (
	"math"

	"github.com/gokrazy/sunxihwc/internal/display"
	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/layer"
)

// Maximal UI upscaling factor.
const uiScaleMax = 16

// Video layers larger than this are not rotated.
const rotateMaxPixels = 2400000

// Clock of the display engine in Hz.
const deClock = 254000000

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// is3D reports whether l is a video shown in a 3-D or half-frame mode.
func is3D(info *display.Info, l *layer.Layer) bool {
	return l.Buffer != nil && format.IsVideo(l.Buffer.Format) && info.Mode3D != format.Original
}

// isCursor reports whether l may take the cursor plane: flagged, 32-bit
// with alpha and directly below the framebuffer target.
func isCursor(l *layer.Layer, i, n int) bool {
	return l.Flags&layer.FlagCursor != 0 && n-i == 2 && format.CursorCapable(l.Buffer.Format)
}

// rotatable reports whether the transform engine can bring l upright.
func rotatable(l *layer.Layer) bool {
	b := l.Buffer
	return format.IsVideo(b.Format) && l.Transform.PlainRotation() && b.Width*b.Height < rotateMaxPixels
}

// validate applies the checks that do not depend on other layers.
func validate(l *layer.Layer, cursor bool) Reason {
	switch {
	case l.Flags&layer.FlagSkip != 0:
		return SkipLayer
	case !format.Valid(l.Buffer.Format):
		return NoFormat
	case l.Composition == layer.Background:
		return Background
	case l.Transform != 0 && !cursor && !rotatable(l):
		return Transform
	}
	return Placed
}

// sourceSize returns the source crop in destination orientation, halved
// when the 3-D mode shows half of a video frame.
func sourceSize(info *display.Info, l *layer.Layer, video bool) (int, int) {
	w := int(math.Ceil(l.SourceCrop.Dx()))
	h := int(math.Ceil(l.SourceCrop.Dy()))
	if l.Transform.SwapsAxes() {
		w, h = h, w
	}
	if video && info.Mode3D.HalvesWidth() {
		w /= 2
	}
	if video && info.Mode3D.HalvesHeight() {
		h /= 2
	}
	return w, h
}

// Scaling returns the scale factors from source to display frame and
// whether l is scaled at all.
func Scaling(info *display.Info, l *layer.Layer, video bool) (float64, float64, bool) {
	w, h := sourceSize(info, l, video)
	fw, fh := l.DisplayFrame.Dx(), l.DisplayFrame.Dy()
	if fw == w && fh == h {
		return 1, 1, false
	}
	if w == 0 || h == 0 {
		return 1, 1, true
	}
	return float64(fw) / float64(w), float64(fh) / float64(h), true
}

func sameScale(w0, h0, w1, h1 float64) bool {
	return math.Abs(w0-w1) < 0.001 && math.Abs(h0-h1) < 0.001
}

// canScale reports whether the engine's scaler keeps up with the scanline
// rate for l: the time to fetch one source line must stay within 80% of
// one output line.
func (d *Display) canScale(l *layer.Layer, video bool) bool {
	info := d.Info
	srcW := int(math.Ceil(l.SourceCrop.Dx()))
	if l.Transform.SwapsAxes() {
		srcW = int(math.Ceil(l.SourceCrop.Dy()))
	}
	if info.VarHeight <= 0 {
		return false
	}
	dstW := int(float64(l.DisplayFrame.Right)*d.WScale) - int(float64(l.DisplayFrame.Left)*d.WScale)
	vsync := info.VsyncPeriod
	if vsync == 0 {
		vsync = 1000000000 / 60
	}
	if info.Mode3D == format.LeftRight3D && video {
		dstW /= 2
	}
	if info.Mode3D != format.Original {
		vsync /= 2
	}
	lcdLine := vsync / int64(info.VarHeight)
	var layerLine int64
	if srcW > dstW {
		layerLine = 1000000 * int64(info.VarWidth-dstW+srcW) / (deClock / 1000)
	} else {
		layerLine = 1000000 * int64(info.VarWidth) / (deClock / 1000)
	}
	return lcdLine*4/5 >= layerLine
}

// matchChannel returns the first channel that can take a layer of the
// given class, or -1. ch selects a single channel, -1 searches all open
// channels.
func (d *Display) matchChannel(ch int, video bool, slots int, f format.HAL, wscale, hscale float64, planeAlpha uint8) int {
	from, to := 0, d.UsedChannels
	if ch >= 0 && ch < d.Info.Channels {
		from, to = ch, ch+1
	}
	for i := from; i < to; i++ {
		c := &d.Channels[i]
		if c.Count == 0 {
			return i
		}
		if c.Count+slots > d.slotsPerChannel() {
			continue
		}
		if video {
			if !c.Video || c.Format != f {
				continue
			}
		} else if c.Video {
			continue
		}
		if c.PlaneAlpha != planeAlpha || !sameScale(c.WScale, c.HScale, wscale, hscale) {
			continue
		}
		return i
	}
	return -1
}

// crosses reports whether the display frame of layer i intersects a layer
// in [from, to] that was given decision want. With ch ≥ -1 only layers on
// that channel count; GPU layers sit on channel -1.
func (d *Display) crosses(i, from, to, ch int, want Decision) bool {
	if from < 0 {
		return false
	}
	to = min(to, len(d.Placements)-1)
	frame := d.List.Layers[i].DisplayFrame
	for j := from; j <= to; j++ {
		p := &d.Placements[j]
		if ch >= -1 && ch < d.Info.Channels && p.Channel != ch {
			continue
		}
		switch want {
		case GPU:
			if p.Decision != GPU {
				continue
			}
		case Overlay:
			if !p.Placed() {
				continue
			}
		}
		if frame.Overlaps(d.List.Layers[j].DisplayFrame) {
			return true
		}
	}
	return false
}

// reservedChannels returns the channels a new channel must leave free: one
// for the framebuffer target once it is in use, and the video channels
// still needed by unassigned video layers.
func (d *Display) reservedChannels(isFB, video bool) int {
	n := 0
	if !isFB && d.UsedFB {
		n++
	}
	videoCh := d.Info.VideoChannels
	if d.unassignedVideo > 0 && d.VideoChannelsUsed < videoCh {
		free := videoCh - d.VideoChannelsUsed
		if d.unassignedVideo > free {
			n += free - b2i(video)
		} else {
			n += d.unassignedVideo - b2i(video)
		}
	}
	return n
}

// tryAssign decides layer i of d. z is the z-order it gets if placed.
func (e *Engine) tryAssign(d *Display, i, z int) Decision {
	l := d.List.Layers[i]
	info := d.Info
	var (
		isFB        = l.Composition == layer.FramebufferTarget
		alpha       = true
		video       bool
		stereo      bool
		cursor      bool
		secure      bool
		needSync    bool
		wfac        = 1.0
		hfac        = 1.0
		planeAlpha  = uint8(0xff)
		slots       = 1
		needChannel = true
		chDiff      = 0
	)

	if !isFB {
		alpha = l.Blending != layer.BlendNone
		if alpha && i == 0 {
			// Nothing below the bottom layer to blend with.
			l.Blending = layer.BlendNone
		}
		if l.Buffer == nil {
			return e.toGPU(d, i, NullBuf, false, alpha)
		}
		buf := l.Buffer
		video = format.IsVideo(buf.Format)
		stereo = is3D(info, l)
		cursor = isCursor(l, i, len(d.List.Layers))
		if stereo {
			slots = 2
		}
		if !buf.Contiguous {
			return e.toGPU(d, i, ContigMem, video, alpha)
		}
		if buf.Usage&layer.UsageProtected != 0 {
			if !info.Secure {
				return e.toGPU(d, i, VideoProtected, video, alpha)
			}
			secure = true
		}
		if r := validate(l, cursor); r != Placed {
			return e.toGPU(d, i, r, video, alpha)
		}
		needSync = buf.Usage&layer.UsageSWWriteMask != 0
		if buf.Usage&layer.UsageStopHWC != 0 {
			return e.toGPU(d, i, StopHWC, video, alpha)
		}
		if video && l.Transform != 0 &&
			(e.rotated >= e.RotateLimit || e.StopRotate || e.RotateDisabled) {
			return e.toGPU(d, i, Transform, video, alpha)
		}
	}

	if !isFB && !cursor {
		buf := l.Buffer
		if alpha {
			planeAlpha = l.PlaneAlpha
			if !format.Blendable(buf.Format) {
				return e.toGPU(d, i, Alpha, video, alpha)
			}
			if d.UsedFB && d.crosses(i, 0, i-1, -1, GPU) {
				return e.toGPU(d, i, CrossFB, video, alpha)
			}
		}

		var scaled bool
		wfac, hfac, scaled = Scaling(info, l, video)
		if scaled || !sameScale(d.WScale, d.HScale, 1, 1) {
			switch format.ScalerFor(buf.Format) {
			case format.VideoScaler:
				if !d.canScale(l, video) {
					return e.toGPU(d, i, ScaleOut, video, alpha)
				}
			case format.UIScaler:
				w, h := wfac*d.WScale, hfac*d.HScale
				if w < 1 || w > uiScaleMax || h < 1 || h > uiScaleMax {
					return e.toGPU(d, i, ScaleOut, video, alpha)
				}
			default:
				return e.toGPU(d, i, CannotScale, video, alpha)
			}
		}

		// Sink the layer into the lowest open channel of its class that
		// no layer it overlaps keeps it out of.
		sw, sh := wfac*d.WScale, hfac*d.HScale
		top := d.UsedChannels - 1
		lowest := d.matchChannel(-1, video, slots, buf.Format, sw, sh, planeAlpha)
		for c := top; lowest != -1 && c >= 0 && c >= lowest; {
			first, last := d.Channels[c].first(), d.Channels[c].last()
			if c == lowest || d.matchChannel(c, video, slots, buf.Format, sw, sh, planeAlpha) != -1 {
				if d.crosses(i, first, last, c, Overlay) {
					if !alpha {
						chDiff = top - c
						needChannel = false
					}
					break
				}
				chDiff = top - c
				needChannel = false
				c--
			} else if d.crosses(i, first, last, c, Overlay) {
				break
			} else {
				c--
			}
		}
	}

	if needChannel {
		reserved := d.reservedChannels(isFB, video)
		if (video && d.VideoChannelsUsed >= info.VideoChannels) ||
			d.UsedChannels >= info.Channels-reserved {
			return e.reassign(d, i, isFB, video, alpha)
		}
		d.UsedChannels++
		if video {
			d.VideoChannelsUsed++
		}
		if isFB {
			d.UsedFB = true
		}
	}
	chIdx := d.UsedChannels - 1 - chDiff
	undo := func() {
		if needChannel {
			d.UsedChannels--
			if video {
				d.VideoChannelsUsed--
			}
		}
	}

	if !cursor {
		if r := e.charge(d, l, chIdx, wfac, hfac, isFB, video, stereo); r != Placed {
			undo()
			switch {
			case r == NoPipe:
				return e.reassign(d, i, isFB, video, alpha)
			case !d.UsedFB:
				d.UsedFB = true
				return NeedsReassign
			}
			return e.toGPU(d, i, r, video, alpha)
		}
	}
	if d.UsedFB && !alpha && !cursor && !isFB && d.crosses(i, 0, i-1, -1, GPU) {
		l.Hints |= layer.HintClearFB
	}
	if alpha && cursor && d.FBHasAlpha {
		undo()
		return e.toGPU(d, i, CrossFB, video, alpha)
	}

	d.unassignedVideo -= b2i(video)
	d.Planes++
	if video && l.Transform != 0 {
		d.Rotating++
		e.rotated++
	}
	c := &d.Channels[chIdx]
	c.Video = video
	c.Format = format.BGRA8888
	if l.Buffer != nil {
		c.Format = l.Buffer.Format
	}
	c.WScale = wfac * d.WScale
	c.HScale = hfac * d.HScale
	c.PlaneAlpha = planeAlpha
	c.Slots[c.Count] = i
	c.Count += slots
	c.FB = isFB
	c.Blends += b2i(alpha)

	d.Placements[i] = Placement{
		Decision: Overlay,
		Channel:  chIdx,
		Z:        z,
		Video:    video,
		Is3D:     stereo,
		Cursor:   cursor,
		Secure:   secure,
		NeedSync: needSync && !secure,
	}
	if cursor {
		d.Placements[i].Decision = Cursor
		return Cursor
	}
	return Overlay
}

// toGPU leaves layer i to the GPU. The framebuffer target is in use from
// now on and carries alpha if the layer does.
func (e *Engine) toGPU(d *Display, i int, r Reason, video, alpha bool) Decision {
	d.unassignedVideo -= b2i(video)
	d.Placements[i] = Placement{
		Decision: GPU,
		Reason:   r,
		Channel:  -1,
		Z:        -1,
		Video:    video,
	}
	d.UsedFB = true
	d.FBHasAlpha = alpha
	return GPU
}

// reassign handles a layer that found no channel. Unless the framebuffer
// target is already accounted for, the display is restarted with it.
func (e *Engine) reassign(d *Display, i int, isFB, video, alpha bool) Decision {
	if !d.UsedFB || isFB {
		d.UsedFB = true
		return NeedsReassign
	}
	return e.toGPU(d, i, NoPipe, video, alpha)
}
