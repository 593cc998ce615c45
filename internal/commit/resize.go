package commit

import (
	"math"
	"math/bits"

	"github.com/gokrazy/sunxihwc/internal/assign"
	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/geom"
	"github.com/gokrazy/sunxihwc/internal/layer"
	"github.com/gokrazy/sunxihwc/internal/sunxi"
)

// rect64 is a rectangle in 32.32 fixed point with exclusive right and
// bottom edges.
type rect64 struct {
	left, top, right, bottom int64
}

func q(v int) int64 { return int64(geom.ToQ32(v)) }

// sourceCrop returns the source crop of l in the orientation the display
// engine reads the buffer in, together with the buffer size in that
// orientation. Flips mirror the crop inside the buffer; a quarter turn
// exchanges the axes.
func sourceCrop(l *layer.Layer) (rect64, int, int) {
	b := l.Buffer
	fi, _ := format.Lookup(b.Format)
	bw := geom.Align(b.Width, max(fi.Align[0], 1))
	bh := b.Height

	sc := l.SourceCrop
	left := max(int(math.Ceil(sc.Left)), 0)
	top := max(int(math.Ceil(sc.Top)), 0)
	right := max(int(math.Floor(sc.Right)), 0)
	bottom := max(int(math.Floor(sc.Bottom)), 0)

	sl, st, sr, sb := left, top, right, bottom
	t := l.Transform
	if t&layer.FlipV != 0 {
		st = max(bh-bottom, 0)
		sb = bh
		if bh-top > 0 {
			sb = bh - top
		}
	}
	if t&layer.FlipH != 0 {
		sr = bw
		if bw-left > 0 {
			sr = bw - left
		}
		sl = max(bw-right, 0)
	}
	if t&layer.Rot90 != 0 {
		old := sl
		sl = max(bh-sb, 0)
		sb = sr
		sr = bh
		if bh-st > 0 {
			sr = bh - st
		}
		st = old
		bw, bh = bh, bw
	}
	return rect64{q(sl), q(st), q(sr), q(sb)}, bw, bh
}

// recalc maps a coordinate of the initial screen onto the current one,
// scaling its distance from the screen centre by f.
func recalc(f float64, srcMid, dstMid, c int64) int64 {
	return dstMid - int64(float64(srcMid-c)*f)
}

func unscaled(w, h float64) bool {
	return math.Abs(w-1) < 0.001 && math.Abs(h-1) < 0.001
}

// clip computes the source crop and screen window of l on display d into
// li. It reports false when nothing of the layer remains visible.
//
// The display frame is first cut to the initial screen, removing the
// matching part of the source of a scaled layer. It is then mapped onto
// the current mode and overscan box around the screen centre and cut to
// the current screen again.
func clip(d *assign.Display, l *layer.Layer, video bool, li *sunxi.LayerInfo) bool {
	info := d.Info
	f := l.DisplayFrame
	if f.Empty() {
		return false
	}
	win := rect64{q(f.Left), q(f.Top), q(f.Right), q(f.Bottom)}
	iw, ih := q(info.InitWidth), q(info.InitHeight)
	vw, vh := q(info.VarWidth), q(info.VarHeight)
	crop, bw, bh := sourceCrop(l)

	var cutLeft, cutRight, cutTop, cutBottom bool
	wf, hf, scaled := assign.Scaling(info, l, video)
	if scaled {
		if win.left < 0 {
			crop.left += int64(float64(-win.left) / wf)
			win.left = 0
			cutLeft = true
		}
		if win.right > iw {
			crop.right -= int64(float64(win.right-iw) / wf)
			win.right = iw
			cutRight = true
		}
		if win.top < 0 {
			crop.top += int64(float64(-win.top) / hf)
			win.top = 0
			cutTop = true
		}
		if win.bottom > ih {
			crop.bottom -= int64(float64(win.bottom-ih) / hf)
			win.bottom = ih
			cutBottom = true
		}
		if crop.right > q(bw) {
			crop.right = q(bw)
			cutRight = true
		}
		if crop.bottom > q(bh) {
			crop.bottom = q(bh)
			cutBottom = true
		}
	}

	out := false
	if !unscaled(d.WScale, d.HScale) {
		c := recalc(d.WScale, iw>>1, vw>>1, win.left)
		switch {
		case c >= vw:
			out = true
		case c < 0:
			crop.left += int64(float64(-c) / d.WScale / wf)
			win.left = 0
			cutLeft = true
		default:
			win.left = c
		}
		c = recalc(d.WScale, iw>>1, vw>>1, win.right)
		switch {
		case c >= vw:
			crop.right -= int64(float64(c-vw) / d.WScale / wf)
			win.right = vw
			cutRight = true
		case c <= 0:
			out = true
		default:
			win.right = c
		}
		c = recalc(d.HScale, ih>>1, vh>>1, win.top)
		switch {
		case c >= vh:
			out = true
		case c <= 0:
			crop.top += int64(float64(-c) / d.HScale / hf)
			win.top = 0
			cutTop = true
		default:
			win.top = c
		}
		c = recalc(d.HScale, ih>>1, vh>>1, win.bottom)
		switch {
		case c <= 0:
			out = true
		case c >= vh:
			crop.bottom -= int64(float64(c-vh) / d.HScale / hf)
			win.bottom = vh
			cutBottom = true
		default:
			win.bottom = c
		}
	}
	if out || win.top >= win.bottom || win.right <= win.left ||
		crop.top >= crop.bottom || crop.left >= crop.right {
		return false
	}

	li.ScreenWin.X, li.ScreenWin.Width, li.FB.Crop.X, li.FB.Crop.Width =
		axis(win.left, win.right, crop.left, crop.right, cutLeft, cutRight)
	li.ScreenWin.Y, li.ScreenWin.Height, li.FB.Crop.Y, li.FB.Crop.Height =
		axis(win.top, win.bottom, crop.top, crop.bottom, cutTop, cutBottom)

	if li.BTrdOut == 1 {
		switch info.Mode3D {
		case format.LeftRight3D:
			li.ScreenWin = sunxi.Window{Width: 1920, Height: 1080}
			li.FB.Flags = sunxi.BufStereoSSH
		case format.TopBottom3D:
			li.ScreenWin = sunxi.Window{Width: 1920, Height: 1080}
			li.FB.Flags = sunxi.BufStereoTB
		}
	}
	return true
}

// axis converts one axis of window and crop into the integer screen
// position and size and the 32.32 crop. The fraction of a destination
// pixel lost to truncation is taken off the source, on the cut side.
func axis(wlo, whi, clo, chi int64, cutLo, cutHi bool) (int32, uint32, int64, int64) {
	src := chi - clo
	dst := whi - wlo
	step := ratio18(src, dst)

	pos := wlo >> 32
	if cutHi && (whi>>32)-(wlo>>32)-(dst>>32) > 0 {
		pos++
	}
	size := dst >> 32
	if size == 0 {
		size = 1
	}
	mod := int64(step * (float64(dst-size<<32) / (1 << 32)) * (1 << 14))
	start := clo
	if cutLo {
		start += mod
	}
	return int32(pos), uint32(size), start, src - mod
}

// ratio18 is src/dst in 14.18 fixed point, truncated. The product src<<18
// is taken in 128 bits so 32.32 crops wider than 8191 px do not overflow.
func ratio18(src, dst int64) float64 {
	if src <= 0 || dst <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(src), 1<<18)
	if hi >= uint64(dst) {
		return float64(src) * (1 << 18) / float64(dst)
	}
	q, _ := bits.Div64(hi, lo, uint64(dst))
	return float64(q)
}
