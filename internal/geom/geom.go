// Package geom provides the rectangle and fixed-point arithmetic used by the
// layer assignor and the commit builder.
package geom

import "golang.org/x/exp/constraints"

// Rect is an integer rectangle with exclusive Right and Bottom edges, the
// convention used for destination frames.
type Rect struct {
	Left, Top, Right, Bottom int
}

func (r Rect) Dx() int { return r.Right - r.Left }
func (r Rect) Dy() int { return r.Bottom - r.Top }

// Empty reports whether r has no area.
func (r Rect) Empty() bool { return r.Left >= r.Right || r.Top >= r.Bottom }

// Intersect returns the overlap of r and s. The boolean is false (and the
// rectangle zero) when the overlap has no area.
func (r Rect) Intersect(s Rect) (Rect, bool) {
	o := Rect{
		Left:   max(r.Left, s.Left),
		Top:    max(r.Top, s.Top),
		Right:  min(r.Right, s.Right),
		Bottom: min(r.Bottom, s.Bottom),
	}
	if o.Empty() {
		return Rect{}, false
	}
	return o, true
}

// Overlaps is shorthand for the boolean result of Intersect.
func (r Rect) Overlaps(s Rect) bool {
	_, ok := r.Intersect(s)
	return ok
}

// FRect is a sub-pixel source crop.
type FRect struct {
	Left, Top, Right, Bottom float64
}

func (f FRect) Dx() float64 { return f.Right - f.Left }
func (f FRect) Dy() float64 { return f.Bottom - f.Top }

// Q32 is a signed 32.32 fixed-point number as consumed by the display
// engine for source crops.
type Q32 int64

const Q32One Q32 = 1 << 32

// ToQ32 converts an integer pixel coordinate.
func ToQ32(v int) Q32 { return Q32(int64(v) << 32) }

// Int truncates q to its integer part.
func (q Q32) Int() int { return int(int64(q) >> 32) }

// Align rounds v up to a multiple of a. a must be a power of two.
func Align[T constraints.Integer](v, a T) T {
	return (v + a - 1) &^ (a - 1)
}

// Clamp limits v to [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Abs returns the absolute value of x.
func Abs[T constraints.Signed | constraints.Float](x T) T {
	if x < 0 {
		return -x
	}
	return x
}
