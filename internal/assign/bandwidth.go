package assign

import (
	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/geom"
	"github.com/gokrazy/sunxihwc/internal/layer"
)

// cost returns the bytes fetched per frame for an area of the display
// frame, scaled back to source pixels.
func cost(r geom.Rect, wfac, hfac float64, bpp int) int {
	return int(float64(r.Dx()) / wfac * float64(r.Dy()) / hfac * float64(bpp) / 8)
}

// charge books the bandwidth of layer l on channel ch. Areas a layer shares
// with layers already on the channel are fetched once and not charged
// again.
//
// The framebuffer target fails with NoPipe if it does not fit, every other
// layer with NoMem. Pending video layers and the framebuffer target, once
// in use, keep their share of the budget reserved.
func (e *Engine) charge(d *Display, l *layer.Layer, ch int, wfac, hfac float64, isFB, video, stereo bool) Reason {
	c := &d.Channels[ch]
	if isFB {
		mem := d.Info.FBCost
		if e.mem+mem > d.budget {
			return NoPipe
		}
		e.book(d, c, mem)
		return Placed
	}

	info, _ := format.Lookup(l.Buffer.Format)
	frame := l.DisplayFrame
	mem := cost(frame, wfac, hfac, info.BPP)
	if stereo {
		mem *= 2
	}
	pending := d.pendingVideoMem
	if video {
		pending = max(pending-mem, 0)
	}
	if d.unassignedVideo <= 0 {
		pending = 0
		d.pendingVideoMem = 0
	}

	// last keeps the most recent intersection with a channel layer; it
	// becomes the channel's overlap record if the layer is accepted.
	var last geom.Rect
	for _, s := range c.Slots[:c.Count] {
		if s < 0 {
			continue
		}
		r, ok := frame.Intersect(d.List.Layers[s].DisplayFrame)
		last = r
		if ok {
			mem = max(mem-cost(r, wfac, hfac, info.BPP), 0)
		}
	}
	for k := c.Count - 1; k > 0; k-- {
		if r, ok := frame.Intersect(c.overlaps[k-1]); ok {
			mem += cost(r, wfac, hfac, info.BPP)
		}
	}
	if c.Count == 3 {
		r, ok := c.overlaps[1].Intersect(c.overlaps[0])
		c.overlaps[2] = r
		if ok {
			if r2, ok := frame.Intersect(r); ok {
				mem -= cost(r2, wfac, hfac, info.BPP)
			}
		}
	}
	mem = max(mem, 0)

	fb := 0
	if d.UsedFB {
		fb = d.Info.FBCost
	}
	if e.mem+mem+pending+fb > d.budget {
		return NoMem
	}
	if c.Count > 0 {
		c.overlaps[c.Count-1] = last
	}
	if video {
		d.pendingVideoMem = max(d.pendingVideoMem-mem, 0)
	}
	e.book(d, c, mem)
	return Placed
}

func (e *Engine) book(d *Display, c *Channel, mem int) {
	d.thruput += mem
	c.Mem += mem
	e.mem += mem
}
