package assign

import "github.com/gokrazy/sunxihwc/internal/layer"

// sameContent reports whether cmp shows the same buffers as pri and
// returns the rotation that maps the primary's output onto cmp. The
// rotation is taken from the topmost layer that decides it: a layer the
// GPU composes on the primary is upright in the framebuffer target, so a
// quarter turn of the primary has to be undone; a plane keeps cmp's
// transform. A half turn of the primary cannot be written back.
func sameContent(pri, cmp *layer.Display) (layer.Transform, bool) {
	if pri == nil || cmp == nil || len(pri.Layers) != len(cmp.Layers) {
		return 0, false
	}
	rotate := layer.Transform(0)
	known := false
	sure := false
	for i := len(cmp.Layers) - 2; i >= 0; i-- {
		p, c := pri.Layers[i], cmp.Layers[i]
		if handle(p) != handle(c) {
			return 0, false
		}
		if known && sure {
			continue
		}
		switch p.Composition {
		case layer.Framebuffer:
			sure = true
			known = true
			switch p.Transform {
			case 0:
				rotate = c.Transform
			case layer.Rot90:
				rotate = layer.Rot270
			case layer.Rot270:
				rotate = layer.Rot90
			case layer.Rot180:
				sure = false
				known = false
			default:
				known = false
			}
		case layer.Overlay:
			sure = true
			known = true
			rotate = c.Transform
		default:
			known = false
		}
	}
	return rotate, known
}

func handle(l *layer.Layer) uint64 {
	if l.Buffer == nil {
		return 0
	}
	return l.Buffer.Handle
}

// prepareVirtual decides the virtual display. When it mirrors the primary
// and a needed rotation fits the budget, every layer is marked as a plane
// and the frame is produced by writeback; otherwise the GPU composes it.
func (e *Engine) prepareVirtual(d *Display, primary *layer.Display) {
	tr, same := sameContent(primary, d.List)
	if same && (tr == 0 || e.rotated < e.RotateLimit) {
		if tr != 0 {
			e.rotated++
			d.Rotating++
		}
		d.Mirror = true
		d.MirrorTransform = tr
		e.resetLayers(d, layer.Overlay)
		return
	}
	e.resetLayers(d, layer.Framebuffer)
}

// SameBuffers reports whether cmp lists the same buffers as pri, ignoring
// the framebuffer targets.
func SameBuffers(pri, cmp *layer.Display) bool {
	if pri == nil || cmp == nil || len(pri.Layers) != len(cmp.Layers) {
		return false
	}
	for i := 0; i < len(cmp.Layers)-1; i++ {
		if handle(pri.Layers[i]) != handle(cmp.Layers[i]) {
			return false
		}
	}
	return true
}
