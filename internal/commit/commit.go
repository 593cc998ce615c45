// Package commit turns the assignment of a display into the layer records
// of the display engine and lays them out as a commit packet.
package commit

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gokrazy/sunxihwc/internal/assign"
	"github.com/gokrazy/sunxihwc/internal/display"
	"github.com/gokrazy/sunxihwc/internal/fence"
	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/geom"
	"github.com/gokrazy/sunxihwc/internal/hwclog"
	"github.com/gokrazy/sunxihwc/internal/layer"
	"github.com/gokrazy/sunxihwc/internal/sunxi"
)

// Record is one built layer together with the fds the commit worker
// consumes for it.
type Record struct {
	Config sunxi.LayerConfig
	// AcquireFence and ShareFD are dups owned by the record.
	AcquireFence int
	ShareFD      int
	NeedSync     bool
	Secure       bool
	Cursor       bool
	Transform    layer.Transform
	// Layer is the index of the input layer.
	Layer int
}

// Reset empties r and marks its fds absent.
func (r *Record) Reset() {
	*r = Record{AcquireFence: -1, ShareFD: -1, Layer: -1}
}

// Built describes what Build produced for one display.
type Built struct {
	Records []Record
	// Rotate and Cursor index the rotating video layer and the cursor in
	// Records, -1 if absent.
	Rotate int
	Cursor int
}

// Builder creates layer records. Plane addresses come from the kernel,
// fds are dup'd through Ops.
type Builder struct {
	Kernel sunxi.Kernel
	Ops    fence.Ops
}

var errNoAddr = errors.New("buffer has no physical address")

// Build appends the records of the placed layers of d to recs[:0] and
// returns them. Layers whose window ends up empty after clipping, or whose
// buffer has no physical address, are dropped. z-orders are dense and the
// cursor is moved on top unless the framebuffer target carries alpha.
func (b *Builder) Build(d *assign.Display, recs []Record) Built {
	log := hwclog.Get()
	out := Built{Records: recs[:0], Rotate: -1, Cursor: -1}
	info := d.Info
	layers := d.List.Layers

	uiUsed := d.UsedChannels - d.VideoChannelsUsed
	videoCh := 0
	uiCh := max(d.VideoChannelsUsed, min(info.VideoChannels, info.Channels-uiUsed))
	z := 0
	for c := 0; c < d.UsedChannels; c++ {
		ch := &d.Channels[c]
		hw := uiCh
		if ch.Video {
			hw = videoCh
		}
		for slot, idx := range ch.Slots {
			if idx < 0 || idx >= len(layers) {
				continue
			}
			l := layers[idx]
			p := &d.Placements[idx]
			if l.Buffer == nil {
				log.Error("placed layer without buffer", "disp", d.Index, "layer", idx)
				continue
			}
			var r Record
			r.Reset()
			r.Layer = idx
			li := &r.Config.Info
			if err := b.planes(l.Buffer, &li.FB); err != nil {
				log.Debug("dropping layer", "disp", d.Index, "layer", idx, "err", err)
				continue
			}
			if p.Is3D {
				li.BTrdOut = 1
				li.OutTrdMode = sunxi.Trd3DOutFP
			}
			if !clip(d, l, p.Video, li) {
				log.Debug("dropping layer", "disp", d.Index, "layer", idx, "err", "empty window")
				continue
			}
			r.AcquireFence = fence.DupValid(b.Ops, l.AcquireFence)
			r.ShareFD = fence.DupValid(b.Ops, l.Buffer.FD)
			r.NeedSync = p.NeedSync
			r.Secure = p.Secure
			r.Cursor = p.Cursor
			r.Transform = l.Transform

			li.Mode = sunxi.LayerModeBuffer
			li.AlphaMode = sunxi.AlphaGlobal
			if l.Blending != layer.BlendNone {
				li.AlphaMode = sunxi.AlphaGlobalPixel
			}
			if l.Blending == layer.BlendPremult {
				li.FB.PreMultiply = 1
			}
			li.Zorder = uint8(z)
			li.AlphaValue = ch.PlaneAlpha
			r.Config.Enable = 1
			r.Config.LayerID = uint32(slot)
			r.Config.Channel = uint32(hw)

			if r.Transform != 0 && p.Video {
				out.Rotate = len(out.Records)
			}
			if r.Cursor {
				out.Cursor = len(out.Records)
			}
			out.Records = append(out.Records, r)
			z++
		}
		if ch.Video {
			videoCh++
		} else {
			uiCh++
		}
	}

	if out.Cursor >= 0 && !d.FBHasAlpha {
		raise(out.Records, out.Cursor)
	}
	return out
}

// raise moves record i to the top of the z-order. The records above it
// move down by one and keep their order.
func raise(recs []Record, i int) {
	z := recs[i].Config.Info.Zorder
	for j := range recs {
		if recs[j].Config.Info.Zorder > z {
			recs[j].Config.Info.Zorder--
		}
	}
	recs[i].Config.Info.Zorder = uint8(len(recs) - 1)
}

// planes fills in format, plane addresses, sizes and alignment of buf.
func (b *Builder) planes(buf *layer.Buffer, fb *sunxi.FBInfo) error {
	fi, ok := format.Lookup(buf.Format)
	if !ok {
		return fmt.Errorf("format %v not supported", buf.Format)
	}
	addr, err := b.Kernel.PhysAddr(buf.FD)
	if err != nil {
		return fmt.Errorf("fd %d: %w", buf.FD, err)
	}
	if addr == 0 {
		return errNoAddr
	}
	fb.Addr[0] = addr
	fb.Format = uint32(fi.Disp)
	stride := geom.Align(buf.Width, fi.Align[0])
	for i := 0; i < fi.Planes; i++ {
		fb.Size[i] = sunxi.Size{
			Width:  uint32(geom.Align(stride/fi.WScale[i], fi.Align[i])),
			Height: uint32(buf.Height / fi.HScale[i]),
		}
		fb.Align[i] = uint32(fi.Align[i])
		if i > 0 {
			prev := fb.Size[i-1]
			fb.Addr[i] = fb.Addr[i-1] + uint64(prev.Width)*uint64(prev.Height)
		}
	}
	if fi.SwapUV {
		fb.Addr[1], fb.Addr[2] = fb.Addr[2], fb.Addr[1]
	}
	if fi.Disp == format.DispYUV420VUVU {
		fb.Addr[1] = geom.Align(fb.Addr[1], 4096)
	}
	fb.Flags = buf.Stereo
	return nil
}

// Materialise lays the records of both kernel displays out as a commit
// packet. Every slot is reset to disabled with its channel and layer id
// set; records are copied to slot channel*4+layer. Records with a slot
// outside the display's array are dropped and reported.
func Materialise(c *sunxi.Commit, built [display.HWCount][]Record) error {
	sizes := [display.HWCount]int{sunxi.PrimarySlots, sunxi.SecondarySlots}
	var errs []error
	for hw := range c.Layers {
		if cap(c.Layers[hw]) >= sizes[hw] {
			c.Layers[hw] = c.Layers[hw][:sizes[hw]]
		} else {
			c.Layers[hw] = make([]sunxi.LayerConfig, sizes[hw])
		}
		slots := c.Layers[hw]
		for i := range slots {
			slots[i] = sunxi.LayerConfig{
				Channel: uint32(i / sunxi.LayersPerChannel),
				LayerID: uint32(i % sunxi.LayersPerChannel),
			}
		}
		for _, r := range built[hw] {
			s := r.Config.Slot()
			if r.Config.LayerID >= sunxi.LayersPerChannel || s >= len(slots) {
				errs = append(errs, fmt.Errorf("disp %d: channel %d layer %d outside %d slots",
					hw, r.Config.Channel, r.Config.LayerID, len(slots)))
				continue
			}
			slots[s] = r.Config
		}
	}
	return errors.Join(errs...)
}

// Parse returns the enabled records of kernel display hw in a packet,
// ordered by z-order.
func Parse(c *sunxi.Commit, hw int) []sunxi.LayerConfig {
	var out []sunxi.LayerConfig
	for _, cfg := range c.Layers[hw] {
		if cfg.Enable != 0 {
			out = append(out, cfg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Info.Zorder < out[j].Info.Zorder
	})
	return out
}
