package sunxihwc

import (
	"fmt"
	"strings"

	"github.com/gokrazy/sunxihwc/internal/assign"
	"github.com/gokrazy/sunxihwc/internal/display"
	"github.com/gokrazy/sunxihwc/internal/dump"
	"github.com/gokrazy/sunxihwc/internal/fence"
	"github.com/gokrazy/sunxihwc/internal/hwclog"
	"github.com/gokrazy/sunxihwc/internal/layer"
	"github.com/gokrazy/sunxihwc/internal/sunxi"
	"github.com/gokrazy/sunxihwc/internal/uevent"
)

// Prepare decides the composition of every layer of lists, indexed by
// logical display. The Composition of each layer is rewritten: Overlay or
// CursorOverlay for layers the display engine scans out, Framebuffer for
// layers the GPU has to compose into the framebuffer target, which is the
// last layer of each list. Overlays that need the framebuffer below them
// cleared get HintClearFB.
func (d *Device) Prepare(lists []*Display) error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	infos := d.manager.Table.Snapshot()
	e := d.engine
	if d.worker.TakeStopRotate() {
		e.StopRotate = true
	}
	e.RotateDisabled = d.rot.Disabled()
	e.ForceGPU = d.forceGPU.Load()
	d.prepared = e.Prepare(infos, lists)

	if d.pump != nil && d.pump.Debug()&uevent.ShowLayers != 0 {
		log := hwclog.Get()
		for _, a := range d.prepared {
			if a != nil {
				log.Info("layers", "disp", a.Index, "dump", dump.String(d.dumpFrame(), a))
			}
		}
	}
	return nil
}

// hwOf returns the kernel display of logical display i, -1 if it has
// none. The virtual display is produced by the primary's.
func (d *Device) hwOf(i int, infos *[display.Count]*display.Info) int {
	if i >= display.Count {
		return -1
	}
	if a := d.prepared[i]; a != nil {
		return a.Info.HW
	}
	if i == display.Virtual {
		i = display.Primary
	}
	return infos[i].HW
}

// Set commits the decisions of the last Prepare. Acquire fences of all
// layers are consumed. Overlays, cursors and the framebuffer target get a
// release fence and each list a retire fence; a fence left in those fields
// from an earlier frame is closed. A display whose framebuffer target has
// no buffer although the GPU had layers to compose shows its previous
// frame again.
func (d *Device) Set(lists []*Display) error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	log := hwclog.Get()
	seq := d.frameSync.Add(1)
	infos := d.manager.Table.Snapshot()

	var needed [display.HWCount]int
	for i := 0; i < display.HWCount && i < len(lists); i++ {
		if a := d.prepared[i]; a != nil && a.List == lists[i] && a.Info.HW >= 0 && a.Info.HW < display.HWCount {
			needed[a.Info.HW] = a.Planes
		}
	}
	f := d.pool.Acquire(needed, seq)

	var fds [sunxi.SyncSinks]int32
	for i := range fds {
		fds[i] = sunxi.FenceInit
	}
	queued := false
	for i := 0; i < display.HWCount && i < len(lists); i++ {
		list := lists[i]
		hw := d.hwOf(i, &infos)
		if list == nil || len(list.Layers) == 0 || hw < 0 || hw >= display.HWCount {
			continue
		}
		queued = true
		fds[hw] = sunxi.FenceNeed
		a := d.prepared[i]
		if a == nil || a.List != list {
			log.Warn("set without prepare, flipping", "disp", i, "sync", seq)
			f.ForceFlip[hw] = true
			continue
		}
		if a.UsedFB && list.Target().Buffer == nil {
			log.Debug("no framebuffer target, flipping", "disp", i, "hw", hw, "sync", seq)
			f.ForceFlip[hw] = true
			continue
		}
		built := d.builder.Build(a, f.Records[hw])
		f.Records[hw] = built.Records
		if built.Rotate >= 0 && f.RotateDisp < 0 {
			f.RotateDisp, f.RotateIndex = hw, built.Rotate
		}
		f.Cursor[hw] = built.Cursor
	}

	var rel [sunxi.SyncSinks]int
	for i := range rel {
		rel[i] = -1
	}
	if queued {
		if err := d.kernel.FenceFDs(&fds); err != nil {
			log.Error("fetching release fences", "sync", seq, "err", err)
		}
		for i, fd := range fds {
			if fd >= 0 {
				rel[i] = int(fd)
				f.ReleaseFences[i] = fence.DupValid(d.ops, rel[i])
			}
		}
		if hw := infos[display.Primary].HW; hw >= 0 {
			f.First = hw
		}
		if len(lists) > display.Virtual {
			if v := d.prepared[display.Virtual]; v != nil && v.Mirror && v.List == lists[display.Virtual] {
				f.SameDisplay = true
				f.WritebackFence = fence.DupValid(d.ops, v.List.OutBufAcquireFence)
			}
		}
		d.pool.Submit(f)
	} else {
		d.pool.Release(f)
	}

	if len(lists) > display.External && assign.SameBuffers(lists[display.Primary], lists[display.External]) {
		d.mergeFences(&rel, seq)
	}
	d.distribute(lists, &infos, &rel)
	for _, fd := range rel {
		fence.CloseValid(d.ops, fd)
	}
	return nil
}

// mergeFences replaces the release fences of both kernel displays with one
// that signals once both displays let go of the frame.
func (d *Device) mergeFences(rel *[sunxi.SyncSinks]int, seq uint32) {
	if rel[0] < 0 || rel[1] < 0 {
		return
	}
	merged, err := d.ops.Merge(fmt.Sprintf("sunxi_merg_%d", seq), rel[0], rel[1])
	if err != nil {
		hwclog.Get().Warn("merging release fences", "sync", seq, "err", err)
		return
	}
	d.ops.Close(rel[0])
	d.ops.Close(rel[1])
	rel[0] = fence.DupValid(d.ops, merged)
	rel[1] = fence.DupValid(d.ops, merged)
	d.ops.Close(merged)
}

// distribute hands the release fence of each display to its layers.
func (d *Device) distribute(lists []*Display, infos *[display.Count]*display.Info, rel *[sunxi.SyncSinks]int) {
	for i, list := range lists {
		if list == nil {
			continue
		}
		fd := -1
		if hw := d.hwOf(i, infos); hw >= 0 && hw < display.HWCount {
			fd = rel[hw]
		}
		for _, l := range list.Layers {
			l.AcquireFence = fence.CloseValid(d.ops, l.AcquireFence)
			l.ReleaseFence = fence.CloseValid(d.ops, l.ReleaseFence)
			switch l.Composition {
			case layer.Overlay, layer.FramebufferTarget, layer.CursorOverlay:
				l.ReleaseFence = fence.DupValid(d.ops, fd)
			}
		}
		list.RetireFence = fence.CloseValid(d.ops, list.RetireFence)
		list.RetireFence = fence.DupValid(d.ops, fd)
		if i == display.Virtual {
			list.OutBufAcquireFence = fence.CloseValid(d.ops, list.OutBufAcquireFence)
		}
	}
}

func (d *Device) dumpFrame() dump.Frame {
	return dump.Frame{
		Sync:     d.frameSync.Load(),
		ForceGPU: d.forceGPU.Load(),
		Pool:     d.pool.Stats(),
		MemLimit: d.engine.MemLimit,
		Mem:      d.engine.Mem(),
	}
}

// Dump describes the last prepared frame of every display.
func (d *Device) Dump() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var sb strings.Builder
	f := d.dumpFrame()
	for _, a := range d.prepared {
		if a == nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		dump.Write(&sb, f, a)
	}
	return sb.String()
}

// Prepared returns the assignment of logical display disp made by the last
// Prepare, nil if the display was skipped.
func (d *Device) Prepared(disp int) *assign.Display {
	if disp < 0 || disp >= display.Count {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prepared[disp]
}
