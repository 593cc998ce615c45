package assign

import (
	"reflect"
	"testing"

	"github.com/gokrazy/sunxihwc/internal/display"
	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/geom"
	"github.com/gokrazy/sunxihwc/internal/layer"
	"github.com/gokrazy/sunxihwc/internal/sunxi"
)

func panel(w, h int) *display.Info {
	return &display.Info{
		HW:               0,
		Active:           true,
		Type:             sunxi.OutputLCD,
		InitWidth:        w,
		InitHeight:       h,
		VarWidth:         w,
		VarHeight:        h,
		VsyncPeriod:      1000000000 / 60,
		PersentW:         100,
		PersentH:         100,
		Channels:         display.PrimaryChannels,
		LayersPerChannel: display.LayersPerChannel,
		VideoChannels:    display.VideoChannels,
		FBCost:           w * h * 4,
	}
}

var lastHandle uint64

func newBuffer(f format.HAL, w, h int) *layer.Buffer {
	lastHandle++
	return &layer.Buffer{
		Handle:     lastHandle,
		FD:         -1,
		Format:     f,
		Width:      w,
		Height:     h,
		Contiguous: true,
	}
}

// opaque returns a layer showing all of b in frame.
func opaque(b *layer.Buffer, frame geom.Rect) *layer.Layer {
	return &layer.Layer{
		Buffer:       b,
		Blending:     layer.BlendNone,
		PlaneAlpha:   0xff,
		SourceCrop:   geom.FRect{Right: float64(b.Width), Bottom: float64(b.Height)},
		DisplayFrame: frame,
		AcquireFence: -1,
		ReleaseFence: -1,
	}
}

func blended(b *layer.Buffer, frame geom.Rect) *layer.Layer {
	l := opaque(b, frame)
	l.Blending = layer.BlendPremult
	return l
}

func target(w, h int) *layer.Layer {
	return &layer.Layer{
		Composition:  layer.FramebufferTarget,
		Blending:     layer.BlendPremult,
		PlaneAlpha:   0xff,
		SourceCrop:   geom.FRect{Right: float64(w), Bottom: float64(h)},
		DisplayFrame: geom.Rect{Right: w, Bottom: h},
		AcquireFence: -1,
		ReleaseFence: -1,
	}
}

func prepare(e *Engine, info *display.Info, layers ...*layer.Layer) *Display {
	var infos [display.Count]*display.Info
	infos[display.Primary] = info
	out := e.Prepare(infos, []*layer.Display{{Layers: layers}})
	return out[display.Primary]
}

type want struct {
	decision Decision
	reason   Reason
	channel  int
	z        int
}

func checkPlacements(t *testing.T, d *Display, wants ...want) {
	t.Helper()
	if len(d.Placements) != len(wants) {
		t.Fatalf("got %d placements, want %d", len(d.Placements), len(wants))
	}
	for i, w := range wants {
		p := d.Placements[i]
		if p.Decision != w.decision || p.Reason != w.reason || p.Channel != w.channel || p.Z != w.z {
			t.Errorf("layer %d: got %v/%v channel %d z %d, want %v/%v channel %d z %d",
				i, p.Decision, p.Reason, p.Channel, p.Z, w.decision, w.reason, w.channel, w.z)
		}
	}
}

func fullScreen(w, h int) geom.Rect { return geom.Rect{Right: w, Bottom: h} }

func TestSingleLayerOverlay(t *testing.T) {
	e := NewEngine(display.DefaultMemLimit)
	info := panel(1280, 720)
	bg := opaque(newBuffer(format.RGBX8888, 1280, 720), fullScreen(1280, 720))
	fb := target(1280, 720)
	d := prepare(e, info, bg, fb)

	checkPlacements(t, d,
		want{Overlay, Placed, 0, 0},
		want{Unassigned, Placed, -1, -1},
	)
	if bg.Composition != layer.Overlay {
		t.Errorf("composition = %v, want %v", bg.Composition, layer.Overlay)
	}
	if fb.Composition != layer.FramebufferTarget {
		t.Errorf("target composition = %v", fb.Composition)
	}
	if d.UsedFB {
		t.Errorf("framebuffer target in use without GPU layers")
	}
	if got, want := d.Thruput(), 1280*720*4; got != want {
		t.Errorf("Thruput = %d, want %d", got, want)
	}
	if e.Mem() != d.Thruput() {
		t.Errorf("engine mem %d != display mem %d", e.Mem(), d.Thruput())
	}
}

func TestOnlyTarget(t *testing.T) {
	e := NewEngine(display.DefaultMemLimit)
	d := prepare(e, panel(800, 480), target(800, 480))
	checkPlacements(t, d, want{Overlay, Placed, 0, 0})
	if !d.UsedFB || !d.Channels[0].FB {
		t.Errorf("target not placed as framebuffer channel: UsedFB=%v", d.UsedFB)
	}
}

func TestOpaqueLayersShareChannel(t *testing.T) {
	e := NewEngine(display.DefaultMemLimit)
	d := prepare(e, panel(1280, 720),
		opaque(newBuffer(format.RGBX8888, 1280, 720), fullScreen(1280, 720)),
		opaque(newBuffer(format.RGBX8888, 1280, 720), fullScreen(1280, 720)),
		target(1280, 720))

	checkPlacements(t, d,
		want{Overlay, Placed, 0, 0},
		want{Overlay, Placed, 0, 1},
		want{Unassigned, Placed, -1, -1},
	)
	// The second layer covers the first exactly and is fetched once.
	if got, want := d.Thruput(), 1280*720*4; got != want {
		t.Errorf("Thruput = %d, want %d", got, want)
	}
}

func TestBlendedLayerOpensChannel(t *testing.T) {
	e := NewEngine(display.DefaultMemLimit)
	bottom := blended(newBuffer(format.RGBA8888, 1280, 720), fullScreen(1280, 720))
	d := prepare(e, panel(1280, 720),
		bottom,
		blended(newBuffer(format.RGBA8888, 1280, 720), fullScreen(1280, 720)),
		target(1280, 720))

	checkPlacements(t, d,
		want{Overlay, Placed, 0, 0},
		want{Overlay, Placed, 1, 1},
		want{Unassigned, Placed, -1, -1},
	)
	if bottom.Blending != layer.BlendNone {
		t.Errorf("bottom layer blending = %#x, want none", bottom.Blending)
	}
}

func TestVideoAndUI(t *testing.T) {
	e := NewEngine(display.DefaultMemLimit)
	video := opaque(newBuffer(format.YCrCb420SP, 1920, 1080), fullScreen(1920, 1080))
	ui := blended(newBuffer(format.RGBA8888, 400, 100), geom.Rect{Left: 100, Top: 900, Right: 500, Bottom: 1000})
	d := prepare(e, panel(1920, 1080), video, ui, target(1920, 1080))

	checkPlacements(t, d,
		want{Overlay, Placed, 0, 0},
		want{Overlay, Placed, 1, 1},
		want{Unassigned, Placed, -1, -1},
	)
	if !d.Placements[0].Video || !d.Channels[0].Video {
		t.Errorf("video layer not on a video channel")
	}
	if d.VideoChannelsUsed != 1 || d.UsedChannels != 2 {
		t.Errorf("channels: video %d, total %d; want 1, 2", d.VideoChannelsUsed, d.UsedChannels)
	}
}

func TestSecondVideoFormatGoesToGPU(t *testing.T) {
	e := NewEngine(display.DefaultMemLimit)
	d := prepare(e, panel(1920, 1080),
		opaque(newBuffer(format.YCrCb420SP, 640, 480), geom.Rect{Right: 640, Bottom: 480}),
		opaque(newBuffer(format.YV12, 640, 480), geom.Rect{Left: 1000, Right: 1640, Bottom: 480}),
		target(1920, 1080))

	checkPlacements(t, d,
		want{Overlay, Placed, 0, 0},
		want{GPU, NoPipe, -1, -1},
		want{Overlay, Placed, 1, 1},
	)
}

func TestCrossFB(t *testing.T) {
	e := NewEngine(display.DefaultMemLimit)
	sw := opaque(newBuffer(format.RGBX8888, 1280, 720), fullScreen(1280, 720))
	sw.Buffer.Contiguous = false
	alpha := blended(newBuffer(format.RGBA8888, 200, 200), geom.Rect{Left: 100, Top: 100, Right: 300, Bottom: 300})
	solid := opaque(newBuffer(format.RGBX8888, 200, 200), geom.Rect{Left: 500, Top: 100, Right: 700, Bottom: 300})
	fb := target(1280, 720)
	d := prepare(e, panel(1280, 720), sw, alpha, solid, fb)

	checkPlacements(t, d,
		want{GPU, ContigMem, -1, -1},
		want{GPU, CrossFB, -1, -1},
		want{Overlay, Placed, 0, 0},
		want{Overlay, Placed, 1, 1},
	)
	if solid.Hints&layer.HintClearFB == 0 {
		t.Errorf("opaque overlay above a GPU layer lacks the clear-FB hint")
	}
	if alpha.Composition != layer.Framebuffer {
		t.Errorf("composition = %v, want %v", alpha.Composition, layer.Framebuffer)
	}
}

func TestBandwidthReassign(t *testing.T) {
	e := NewEngine(5000000)
	d := prepare(e, panel(1280, 720),
		opaque(newBuffer(format.RGBX8888, 1280, 720), fullScreen(1280, 720)),
		blended(newBuffer(format.RGBA8888, 1280, 720), fullScreen(1280, 720)),
		target(1280, 720))

	checkPlacements(t, d,
		want{GPU, NoMem, -1, -1},
		want{GPU, CrossFB, -1, -1},
		want{Overlay, Placed, 0, 0},
	)
	if d.Thruput() > d.Budget() {
		t.Errorf("Thruput %d over budget %d", d.Thruput(), d.Budget())
	}
}

func TestChannelsExhausted(t *testing.T) {
	e := NewEngine(display.DefaultMemLimit)
	info := panel(1280, 720)
	info.Channels = display.SecondaryChannels
	d := prepare(e, info,
		blended(newBuffer(format.RGBA8888, 1280, 720), fullScreen(1280, 720)),
		blended(newBuffer(format.RGBA8888, 640, 360), geom.Rect{Right: 640, Bottom: 360}),
		blended(newBuffer(format.RGBA8888, 640, 360), geom.Rect{Left: 320, Right: 960, Bottom: 360}),
		target(1280, 720))

	checkPlacements(t, d,
		want{Overlay, Placed, 0, 0},
		want{GPU, NoPipe, -1, -1},
		want{GPU, CrossFB, -1, -1},
		want{Overlay, Placed, 1, 1},
	)
}

func TestForceGPUCollapses(t *testing.T) {
	e := NewEngine(display.DefaultMemLimit)
	e.ForceGPU = true
	a := opaque(newBuffer(format.RGBX8888, 1280, 720), fullScreen(1280, 720))
	b := blended(newBuffer(format.RGBA8888, 1280, 720), fullScreen(1280, 720))
	d := prepare(e, panel(1280, 720), a, b, target(1280, 720))

	checkPlacements(t, d,
		want{GPU, Forced, -1, -1},
		want{GPU, Forced, -1, -1},
		want{Overlay, Placed, 0, 0},
	)
	if a.Composition != layer.Framebuffer || b.Composition != layer.Framebuffer {
		t.Errorf("compositions = %v, %v; want GLES", a.Composition, b.Composition)
	}
	if got, want := e.Mem(), 1280*720*4; got != want {
		t.Errorf("Mem = %d, want %d", got, want)
	}
}

func TestForceGPUKeepsCheapScreen(t *testing.T) {
	e := NewEngine(display.DefaultMemLimit)
	e.ForceGPU = true
	d := prepare(e, panel(1280, 720),
		opaque(newBuffer(format.RGBX8888, 100, 100), geom.Rect{Right: 100, Bottom: 100}),
		target(1280, 720))
	checkPlacements(t, d,
		want{Overlay, Placed, 0, 0},
		want{Unassigned, Placed, -1, -1},
	)
}

func TestCursor(t *testing.T) {
	e := NewEngine(display.DefaultMemLimit)
	cur := blended(newBuffer(format.BGRA8888, 32, 32), geom.Rect{Left: 100, Top: 100, Right: 132, Bottom: 132})
	cur.Flags |= layer.FlagCursor
	d := prepare(e, panel(1280, 720),
		opaque(newBuffer(format.RGBX8888, 1280, 720), fullScreen(1280, 720)),
		cur,
		target(1280, 720))

	checkPlacements(t, d,
		want{Overlay, Placed, 0, 0},
		want{Cursor, Placed, 1, 1},
		want{Unassigned, Placed, -1, -1},
	)
	if cur.Composition != layer.CursorOverlay {
		t.Errorf("composition = %v, want %v", cur.Composition, layer.CursorOverlay)
	}
	if !e.HasCursor || !d.Placements[1].Cursor {
		t.Errorf("cursor not recorded")
	}
	// Cursors cost no bandwidth.
	if got, want := d.Thruput(), 1280*720*4; got != want {
		t.Errorf("Thruput = %d, want %d", got, want)
	}
}

func TestCursorMustBeBelowTarget(t *testing.T) {
	e := NewEngine(display.DefaultMemLimit)
	cur := blended(newBuffer(format.BGRA8888, 32, 32), geom.Rect{Left: 100, Top: 100, Right: 132, Bottom: 132})
	cur.Flags |= layer.FlagCursor
	d := prepare(e, panel(1280, 720),
		cur,
		opaque(newBuffer(format.RGBX8888, 100, 100), geom.Rect{Left: 600, Right: 700, Bottom: 100}),
		target(1280, 720))
	if d.Placements[0].Decision != Overlay {
		t.Errorf("layer 0: got %v, want %v", d.Placements[0].Decision, Overlay)
	}
}

func TestRejections(t *testing.T) {
	for _, tt := range []struct {
		name   string
		modify func(*layer.Layer)
		secure bool
		want   Decision
		reason Reason
	}{
		{"skip", func(l *layer.Layer) { l.Flags |= layer.FlagSkip }, false, GPU, SkipLayer},
		{"null buffer", func(l *layer.Layer) { l.Buffer = nil }, false, GPU, NullBuf},
		{"unknown format", func(l *layer.Layer) { l.Buffer.Format = 0x7777 }, false, GPU, NoFormat},
		{"background", func(l *layer.Layer) { l.Composition = layer.Background }, false, GPU, Background},
		{"rotated ui", func(l *layer.Layer) { l.Transform = layer.Rot90 }, false, GPU, Transform},
		{"stop hwc", func(l *layer.Layer) { l.Buffer.Usage |= layer.UsageStopHWC }, false, GPU, StopHWC},
		{"protected", func(l *layer.Layer) { l.Buffer.Usage |= layer.UsageProtected }, false, GPU, VideoProtected},
		{"protected on secure sink", func(l *layer.Layer) { l.Buffer.Usage |= layer.UsageProtected }, true, Overlay, Placed},
		{"blended yuv", func(l *layer.Layer) {
			l.Buffer.Format = format.YV12
			l.Blending = layer.BlendCoverage
		}, false, GPU, Alpha},
		{"ui downscale", func(l *layer.Layer) { l.DisplayFrame = geom.Rect{Left: 200, Right: 400, Bottom: 100} }, false, GPU, ScaleOut},
		{"ui upscale", func(l *layer.Layer) { l.DisplayFrame = geom.Rect{Left: 200, Right: 1000, Bottom: 400} }, false, Overlay, Placed},
		{"ui upscale beyond 16", func(l *layer.Layer) {
			l.SourceCrop = geom.FRect{Right: 10, Bottom: 10}
			l.DisplayFrame = geom.Rect{Left: 200, Right: 400, Bottom: 200}
		}, false, GPU, ScaleOut},
	} {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(display.DefaultMemLimit)
			info := panel(1280, 720)
			info.Secure = tt.secure
			// A layer below keeps the candidate off index 0, where
			// blending is dropped.
			below := opaque(newBuffer(format.RGBX8888, 100, 100), geom.Rect{Left: 1000, Right: 1100, Bottom: 100})
			l := opaque(newBuffer(format.RGBX8888, 400, 200), geom.Rect{Left: 200, Right: 600, Bottom: 200})
			tt.modify(l)
			d := prepare(e, info, below, l, target(1280, 720))
			p := d.Placements[1]
			if p.Decision != tt.want || p.Reason != tt.reason {
				t.Fatalf("got %v/%v, want %v/%v", p.Decision, p.Reason, tt.want, tt.reason)
			}
			if tt.want == GPU && !d.UsedFB {
				t.Errorf("GPU layer without framebuffer target")
			}
			if tt.secure && !p.Secure {
				t.Errorf("secure layer not marked")
			}
		})
	}
}

func TestVideoScaling(t *testing.T) {
	for _, tt := range []struct {
		name  string
		frame geom.Rect
		want  Reason
	}{
		{"upscale", fullScreen(1920, 1080), Placed},
		{"mild downscale", geom.Rect{Right: 800, Bottom: 450}, Placed},
		{"quarter", geom.Rect{Right: 480, Bottom: 270}, ScaleOut},
	} {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(display.DefaultMemLimit)
			b := newBuffer(format.AWNV12, 960, 540)
			if tt.want == ScaleOut || tt.name == "mild downscale" {
				b = newBuffer(format.AWNV12, 1920, 1080)
			}
			d := prepare(e, panel(1920, 1080), opaque(b, tt.frame), target(1920, 1080))
			if got := d.Placements[0].Reason; got != tt.want {
				t.Fatalf("reason = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRotationBudget(t *testing.T) {
	e := NewEngine(display.DefaultMemLimit)
	first := opaque(newBuffer(format.YCrCb420SP, 320, 240), geom.Rect{Right: 240, Bottom: 320})
	first.Transform = layer.Rot90
	second := opaque(newBuffer(format.YCrCb420SP, 320, 240), geom.Rect{Left: 400, Right: 640, Bottom: 320})
	second.Transform = layer.Rot90
	d := prepare(e, panel(1280, 720), first, second, target(1280, 720))

	if p := d.Placements[0]; p.Decision != Overlay {
		t.Fatalf("first rotated video: %v/%v, want overlay", p.Decision, p.Reason)
	}
	if p := d.Placements[1]; p.Decision != GPU || p.Reason != Transform {
		t.Fatalf("second rotated video: %v/%v, want GPU/Transform", p.Decision, p.Reason)
	}
	if d.Rotating != 1 {
		t.Errorf("Rotating = %d, want 1", d.Rotating)
	}

	e.RotateDisabled = true
	d = prepare(e, panel(1280, 720), first, target(1280, 720))
	if p := d.Placements[0]; p.Decision != GPU || p.Reason != Transform {
		t.Fatalf("with rotation disabled: %v/%v, want GPU/Transform", p.Decision, p.Reason)
	}
}

func TestBudgets(t *testing.T) {
	e := NewEngine(display.DefaultMemLimit)
	ext := panel(1920, 1080)
	ext.HW = 1
	ext.Type = sunxi.OutputHDMI
	infos := [display.Count]*display.Info{panel(1280, 720), ext, nil}
	out := e.Prepare(infos, []*layer.Display{
		{Layers: []*layer.Layer{target(1280, 720)}},
		{Layers: []*layer.Layer{target(1920, 1080)}},
	})
	if got, want := out[0].Budget(), display.DefaultMemLimit-1920*1080*4; got != want {
		t.Errorf("primary budget = %d, want %d", got, want)
	}
	if got, want := out[1].Budget(), display.DefaultMemLimit; got != want {
		t.Errorf("external budget = %d, want %d", got, want)
	}
	if got, want := e.Mem(), 1280*720*4+1920*1080*4; got != want {
		t.Errorf("Mem = %d, want %d", got, want)
	}
}

func TestVirtualMirror(t *testing.T) {
	shared := newBuffer(format.RGBX8888, 1280, 720)
	for _, tt := range []struct {
		name      string
		transform layer.Transform
		handle    uint64
		mirror    bool
		rotation  layer.Transform
	}{
		{"same content", 0, shared.Handle, true, 0},
		{"primary rotated", layer.Rot90, shared.Handle, true, layer.Rot270},
		{"primary upside down", layer.Rot180, shared.Handle, false, 0},
		{"other content", 0, shared.Handle + 1000, false, 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(display.DefaultMemLimit)
			pri := opaque(shared, fullScreen(1280, 720))
			pri.Transform = tt.transform
			vb := *shared
			vb.Handle = tt.handle
			virt := opaque(&vb, fullScreen(1280, 720))
			infos := [display.Count]*display.Info{panel(1280, 720), nil, nil}
			out := e.Prepare(infos, []*layer.Display{
				{Layers: []*layer.Layer{pri, target(1280, 720)}},
				nil,
				{Layers: []*layer.Layer{virt, target(1280, 720)}},
			})
			v := out[display.Virtual]
			if v == nil {
				t.Fatalf("virtual display not prepared")
			}
			if v.Mirror != tt.mirror || v.MirrorTransform != tt.rotation {
				t.Fatalf("Mirror = %v/%d, want %v/%d", v.Mirror, v.MirrorTransform, tt.mirror, tt.rotation)
			}
			wantComp := layer.Framebuffer
			if tt.mirror {
				wantComp = layer.Overlay
			}
			if virt.Composition != wantComp {
				t.Errorf("virtual layer composition = %v, want %v", virt.Composition, wantComp)
			}
		})
	}
}

func TestPrepareIsRepeatable(t *testing.T) {
	e := NewEngine(5000000)
	layers := []*layer.Layer{
		opaque(newBuffer(format.YCrCb420SP, 640, 480), geom.Rect{Right: 640, Bottom: 480}),
		blended(newBuffer(format.RGBA8888, 1280, 720), fullScreen(1280, 720)),
		opaque(newBuffer(format.RGBX8888, 100, 100), geom.Rect{Left: 700, Right: 800, Bottom: 100}),
		target(1280, 720),
	}
	first := prepare(e, panel(1280, 720), layers...)
	got := append([]Placement(nil), first.Placements...)
	mem := e.Mem()
	second := prepare(e, panel(1280, 720), layers...)
	if !reflect.DeepEqual(got, second.Placements) {
		t.Fatalf("placements differ between runs:\n%+v\n%+v", got, second.Placements)
	}
	if e.Mem() != mem {
		t.Fatalf("Mem = %d after second run, want %d", e.Mem(), mem)
	}
}
