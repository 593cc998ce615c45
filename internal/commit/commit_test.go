package commit

import (
	"strings"
	"testing"

	"github.com/gokrazy/sunxihwc/internal/assign"
	"github.com/gokrazy/sunxihwc/internal/display"
	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/geom"
	"github.com/gokrazy/sunxihwc/internal/layer"
	"github.com/gokrazy/sunxihwc/internal/sunxi"
	"github.com/gokrazy/sunxihwc/internal/sunxi/sunxitest"
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

type fixture struct {
	k    *sunxitest.Kernel
	b    *Builder
	phys uint64
}

func newFixture() *fixture {
	k := sunxitest.New(1280, 720)
	return &fixture{
		k:    k,
		b:    &Builder{Kernel: k, Ops: k.Fences},
		phys: 0x10000000,
	}
}

// buffer returns a contiguous buffer with a fresh fd at a known address.
func (f *fixture) buffer(fm format.HAL, w, h int) *layer.Buffer {
	fd := f.k.Fences.NewFD("buffer")
	f.k.SetPhys(fd, f.phys)
	f.phys += 0x01000000
	return &layer.Buffer{
		Handle:     uint64(fd),
		FD:         fd,
		Format:     fm,
		Width:      w,
		Height:     h,
		Contiguous: true,
	}
}

func (f *fixture) layer(b *layer.Buffer, frame geom.Rect) *layer.Layer {
	return &layer.Layer{
		Buffer:       b,
		Blending:     layer.BlendNone,
		PlaneAlpha:   0xff,
		SourceCrop:   geom.FRect{Right: float64(b.Width), Bottom: float64(b.Height)},
		DisplayFrame: frame,
		AcquireFence: f.k.Fences.NewFD("acquire"),
		ReleaseFence: -1,
	}
}

func (f *fixture) target(w, h int) *layer.Layer {
	l := f.layer(f.buffer(format.RGBA8888, w, h), geom.Rect{Right: w, Bottom: h})
	l.Composition = layer.FramebufferTarget
	l.Blending = layer.BlendPremult
	return l
}

func prepare(info *display.Info, layers ...*layer.Layer) *assign.Display {
	var infos [display.Count]*display.Info
	infos[display.Primary] = info
	e := assign.NewEngine(display.DefaultMemLimit)
	return e.Prepare(infos, []*layer.Display{{Layers: layers}})[display.Primary]
}

type slot struct {
	layer   int
	channel uint32
	id      uint32
	z       uint8
}

func checkSlots(t *testing.T, got []Record, want ...slot) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i, w := range want {
		r := got[i]
		g := slot{r.Layer, r.Config.Channel, r.Config.LayerID, r.Config.Info.Zorder}
		if g != w {
			t.Errorf("record %d: got %+v, want %+v", i, g, w)
		}
		if r.Config.Enable != 1 {
			t.Errorf("record %d not enabled", i)
		}
	}
}

func TestBuildSharedChannel(t *testing.T) {
	f := newFixture()
	var layers []*layer.Layer
	for i := 0; i < 3; i++ {
		frame := geom.Rect{Left: i * 400, Right: i*400 + 300, Bottom: 200}
		layers = append(layers, f.layer(f.buffer(format.RGBA8888, 300, 200), frame))
	}
	layers = append(layers, f.target(1280, 720))
	d := prepare(panel(1280, 720), layers...)

	built := f.b.Build(d, nil)
	checkSlots(t, built.Records,
		slot{0, 1, 0, 0},
		slot{1, 1, 1, 1},
		slot{2, 1, 2, 2},
	)
	if built.Rotate != -1 || built.Cursor != -1 {
		t.Errorf("Rotate = %d, Cursor = %d, want -1, -1", built.Rotate, built.Cursor)
	}

	r := built.Records[1]
	li := r.Config.Info
	if li.FB.Addr[0] != 0x11000000 {
		t.Errorf("addr = %#x, want %#x", li.FB.Addr[0], 0x11000000)
	}
	if got, want := li.FB.Size[0], (sunxi.Size{Width: 320, Height: 200}); got != want {
		t.Errorf("size = %+v, want %+v", got, want)
	}
	if got, want := li.ScreenWin, (sunxi.Window{X: 400, Width: 300, Height: 200}); got != want {
		t.Errorf("window = %+v, want %+v", got, want)
	}
	if got, want := li.FB.Crop, (sunxi.Rect64{Width: 300 << 32, Height: 200 << 32}); got != want {
		t.Errorf("crop = %+v, want %+v", got, want)
	}
	if li.AlphaMode != sunxi.AlphaGlobal || li.AlphaValue != 0xff || li.FB.PreMultiply != 0 {
		t.Errorf("alpha mode %d value %d premult %d", li.AlphaMode, li.AlphaValue, li.FB.PreMultiply)
	}

	for i, r := range built.Records {
		l := layers[r.Layer]
		if got := f.k.Fences.Origin(r.AcquireFence); got != l.AcquireFence {
			t.Errorf("record %d: acquire fence %d is a dup of %d, want %d", i, r.AcquireFence, got, l.AcquireFence)
		}
		if got := f.k.Fences.Origin(r.ShareFD); got != l.Buffer.FD {
			t.Errorf("record %d: share fd %d is a dup of %d, want %d", i, r.ShareFD, got, l.Buffer.FD)
		}
		if !f.k.Fences.IsOpen(l.AcquireFence) {
			t.Errorf("record %d: caller's acquire fence was closed", i)
		}
	}
}

func TestBuildCursorOnTop(t *testing.T) {
	f := newFixture()
	bg := f.layer(f.buffer(format.RGBX8888, 1280, 720), geom.Rect{Right: 1280, Bottom: 720})
	gpu := f.layer(f.buffer(format.RGBA8888, 100, 100), geom.Rect{Left: 10, Top: 10, Right: 110, Bottom: 110})
	gpu.Buffer.Contiguous = false
	cursor := f.layer(f.buffer(format.RGBA8888, 64, 64), geom.Rect{Left: 500, Top: 300, Right: 564, Bottom: 364})
	cursor.Flags = layer.FlagCursor
	cursor.Blending = layer.BlendPremult
	fb := f.target(1280, 720)
	d := prepare(panel(1280, 720), bg, gpu, cursor, fb)

	if !d.UsedFB || d.FBHasAlpha {
		t.Fatalf("UsedFB = %v, FBHasAlpha = %v, want true, false", d.UsedFB, d.FBHasAlpha)
	}
	built := f.b.Build(d, nil)
	checkSlots(t, built.Records,
		slot{0, 1, 0, 0},
		slot{2, 2, 0, 2},
		slot{3, 3, 0, 1},
	)
	if built.Cursor != 1 {
		t.Errorf("Cursor = %d, want 1", built.Cursor)
	}
	if li := built.Records[1].Config.Info; li.AlphaMode != sunxi.AlphaGlobalPixel || li.FB.PreMultiply != 1 {
		t.Errorf("cursor alpha mode %d premult %d", li.AlphaMode, li.FB.PreMultiply)
	}
}

func TestBuildRotatedVideo(t *testing.T) {
	f := newFixture()
	video := f.layer(f.buffer(format.YCrCb420SP, 640, 360), geom.Rect{Right: 360, Bottom: 640})
	video.Transform = layer.Rot90
	bar := f.layer(f.buffer(format.RGBA8888, 1280, 40), geom.Rect{Right: 1280, Bottom: 40})
	bar.Blending = layer.BlendPremult
	d := prepare(panel(1280, 720), video, bar, f.target(1280, 720))

	built := f.b.Build(d, nil)
	checkSlots(t, built.Records,
		slot{0, 0, 0, 0},
		slot{1, 1, 0, 1},
	)
	if built.Rotate != 0 {
		t.Fatalf("Rotate = %d, want 0", built.Rotate)
	}
	r := built.Records[0]
	if r.Transform != layer.Rot90 {
		t.Errorf("Transform = %v, want %v", r.Transform, layer.Rot90)
	}
	fb := r.Config.Info.FB
	if fb.Format != uint32(format.DispYUV420VUVU) {
		t.Errorf("format = %#x, want %#x", fb.Format, format.DispYUV420VUVU)
	}
	base := uint64(0x10000000)
	if fb.Addr[0] != base || fb.Addr[1] != base+233472 {
		t.Errorf("addrs = %#x, want %#x %#x", fb.Addr[:2], base, base+233472)
	}
	if got, want := fb.Size[1], (sunxi.Size{Width: 320, Height: 180}); got != want {
		t.Errorf("chroma size = %+v, want %+v", got, want)
	}
	if got, want := fb.Crop, (sunxi.Rect64{Width: 360 << 32, Height: 640 << 32}); got != want {
		t.Errorf("crop = %+v, want %+v", got, want)
	}
}

func TestSourceCrop(t *testing.T) {
	for _, tt := range []struct {
		transform layer.Transform
		want      rect64
		w, h      int
	}{
		{0, rect64{10, 20, 60, 50}, 128, 64},
		{layer.FlipV, rect64{10, 14, 60, 44}, 128, 64},
		{layer.FlipH, rect64{68, 20, 118, 50}, 128, 64},
		{layer.Rot180, rect64{68, 14, 118, 44}, 128, 64},
		{layer.Rot90, rect64{14, 10, 44, 60}, 64, 128},
		{layer.Rot270, rect64{20, 68, 50, 118}, 64, 128},
	} {
		l := &layer.Layer{
			Buffer:     &layer.Buffer{Format: format.RGBA8888, Width: 128, Height: 64},
			SourceCrop: geom.FRect{Left: 10, Top: 20, Right: 60, Bottom: 50},
			Transform:  tt.transform,
		}
		got, w, h := sourceCrop(l)
		want := rect64{tt.want.left << 32, tt.want.top << 32, tt.want.right << 32, tt.want.bottom << 32}
		if got != want || w != tt.w || h != tt.h {
			t.Errorf("transform %d: got %v %dx%d, want %v %dx%d", tt.transform, got, w, h, want, tt.w, tt.h)
		}
	}
}

func TestSourceCropRoundsInward(t *testing.T) {
	l := &layer.Layer{
		Buffer:     &layer.Buffer{Format: format.RGBA8888, Width: 128, Height: 64},
		SourceCrop: geom.FRect{Left: 10.5, Top: 20.2, Right: 60.7, Bottom: 50.9},
	}
	got, _, _ := sourceCrop(l)
	if want := (rect64{11 << 32, 21 << 32, 60 << 32, 50 << 32}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPlanes(t *testing.T) {
	f := newFixture()
	buf := f.buffer(format.YV12, 100, 50)
	var fb sunxi.FBInfo
	if err := f.b.planes(buf, &fb); err != nil {
		t.Fatal(err)
	}
	a := uint64(0x10000000)
	if got, want := fb.Addr, [3]uint64{a, a + 7000, a + 5600}; got != want {
		t.Errorf("addrs = %#x, want %#x", got, want)
	}
	want := [3]sunxi.Size{{Width: 112, Height: 50}, {Width: 56, Height: 25}, {Width: 56, Height: 25}}
	if fb.Size != want {
		t.Errorf("sizes = %v, want %v", fb.Size, want)
	}
	if fb.Align != [3]uint32{16, 8, 8} {
		t.Errorf("align = %v", fb.Align)
	}
	if fb.Format != uint32(format.DispYUV420P) {
		t.Errorf("format = %#x", fb.Format)
	}

	buf.FD = f.k.Fences.NewFD("unknown buffer")
	if err := f.b.planes(buf, &fb); err == nil {
		t.Errorf("planes of a buffer without address succeeded")
	}
}

func TestClipScaledOffscreen(t *testing.T) {
	info := panel(1280, 720)
	d := &assign.Display{Info: info, WScale: 1, HScale: 1}
	l := &layer.Layer{
		Buffer:       &layer.Buffer{Format: format.RGBA8888, Width: 128, Height: 100},
		SourceCrop:   geom.FRect{Right: 100, Bottom: 100},
		DisplayFrame: geom.Rect{Left: -50, Right: 150, Bottom: 200},
	}
	var li sunxi.LayerInfo
	if !clip(d, l, false, &li) {
		t.Fatal("layer dropped")
	}
	if got, want := li.ScreenWin, (sunxi.Window{Width: 150, Height: 200}); got != want {
		t.Errorf("window = %+v, want %+v", got, want)
	}
	if got, want := li.FB.Crop, (sunxi.Rect64{X: 25 << 32, Width: 75 << 32, Height: 100 << 32}); got != want {
		t.Errorf("crop = %+v, want %+v", got, want)
	}
}

func TestClipOverscan(t *testing.T) {
	info := panel(1920, 1080)
	info.Type = sunxi.OutputHDMI
	info.PersentW, info.PersentH = 90, 90
	d := &assign.Display{Info: info, WScale: 0.9, HScale: 0.9}
	l := &layer.Layer{
		Buffer:       &layer.Buffer{Format: format.RGBA8888, Width: 1920, Height: 1080},
		SourceCrop:   geom.FRect{Right: 1920, Bottom: 1080},
		DisplayFrame: geom.Rect{Right: 1920, Bottom: 1080},
	}
	var li sunxi.LayerInfo
	if !clip(d, l, false, &li) {
		t.Fatal("layer dropped")
	}
	if got, want := li.ScreenWin, (sunxi.Window{X: 96, Y: 54, Width: 1728, Height: 972}); got != want {
		t.Errorf("window = %+v, want %+v", got, want)
	}
	if got, want := li.FB.Crop, (sunxi.Rect64{Width: 1920 << 32, Height: 1080 << 32}); got != want {
		t.Errorf("crop = %+v, want %+v", got, want)
	}
}

func TestClipDropsInvisible(t *testing.T) {
	info := panel(1920, 1080)
	info.VarWidth, info.VarHeight = 1280, 720
	d := &assign.Display{Info: info, WScale: 1280.0 / 1920, HScale: 720.0 / 1080}
	l := &layer.Layer{
		Buffer:       &layer.Buffer{Format: format.RGBA8888, Width: 64, Height: 64},
		SourceCrop:   geom.FRect{Right: 64, Bottom: 64},
		DisplayFrame: geom.Rect{Left: 2000, Right: 2064, Bottom: 64},
	}
	var li sunxi.LayerInfo
	if clip(d, l, false, &li) {
		t.Errorf("layer right of the screen kept: %+v", li.ScreenWin)
	}
	l.DisplayFrame = geom.Rect{Left: 10, Top: 10, Right: 10, Bottom: 20}
	if clip(d, l, false, &li) {
		t.Errorf("empty frame kept")
	}
}

func TestClip3D(t *testing.T) {
	info := panel(1280, 720)
	info.Mode3D = format.LeftRight3D
	d := &assign.Display{Info: info, WScale: 1, HScale: 1}
	l := &layer.Layer{
		Buffer:       &layer.Buffer{Format: format.YV12, Width: 1920, Height: 1080},
		SourceCrop:   geom.FRect{Right: 1920, Bottom: 1080},
		DisplayFrame: geom.Rect{Right: 960, Bottom: 540},
	}
	li := sunxi.LayerInfo{BTrdOut: 1}
	if !clip(d, l, true, &li) {
		t.Fatal("layer dropped")
	}
	if got, want := li.ScreenWin, (sunxi.Window{Width: 1920, Height: 1080}); got != want {
		t.Errorf("window = %+v, want %+v", got, want)
	}
	if li.FB.Flags != sunxi.BufStereoSSH {
		t.Errorf("flags = %d, want %d", li.FB.Flags, sunxi.BufStereoSSH)
	}
}

func TestMaterialiseAndParse(t *testing.T) {
	f := newFixture()
	var layers []*layer.Layer
	for i := 0; i < 3; i++ {
		frame := geom.Rect{Left: i * 400, Right: i*400 + 300, Bottom: 200}
		layers = append(layers, f.layer(f.buffer(format.RGBA8888, 300, 200), frame))
	}
	layers = append(layers, f.target(1280, 720))
	d := prepare(panel(1280, 720), layers...)
	built := f.b.Build(d, nil)

	var bad Record
	bad.Reset()
	bad.Config.Enable = 1
	bad.Config.Channel = 2

	var c sunxi.Commit
	err := Materialise(&c, [display.HWCount][]Record{built.Records, {bad}})
	if err == nil || !strings.Contains(err.Error(), "disp 1") {
		t.Errorf("Materialise error = %v, want a slot error for disp 1", err)
	}
	if len(c.Layers[0]) != sunxi.PrimarySlots || len(c.Layers[1]) != sunxi.SecondarySlots {
		t.Fatalf("slot arrays of %d and %d records", len(c.Layers[0]), len(c.Layers[1]))
	}
	for hw, slots := range c.Layers {
		for i, cfg := range slots {
			if cfg.Channel != uint32(i/4) || cfg.LayerID != uint32(i%4) {
				t.Errorf("disp %d slot %d: channel %d layer %d", hw, i, cfg.Channel, cfg.LayerID)
			}
		}
	}
	if got := Parse(&c, 1); len(got) != 0 {
		t.Errorf("disp 1 has %d enabled records, want 0", len(got))
	}

	parsed := Parse(&c, 0)
	var placed []int
	for i, p := range d.Placements {
		if p.Placed() {
			placed = append(placed, i)
		}
	}
	if len(parsed) != len(placed) {
		t.Fatalf("parsed %d records, want %d", len(parsed), len(placed))
	}
	for i, cfg := range parsed {
		l := layers[placed[i]]
		addr, _ := f.k.PhysAddr(l.Buffer.FD)
		if cfg.Info.FB.Addr[0] != addr {
			t.Errorf("z %d: addr %#x, want layer %d at %#x", i, cfg.Info.FB.Addr[0], placed[i], addr)
		}
		if int(cfg.Info.Zorder) != d.Placements[placed[i]].Z {
			t.Errorf("z %d: layer %d has placement z %d", i, placed[i], d.Placements[placed[i]].Z)
		}
	}

	// Reusing the packet clears what the previous frame enabled.
	if err := Materialise(&c, [display.HWCount][]Record{}); err != nil {
		t.Fatal(err)
	}
	if got := Parse(&c, 0); len(got) != 0 {
		t.Errorf("%d records left enabled", len(got))
	}
}

func TestClipWideCrop(t *testing.T) {
	// A 8192 px crop shown on a window ending half a pixel past 4096.
	const px = int64(1) << 32
	pos, size, start, crop := axis(0, 4096*px+px/2, 0, 8192*px, false, true)
	if pos != 0 || size != 4096 {
		t.Errorf("screen = %d+%d, want 0+4096", pos, size)
	}
	if start != 0 {
		t.Errorf("crop start = %#x, want 0", start)
	}
	if crop <= 8190*px || crop >= 8192*px {
		t.Errorf("crop size = %.3f px, want about 8191", float64(crop)/float64(px))
	}
}

func TestRatio18(t *testing.T) {
	const px = int64(1) << 32
	for _, tt := range []struct {
		src, dst int64
		want     float64
	}{
		{1920 * px, 1920 * px, 1 << 18},
		{1280 * px, 1920 * px, (1280 << 18) / 1920},
		{16384 * px, 4096 * px, 4 << 18},
		{0, 1920 * px, 0},
		{1920 * px, 0, 0},
	} {
		if got := ratio18(tt.src, tt.dst); got != tt.want {
			t.Errorf("ratio18(%d px, %d px) = %v, want %v", tt.src/px, tt.dst/px, got, tt.want)
		}
	}
}
