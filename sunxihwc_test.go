package sunxihwc

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gokrazy/sunxihwc/internal/display"
	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/geom"
	"github.com/gokrazy/sunxihwc/internal/layer"
	"github.com/gokrazy/sunxihwc/internal/sunxi"
	"github.com/gokrazy/sunxihwc/internal/sunxi/sunxitest"
)

type rig struct {
	t    *testing.T
	k    *sunxitest.Kernel
	d    *Device
	phys uint64
	// owned lists the fds the test holds as the window system.
	owned []int
}

func newRig(t *testing.T, setup func(k *sunxitest.Kernel)) *rig {
	t.Helper()
	k := sunxitest.New(1920, 1080)
	if setup != nil {
		setup(k)
	}
	d, err := Open(Config{
		Kernel:        k,
		Fences:        k.Fences,
		SysfsRoot:     t.TempDir(),
		MemLimit:      display.DefaultMemLimit,
		DisableUevent: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	d.manager.UnplugDelay = 0
	r := &rig{t: t, k: k, d: d, phys: 0x80000000}
	t.Cleanup(func() { d.Close() })
	return r
}

func (r *rig) buffer(handle uint64, w, h int) *Buffer {
	fd := r.k.Fences.NewFD("buffer")
	r.k.SetPhys(fd, r.phys)
	r.phys += uint64(w*h*4+4095) &^ 4095
	r.owned = append(r.owned, fd)
	return &Buffer{
		Handle:     handle,
		FD:         fd,
		Format:     format.RGBA8888,
		Width:      w,
		Height:     h,
		Contiguous: true,
	}
}

func (r *rig) layer(b *Buffer, x, y int) *Layer {
	return &Layer{
		Buffer:       b,
		Blending:     layer.BlendNone,
		PlaneAlpha:   0xff,
		SourceCrop:   geom.FRect{Right: float64(b.Width), Bottom: float64(b.Height)},
		DisplayFrame: geom.Rect{Left: x, Top: y, Right: x + b.Width, Bottom: y + b.Height},
		AcquireFence: r.k.Fences.NewFD("acquire"),
		ReleaseFence: -1,
	}
}

func target(w, h int) *Layer {
	return &Layer{
		Composition:  FramebufferTarget,
		Blending:     layer.BlendPremult,
		PlaneAlpha:   0xff,
		SourceCrop:   geom.FRect{Right: float64(w), Bottom: float64(h)},
		DisplayFrame: geom.Rect{Right: w, Bottom: h},
		AcquireFence: -1,
		ReleaseFence: -1,
	}
}

// ui returns three non-overlapping layers over a full-screen target.
func (r *rig) ui() *Display {
	return &Display{
		Layers: []*Layer{
			r.layer(r.buffer(0x10, 400, 300), 0, 0),
			r.layer(r.buffer(0x11, 400, 300), 500, 0),
			r.layer(r.buffer(0x12, 400, 300), 1000, 0),
			target(1920, 1080),
		},
		RetireFence:        -1,
		OutBufAcquireFence: -1,
	}
}

func (r *rig) frame(lists ...*Display) {
	r.t.Helper()
	if err := r.d.Prepare(lists); err != nil {
		r.t.Fatal(err)
	}
	if err := r.d.Set(lists); err != nil {
		r.t.Fatal(err)
	}
}

func (r *rig) waitCommits(n int) []sunxi.Commit {
	r.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		c := r.k.Commits()
		if len(c) >= n {
			return c
		}
		if time.Now().After(deadline) {
			r.t.Fatalf("%d commits after 5s, want %d", len(c), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// takeFences moves the fences Set handed out into owned.
func (r *rig) takeFences(lists ...*Display) {
	for _, l := range lists {
		if l == nil {
			continue
		}
		for _, ly := range l.Layers {
			if ly.ReleaseFence >= 0 {
				r.owned = append(r.owned, ly.ReleaseFence)
				ly.ReleaseFence = -1
			}
		}
		if l.RetireFence >= 0 {
			r.owned = append(r.owned, l.RetireFence)
			l.RetireFence = -1
		}
	}
}

// checkClosed closes the device and the fds owned by the test and expects
// nothing to be left open.
func (r *rig) checkClosed() {
	r.t.Helper()
	if err := r.d.Close(); err != nil {
		r.t.Fatal(err)
	}
	for _, fd := range r.owned {
		r.k.Fences.Close(fd)
	}
	if open := r.k.Fences.Open(); len(open) > 0 {
		for _, fd := range open {
			r.t.Errorf("fd %d (%s) left open", fd, r.k.Fences.Label(fd))
		}
	}
	if errs := r.k.Fences.Errors(); len(errs) > 0 {
		r.t.Errorf("fence misuse: %v", errs)
	}
}

func enabled(cfgs []sunxi.LayerConfig) int {
	n := 0
	for _, c := range cfgs {
		if c.Enable != 0 {
			n++
		}
	}
	return n
}

func TestPrepareSetOverlays(t *testing.T) {
	r := newRig(t, nil)
	pri := r.ui()
	acquires := []int{pri.Layers[0].AcquireFence, pri.Layers[1].AcquireFence, pri.Layers[2].AcquireFence}
	r.frame(pri)

	for i, l := range pri.Layers[:3] {
		if l.Composition != Overlay {
			t.Errorf("layer %d composition = %v, want HWC", i, l.Composition)
		}
		if l.AcquireFence != -1 {
			t.Errorf("layer %d acquire fence not consumed", i)
		}
		if l.ReleaseFence < 0 {
			t.Errorf("layer %d has no release fence", i)
		}
	}
	if a := r.d.Prepared(Primary); a == nil || a.UsedFB {
		t.Errorf("framebuffer target in use: %+v", a)
	}
	if pri.RetireFence < 0 {
		t.Fatal("no retire fence")
	}
	if got, want := r.k.Fences.Label(pri.RetireFence), "dup of release 0"; got != want {
		t.Errorf("retire fence is %q, want %q", got, want)
	}

	c := r.waitCommits(1)
	if n := enabled(c[0].Layers[0]); n != 3 {
		t.Errorf("%d layers enabled on display 0, want 3", n)
	}
	if c[0].ForceFlip[0] {
		t.Error("display 0 flipped")
	}
	r.takeFences(pri)
	r.checkClosed()
	for _, fd := range acquires {
		if n := r.k.Fences.Closed(fd); n != 1 {
			t.Errorf("acquire fence %d closed %d times, want 1", fd, n)
		}
	}
}

func TestPrepareIsStable(t *testing.T) {
	r := newRig(t, nil)
	pri := r.ui()
	r.d.Prepare([]*Display{pri})
	first := r.d.Dump()
	for _, l := range pri.Layers[:3] {
		l.Composition = Framebuffer
	}
	r.d.Prepare([]*Display{pri})
	if second := r.d.Dump(); second != first {
		t.Errorf("second prepare differs:\n%s\nvs\n%s", first, second)
	}
	r.d.Set([]*Display{pri})
	r.takeFences(pri)
	r.checkClosed()
}

func TestMissingTargetFlips(t *testing.T) {
	r := newRig(t, nil)
	pri := r.ui()
	pri.Layers[1].Flags = layer.FlagSkip
	r.frame(pri)
	if pri.Layers[1].Composition != Framebuffer {
		t.Fatalf("skipped layer composition = %v", pri.Layers[1].Composition)
	}
	if pri.Layers[1].ReleaseFence != -1 {
		t.Error("GPU layer got a release fence")
	}
	c := r.waitCommits(1)
	if !c[0].ForceFlip[0] {
		t.Error("display 0 not flipped without a framebuffer target buffer")
	}
	r.takeFences(pri)
	r.checkClosed()
}

func TestExternalMirrorMergesFences(t *testing.T) {
	r := newRig(t, func(k *sunxitest.Kernel) {
		k.SetOutput(1, sunxi.OutputHDMI)
		k.SupportModes(format.Mode1080P60)
	})
	if !r.d.manager.Table.Get(External).Mapped() {
		t.Fatal("external display not brought up")
	}
	pri := r.ui()
	ext := r.ui()
	for i := range ext.Layers[:3] {
		ext.Layers[i].Buffer.Handle = pri.Layers[i].Buffer.Handle
	}
	r.frame(pri, ext)

	if n := r.k.Fences.Merges(); n != 1 {
		t.Fatalf("%d merges, want 1", n)
	}
	pl, el := r.k.Fences.Label(pri.RetireFence), r.k.Fences.Label(ext.RetireFence)
	if !strings.Contains(pl, "merge sunxi_merg_1") || pl != el {
		t.Errorf("retire fences are %q and %q, want dups of the merged fence", pl, el)
	}
	c := r.waitCommits(1)
	if enabled(c[0].Layers[1]) == 0 {
		t.Error("nothing enabled on display 1")
	}
	r.takeFences(pri, ext)
	r.checkClosed()
}

func TestVirtualMirrorSharesPrimaryFence(t *testing.T) {
	r := newRig(t, nil)
	pri := r.ui()
	virt := r.ui()
	for i := range virt.Layers[:3] {
		virt.Layers[i].Buffer.Handle = pri.Layers[i].Buffer.Handle
	}
	out := r.k.Fences.NewFD("outbuf acquire")
	virt.OutBufAcquireFence = out
	r.frame(pri, nil, virt)

	if a := r.d.Prepared(Virtual); a == nil || !a.Mirror {
		t.Fatalf("virtual display not mirrored: %+v", a)
	}
	if virt.OutBufAcquireFence != -1 || r.k.Fences.Closed(out) != 1 {
		t.Error("output buffer acquire fence not consumed")
	}
	po, vo := r.k.Fences.Origin(pri.RetireFence), r.k.Fences.Origin(virt.RetireFence)
	if po < 0 || po != vo {
		t.Errorf("retire fences come from %d and %d, want the primary's", po, vo)
	}
	r.waitCommits(1)
	r.takeFences(pri, virt)
	r.checkClosed()
}

func TestBuffersHeldAcrossFrames(t *testing.T) {
	r := newRig(t, nil)
	for i := 0; i < 5; i++ {
		pri := r.ui()
		r.frame(pri)
		r.waitCommits(i + 1)
		r.takeFences(pri)
	}
	r.checkClosed()
	if got := r.d.worker.Frames(); got != 5 {
		t.Errorf("Frames = %d, want 5", got)
	}
}

func TestClosed(t *testing.T) {
	r := newRig(t, nil)
	r.checkClosed()
	if err := r.d.Prepare(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Prepare after Close = %v, want ErrClosed", err)
	}
	if err := r.d.Set(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Set after Close = %v, want ErrClosed", err)
	}
}

func TestAttributes(t *testing.T) {
	r := newRig(t, nil)
	a, err := r.d.Attributes(Primary)
	if err != nil {
		t.Fatal(err)
	}
	if a.Width != 1920 || a.Height != 1080 || a.VsyncPeriod <= 0 {
		t.Errorf("Attributes = %+v", a)
	}
	if _, err := r.d.Attributes(External); !errors.Is(err, ErrNoDisplay) {
		t.Errorf("Attributes(External) = %v, want ErrNoDisplay", err)
	}
	if _, err := r.d.Attributes(7); !errors.Is(err, ErrNoDisplay) {
		t.Errorf("Attributes(7) = %v, want ErrNoDisplay", err)
	}
}

func TestEventControl(t *testing.T) {
	r := newRig(t, nil)
	if err := r.d.EventControl(Primary, EventVsync, false); err != nil {
		t.Fatal(err)
	}
	if r.d.manager.Table.Get(Primary).VsyncEnabled {
		t.Error("vsync still enabled")
	}
	if err := r.d.EventControl(Primary, 3, true); !errors.Is(err, ErrInvalid) {
		t.Errorf("unknown event = %v, want ErrInvalid", err)
	}
}

func TestBlank(t *testing.T) {
	r := newRig(t, nil)
	if err := r.d.Blank(Primary, true); err != nil {
		t.Fatal(err)
	}
	b := r.k.Blanks()
	if len(b) != 1 || b[0] != (sunxitest.BlankCall{Disp: 0, Blank: true}) {
		t.Errorf("blanks = %+v", b)
	}
	// Unblanking waits for commits.
	if err := r.d.Blank(Primary, false); err != nil {
		t.Fatal(err)
	}
	if len(r.k.Blanks()) != 1 {
		t.Error("unblank issued without a commit")
	}
}

func TestSetPersent(t *testing.T) {
	r := newRig(t, func(k *sunxitest.Kernel) {
		k.SetOutput(1, sunxi.OutputHDMI)
		k.SupportModes(format.Mode1080P60)
	})
	if err := r.d.SetPersent(Primary, 95, 95); !errors.Is(err, ErrInvalid) {
		t.Errorf("SetPersent on the panel = %v, want ErrInvalid", err)
	}
	if err := r.d.SetPersent(External, 95, 120); err != nil {
		t.Fatal(err)
	}
	i := r.d.manager.Table.Get(External)
	if i.PersentW != 95 || i.PersentH != 100 {
		t.Errorf("persent = %d×%d, want 95×100", i.PersentW, i.PersentH)
	}
}

func TestSet3DMode(t *testing.T) {
	r := newRig(t, func(k *sunxitest.Kernel) {
		k.SetOutput(1, sunxi.OutputHDMI)
		k.SupportModes(format.Mode1080P60, format.Mode1080P24FP)
	})
	if err := r.d.Set3DMode(Primary, Mode3DLeftRight); !errors.Is(err, ErrInvalid) {
		t.Errorf("Set3DMode on the panel = %v, want ErrInvalid", err)
	}
	r.d.forceGPU.Store(true)
	if err := r.d.Set3DMode(External, Mode3DLeftRight); err != nil {
		t.Fatal(err)
	}
	i := r.d.manager.Table.Get(External)
	if i.Mode3D != Mode3DLeftRight || i.Mode != format.Mode1080P24FP {
		t.Errorf("external runs %v in mode %#x", i.Mode3D, i.Mode)
	}
	if r.d.canForceGPU.Load() || r.d.forceGPU.Load() {
		t.Error("GPU composition still allowed in 3-D")
	}
	if err := r.d.Set3DMode(External, Mode2D); err != nil {
		t.Fatal(err)
	}
	i = r.d.manager.Table.Get(External)
	if i.Mode3D != Mode2D || i.Mode != format.Mode1080P60 {
		t.Errorf("external runs %v in mode %#x after leaving 3-D", i.Mode3D, i.Mode)
	}
	if !r.d.canForceGPU.Load() {
		t.Error("GPU composition not allowed again")
	}
	if err := r.d.Set3DMode(External, Mode3D(9)); !errors.Is(err, ErrInvalid) {
		t.Errorf("unknown mode = %v, want ErrInvalid", err)
	}
}

func TestSetCursorAsync(t *testing.T) {
	r := newRig(t, nil)
	if err := r.d.SetCursorAsync(Virtual, 1, 1); !errors.Is(err, ErrNoDisplay) {
		t.Errorf("cursor on the virtual display = %v, want ErrNoDisplay", err)
	}
	if err := r.d.SetCursorAsync(External, 1, 1); !errors.Is(err, ErrNoDisplay) {
		t.Errorf("cursor on an unmapped display = %v, want ErrNoDisplay", err)
	}
	if err := r.d.SetCursorAsync(Primary, 10, 20); err != nil {
		t.Error(err)
	}
}

func TestProcs(t *testing.T) {
	r := newRig(t, nil)
	if r.d.invalidate() {
		t.Error("invalidate reported a listener before RegisterProcs")
	}
	var got []int64
	invalidated := 0
	r.d.RegisterProcs(Procs{
		Vsync:      func(disp int, ts int64) { got = append(got, ts) },
		Invalidate: func() { invalidated++ },
	})
	r.d.vsync(Primary, 42)
	if !r.d.invalidate() || invalidated != 1 {
		t.Error("invalidate not delivered")
	}
	if len(got) != 1 || got[0] != 42 {
		t.Errorf("vsyncs = %v", got)
	}
	r.d.hotplug(External, true) // no Hotplug callback registered
}

func TestEnvProperty(t *testing.T) {
	t.Setenv("DEBUG_HWC_FORCEGPU", "1")
	if got := EnvProperty("debug.hwc.forcegpu"); got != "1" {
		t.Errorf("EnvProperty = %q, want 1", got)
	}
}
