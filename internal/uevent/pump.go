package uevent

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gokrazy/sunxihwc/internal/display"
	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/hwclog"
)

// Debug property names and bits.
const (
	PropShowFPS  = "debug.hwc.showfps"
	PropForceGPU = "debug.hwc.forcegpu"

	ShowFPS    = 1 << 0
	ShowLayers = 1 << 1
	showAll    = ShowFPS | ShowLayers
)

const (
	// TickInterval is the period of the force-GPU check.
	TickInterval = 500 * time.Millisecond
	// FPSInterval is the period of the frame rate counter.
	FPSInterval = time.Second
	// hdmiHW is the kernel display HDMI sinks are plugged into.
	hdmiHW = 1
)

// Pump handles uevents and the periodic checks. The function fields are
// optional.
type Pump struct {
	Manager  *display.Manager
	Property func(key string) string
	// Frames returns the number of frames committed so far.
	Frames func() uint32
	// Vsync delivers a vsync of logical display disp.
	Vsync func(disp int, timestamp int64)
	// Invalidate asks the client to redraw. It reports false when no
	// client is listening.
	Invalidate func() bool
	// CanForceGPU reports whether idle screens may go to the GPU.
	CanForceGPU func() bool
	// ForceGPU is read by the assignor.
	ForceGPU *atomic.Bool

	src   Source
	debug atomic.Int32
	fps   atomic.Int32

	tickAt     time.Time
	tickFrames uint32
	fpsAt      time.Time
	fpsFrames  uint32
}

func NewPump(src Source, m *display.Manager, forceGPU *atomic.Bool) *Pump {
	return &Pump{
		Manager:  m,
		ForceGPU: forceGPU,
		src:      src,
	}
}

// Debug returns the bits of the showfps property seen last.
func (p *Pump) Debug() int { return int(p.debug.Load()) }

// FPS returns the frame rate measured over the last second.
func (p *Pump) FPS() int { return int(p.fps.Load()) }

// Run handles events until ctx is done, then closes the source.
func (p *Pump) Run(ctx context.Context) {
	log := hwclog.Get()
	defer p.src.Close()
	now := time.Now()
	p.tickAt, p.fpsAt = now, now
	for ctx.Err() == nil {
		now = time.Now()
		if now.Sub(p.tickAt) >= TickInterval {
			p.tick()
			p.tickAt = now
		}
		b, err := p.src.Receive(TickInterval)
		if err != nil {
			log.Warn("uevent: receive", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(TickInterval):
			}
			continue
		}
		if b != nil {
			p.Handle(b)
		}
		p.countFPS(time.Now())
	}
}

// Handle acts on one uevent payload.
func (p *Pump) Handle(b []byte) {
	for _, e := range Parse(b) {
		switch e.Kind {
		case Vsync:
			p.vsync(e.HW, e.Timestamp)
		case HDMI:
			hwclog.Get().Debug("uevent: hdmi switch", "hw", hdmiHW, "connected", e.Connected)
			p.Manager.Hotplug(hdmiHW, e.Connected, format.ModeNum)
		}
	}
}

func (p *Pump) vsync(hw int, ts int64) {
	t := p.Manager.Table
	disp := t.Find(hw)
	if disp < 0 {
		return
	}
	info := t.Update(disp, func(i *display.Info) { i.Timestamp = ts })
	if info.VsyncEnabled && p.Vsync != nil {
		p.Vsync(disp, ts)
	}
}

// tick follows the forcegpu property while frames flow. Once the screen is
// idle it forces GPU composition and asks for one redraw, so the last
// frame is scanned out from a single plane.
func (p *Pump) tick() {
	if p.ForceGPU == nil || p.Frames == nil {
		return
	}
	frames := p.Frames()
	if frames-p.tickFrames > 2 {
		p.tickFrames = frames
		p.ForceGPU.Store(p.prop(PropForceGPU) != 0)
		return
	}
	if p.ForceGPU.Load() || p.Invalidate == nil {
		return
	}
	if p.CanForceGPU != nil && !p.CanForceGPU() {
		return
	}
	if p.Invalidate() {
		p.ForceGPU.Store(true)
	}
}

func (p *Pump) countFPS(now time.Time) {
	d := now.Sub(p.fpsAt)
	if d < FPSInterval {
		return
	}
	log := hwclog.Get()
	bits := p.prop(PropShowFPS) & showAll
	if old := p.Debug(); bits&ShowFPS != old&ShowFPS {
		log.Info("uevent: fps logging", "enabled", bits&ShowFPS != 0)
	}
	p.debug.Store(int32(bits))

	var frames uint32
	if p.Frames != nil {
		frames = p.Frames()
	}
	fps := int(float64(frames-p.fpsFrames) / d.Seconds())
	p.fps.Store(int32(fps))
	if bits&ShowFPS != 0 {
		log.Info("fps", "fps", fps)
	}
	p.fpsFrames = frames
	p.fpsAt = now
}

func (p *Pump) prop(key string) int {
	if p.Property == nil {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(p.Property(key)))
	if err != nil {
		return 0
	}
	return v
}
