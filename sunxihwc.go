// Package sunxihwc offloads display composition to the display engine of
// Allwinner sunxi SoCs.
//
// Once per vertical sync the window system hands the layer lists of its
// displays to Prepare, which decides for every layer whether the display
// engine scans it out directly or the GPU composes it into the
// framebuffer target. Set then builds the layer configuration of the
// engine, queues it for the commit worker and hands out release and
// retire fences.
//
// A Device runs two goroutines besides the caller's: the commit worker,
// which waits for the producers' fences and commits frames in order, and
// the event pump, which follows vsync and HDMI hotplug uevents.
package sunxihwc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gokrazy/sunxihwc/internal/assign"
	"github.com/gokrazy/sunxihwc/internal/bufreg"
	"github.com/gokrazy/sunxihwc/internal/commit"
	"github.com/gokrazy/sunxihwc/internal/cursor"
	"github.com/gokrazy/sunxihwc/internal/display"
	"github.com/gokrazy/sunxihwc/internal/fence"
	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/frame"
	"github.com/gokrazy/sunxihwc/internal/hwclog"
	"github.com/gokrazy/sunxihwc/internal/layer"
	"github.com/gokrazy/sunxihwc/internal/rotate"
	"github.com/gokrazy/sunxihwc/internal/sunxi"
	"github.com/gokrazy/sunxihwc/internal/uevent"
	"github.com/gokrazy/sunxihwc/internal/worker"
)

var (
	// ErrNoDisplay is returned for a display index that is out of range or
	// not backed by a kernel display.
	ErrNoDisplay = errors.New("sunxihwc: no such display")
	// ErrInvalid is returned for arguments the display does not support.
	ErrInvalid = errors.New("sunxihwc: invalid argument")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("sunxihwc: device closed")
)

// The input data model.
type (
	Layer       = layer.Layer
	Buffer      = layer.Buffer
	Display     = layer.Display
	Composition = layer.Composition
	Transform   = layer.Transform
	Blending    = layer.Blending
	Mode3D      = format.Mode3D
)

// Logical displays.
const (
	Primary  = display.Primary
	External = display.External
	Virtual  = display.Virtual
)

const (
	Framebuffer       = layer.Framebuffer
	Overlay           = layer.Overlay
	Background        = layer.Background
	FramebufferTarget = layer.FramebufferTarget
	CursorOverlay     = layer.CursorOverlay
)

const (
	Mode2D          = format.Original
	Mode2DLeft      = format.Left2D
	Mode2DTop       = format.Top2D
	Mode3DLeftRight = format.LeftRight3D
	Mode3DTopBottom = format.TopBottom3D
)

// EventVsync is the only event EventControl knows.
const EventVsync = 0

// Config configures Open. The zero value opens the real device nodes.
type Config struct {
	// Kernel replaces the device nodes, Fences the fd operations on
	// fences and buffers. Both are left open by Close.
	Kernel sunxi.Kernel
	Fences fence.Ops

	// Property looks up debug properties. By default the key is read
	// from the environment, upper-cased with dots turned into
	// underscores: debug.hwc.showfps is DEBUG_HWC_SHOWFPS.
	Property func(key string) string
	// Logger receives the composer's logs, tagged with the session id of
	// the device. Nil keeps the logger installed with SetLogger.
	Logger *slog.Logger

	// SysfsRoot defaults to /sys.
	SysfsRoot string
	// MemLimit overrides the per-frame bandwidth budget derived from the
	// DRAM clock.
	MemLimit  int
	HoldSlots int

	FenceTimeout       time.Duration
	RotateFenceTimeout time.Duration

	// DisableUevent keeps the event pump from starting: no vsync delivery,
	// no hotplug, no debug properties.
	DisableUevent bool
}

// Procs are the client callbacks. Any of them may be nil. They are called
// from the event pump goroutine.
type Procs struct {
	Vsync      func(disp int, timestamp int64)
	Hotplug    func(disp int, connected bool)
	Invalidate func()
}

// Device is an opened display engine.
type Device struct {
	kernel     sunxi.Kernel
	ownsKernel bool
	ops        fence.Ops
	session    string

	manager *display.Manager
	engine  *assign.Engine
	builder commit.Builder
	pool    *frame.Pool
	rot     *rotate.Engine
	cur     *cursor.Path
	worker  *worker.Worker
	pump    *uevent.Pump

	forceGPU    atomic.Bool
	canForceGPU atomic.Bool
	procs       atomic.Pointer[Procs]
	frameSync   atomic.Uint32
	closed      atomic.Bool

	mu       sync.Mutex // serializes Prepare, Set and Dump
	prepared [display.Count]*assign.Display

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// SetLogger installs l for all devices. Passing nil silences the
// composer.
func SetLogger(l *slog.Logger) { hwclog.Set(l) }

// EnvProperty looks a debug property up in the environment.
func EnvProperty(key string) string {
	return os.Getenv(strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
}

// Open brings the displays up and starts the commit worker and the event
// pump. It only fails when the device nodes cannot be opened or the panel
// cannot be read.
func Open(cfg Config) (*Device, error) {
	d := &Device{
		kernel:  cfg.Kernel,
		ops:     cfg.Fences,
		session: uuid.NewString(),
	}
	if cfg.Logger != nil {
		hwclog.Set(cfg.Logger.With("session", d.session))
	}
	log := hwclog.Get()
	if d.kernel == nil {
		dev, err := sunxi.Open()
		if err != nil {
			return nil, err
		}
		d.kernel, d.ownsKernel = dev, true
	}
	if d.ops == nil {
		d.ops = fence.System{}
	}
	root := cfg.SysfsRoot
	if root == "" {
		root = "/sys"
	}

	d.manager = display.NewManager(d.kernel)
	d.manager.OnHotplug = d.hotplug
	if err := d.manager.Init(); err != nil {
		if d.ownsKernel {
			d.kernel.Close()
		}
		return nil, fmt.Errorf("bringing up displays: %w", err)
	}
	d.manager.DetectHDMI(root)
	display.EnableRuntime(root)

	memLimit := cfg.MemLimit
	if memLimit <= 0 {
		memLimit = display.MemoryLimit(root)
	}
	d.engine = assign.NewEngine(memLimit)
	d.builder = commit.Builder{Kernel: d.kernel, Ops: d.ops}
	d.pool = frame.NewPool(d.ops)

	holds := cfg.HoldSlots
	if holds <= 0 {
		holds = bufreg.DefaultSlots
	}
	reg := bufreg.New(holds, d.ops)
	d.rot = rotate.NewEngine(d.kernel, d.ops)
	if cfg.RotateFenceTimeout > 0 {
		d.rot.Cache().FenceTimeout = cfg.RotateFenceTimeout
	}
	d.cur = cursor.NewPath(d.manager.Table, d.kernel, d.ops)
	d.worker = worker.New(d.kernel, d.ops, d.pool, d.rot, reg, d.cur)
	if cfg.FenceTimeout > 0 {
		d.worker.FenceTimeout = cfg.FenceTimeout
	}
	d.canForceGPU.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.worker.Run(ctx)
	}()

	if !cfg.DisableUevent {
		src, err := uevent.Listen()
		if err != nil {
			log.Warn("uevent socket, running without events", "err", err)
		} else {
			d.pump = d.newPump(src, cfg.Property)
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.pump.Run(ctx)
			}()
		}
	}

	log.Info("opened",
		"mem_limit", memLimit,
		"hold_slots", holds,
		"transform", d.kernel.HasTransform(),
		"uevent", d.pump != nil)
	return d, nil
}

func (d *Device) newPump(src uevent.Source, prop func(string) string) *uevent.Pump {
	if prop == nil {
		prop = EnvProperty
	}
	p := uevent.NewPump(src, d.manager, &d.forceGPU)
	p.Property = prop
	p.Frames = d.worker.Frames
	p.Vsync = d.vsync
	p.Invalidate = d.invalidate
	p.CanForceGPU = d.canForceGPU.Load
	return p
}

// Session identifies the device in its logs.
func (d *Device) Session() string { return d.session }

// Frames returns the number of frames committed so far.
func (d *Device) Frames() uint32 { return d.worker.Frames() }

// Close stops the goroutines, drops the frames still queued and closes
// every fd the device holds. A kernel passed in Config is left open.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.cancel()
		d.wg.Wait()
		if d.ownsKernel {
			d.closeErr = d.kernel.Close()
		}
		hwclog.Get().Info("closed", "frames", d.worker.Frames())
	})
	return d.closeErr
}

func (d *Device) vsync(disp int, ts int64) {
	if p := d.procs.Load(); p != nil && p.Vsync != nil {
		p.Vsync(disp, ts)
	}
}

func (d *Device) hotplug(disp int, connected bool) {
	if p := d.procs.Load(); p != nil && p.Hotplug != nil {
		p.Hotplug(disp, connected)
	}
}

func (d *Device) invalidate() bool {
	p := d.procs.Load()
	if p == nil || p.Invalidate == nil {
		return false
	}
	p.Invalidate()
	return true
}
