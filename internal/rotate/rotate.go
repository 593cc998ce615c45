// Package rotate drives the 2-D transform engine that turns video planes
// the display engine cannot rotate itself.
//
// Rotations are written into a small cache of ION buffers. When the engine
// misses its deadline the newest finished rotation of an earlier frame is
// shown instead; three misses in a row switch rotation off for the rest of
// the session.
package rotate

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gokrazy/sunxihwc/internal/fence"
	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/geom"
	"github.com/gokrazy/sunxihwc/internal/hwclog"
	"github.com/gokrazy/sunxihwc/internal/layer"
	"github.com/gokrazy/sunxihwc/internal/sunxi"
)

var (
	// ErrUnavailable is returned when no transform context or destination
	// buffer could be obtained.
	ErrUnavailable = errors.New("rotate: transform engine unavailable")
	// ErrDisabled is returned once rotation was switched off.
	ErrDisabled = errors.New("rotate: disabled after repeated failures")

	errTimeout = errors.New("rotate: transform did not finish")
)

// MaxFailures is the number of consecutive failed rotations that disable
// the engine.
const MaxFailures = 3

// DefaultPollInterval is the pause between two completion queries.
const DefaultPollInterval = 16 * time.Microsecond

// Job rotates the planes of one video layer of a commit packet.
type Job struct {
	// Config is rewritten in place to scan out the rotated planes. It is
	// disabled when the rotation fails without a fallback.
	Config    *sunxi.LayerConfig
	Transform layer.Transform
	Secure    bool
	// ReleaseFence signals when the display stops reading the frame this
	// job belongs to. It is not consumed.
	ReleaseFence int
	Sync         uint32
}

// Engine owns the transform context and the destination cache. It is used
// by the commit worker only; Disabled may be called from anywhere.
type Engine struct {
	PollInterval time.Duration

	k        sunxi.Kernel
	ops      fence.Ops
	cache    *Cache
	handle   sunxi.TRHandle
	held     bool
	requests int
	timeout  int // milliseconds, as last pushed to the engine
	failures int
	disabled atomic.Bool
}

func NewEngine(k sunxi.Kernel, ops fence.Ops) *Engine {
	return &Engine{
		PollInterval: DefaultPollInterval,
		k:            k,
		ops:          ops,
		cache:        NewCache(k, ops),
	}
}

// Cache returns the destination cache.
func (e *Engine) Cache() *Cache { return e.cache }

// Disabled reports whether rotation was switched off.
func (e *Engine) Disabled() bool { return e.disabled.Load() }

// Held reports whether a transform context is open.
func (e *Engine) Held() bool { return e.held }

// Rotate runs j and returns a dup of the destination buffer fd, which now
// backs j.Config. The caller owns the returned fd.
func (e *Engine) Rotate(j Job) (int, error) {
	log := hwclog.Get()
	if e.disabled.Load() {
		j.Config.Enable = 0
		return -1, ErrDisabled
	}
	if !e.held {
		h, err := e.k.TransformRequest()
		if err != nil {
			j.Config.Enable = 0
			if e.fail() {
				return -1, ErrDisabled
			}
			return -1, fmt.Errorf("%w: TR_REQUEST: %v", ErrUnavailable, err)
		}
		e.handle = h
		e.held = true
		e.requests++
		log.Debug("rotate: context requested", "times", e.requests)
	}

	fb := &j.Config.Info.FB
	if ms := TimeoutFor(fb.Size[0]); ms != e.timeout {
		if err := e.k.TransformSetTimeout(e.handle, ms); err != nil {
			log.Debug("rotate: TR_SET_TIMEOUT", "ms", ms, "err", err)
		}
		e.timeout = ms
	}

	buf, err := e.cache.Acquire(sourceSize(fb), j.ReleaseFence, j.Sync, j.Secure)
	if err != nil {
		j.Config.Enable = 0
		return -1, err
	}

	var info sunxi.TRInfo
	stale := false
	if err := e.toTR(fb, &info, buf, j.Transform); err != nil {
		if buf = e.cache.MostRecentValid(j.Sync); buf == nil {
			j.Config.Enable = 0
			return -1, err
		}
		stale = true
	} else if err := e.k.TransformCommit(e.handle, &info); err != nil {
		j.Config.Enable = 0
		return -1, fmt.Errorf("TR_COMMIT: %w", err)
	} else if err := e.wait(); err != nil {
		disabled := e.fail()
		buf.Sync = 0
		buf.fence = fence.CloseValid(e.ops, buf.fence)
		buf = e.cache.MostRecentValid(j.Sync)
		log.Warn("rotate: transform failed",
			"err", err,
			"failures", e.failures,
			"fallback", buf != nil,
			"timeout_ms", e.timeout)
		if disabled {
			j.Config.Enable = 0
			return -1, ErrDisabled
		}
		if buf == nil {
			j.Config.Enable = 0
			return -1, err
		}
		stale = true
	} else {
		buf.Valid = true
		e.failures = 0
	}

	if err := e.toLayer(fb, &info, buf, stale); err != nil {
		j.Config.Enable = 0
		return -1, err
	}
	fd, err := e.ops.Dup(buf.ShareFD)
	if err != nil {
		j.Config.Enable = 0
		return -1, fmt.Errorf("dup rotated buffer: %w", err)
	}
	return fd, nil
}

// fail counts a failed rotation, whether the context could not be opened
// or the job did not finish, and reports whether rotation is now disabled.
func (e *Engine) fail() bool {
	e.failures++
	if e.failures < MaxFailures {
		return false
	}
	e.disabled.Store(true)
	hwclog.Get().Info("rotate: disabled", "failures", e.failures)
	return true
}

func (e *Engine) wait() error {
	polls := e.timeout * 1000 / 16
	for i := 0; i < polls; i++ {
		busy, err := e.k.TransformQuery(e.handle)
		if err != nil {
			return fmt.Errorf("TR_QUERY: %w", err)
		}
		if busy == 0 {
			return nil
		}
		time.Sleep(e.PollInterval)
	}
	return errTimeout
}

// Release gives the transform context back and frees the destinations.
func (e *Engine) Release() {
	if !e.held {
		return
	}
	if err := e.k.TransformRelease(e.handle); err != nil {
		hwclog.Get().Debug("rotate: TR_RELEASE", "err", err)
	}
	e.held = false
	e.handle = 0
	e.timeout = 0
	e.cache.Free()
}

// TimeoutFor returns the engine deadline in milliseconds for a source of
// size s.
func TimeoutFor(s sunxi.Size) int {
	switch px := s.Width * s.Height; {
	case px > 2073600:
		return 100
	case px > 1024000:
		return 50
	}
	return 32
}

// Mode maps a layer transform to an engine orientation.
func Mode(t layer.Transform) sunxi.TRMode {
	switch t {
	case layer.FlipH:
		return sunxi.TRHFlip
	case layer.FlipV:
		return sunxi.TRVFlip
	case layer.Rot90:
		return sunxi.TRRot90
	case layer.Rot180:
		return sunxi.TRRot180
	case layer.Rot270:
		return sunxi.TRRot270
	case layer.FlipH | layer.Rot90:
		return sunxi.TRVFlipRot90
	case layer.FlipV | layer.Rot90:
		return sunxi.TRHFlipRot90
	}
	return sunxi.TRRot0
}

func planes(f format.Disp) int {
	switch f {
	case format.DispYUV420P:
		return 3
	case format.DispYUV420VUVU, format.DispYUV420UVUV:
		return 2
	}
	return 0
}

// videoBytes is the number of bytes per sample of plane p.
func videoBytes(f format.Disp, p int) int {
	switch f {
	case format.DispYUV420P:
		return 1
	case format.DispYUV420VUVU, format.DispYUV420UVUV:
		switch p {
		case 0:
			return 1
		case 1:
			return 2
		}
	}
	return 0
}

func trFormat(f format.Disp) uint32 {
	switch f {
	case format.DispYUV420P, format.DispYUV420VUVU, format.DispYUV420UVUV:
		return uint32(f)
	}
	return uint32(format.DispYUV420P)
}

func sourceSize(fb *sunxi.FBInfo) int {
	f := format.Disp(fb.Format)
	size := 0
	for p := 0; p < 3; p++ {
		size += geom.Align(int(fb.Size[p].Width), format.RotateAlign) *
			geom.Align(int(fb.Size[p].Height), format.RotateAlign) *
			videoBytes(f, p)
	}
	return size
}

// strides returns the aligned luma width and height of the rotated image.
func strides(fb *sunxi.FBInfo, m sunxi.TRMode) (uint32, uint32) {
	w := geom.Align(fb.Size[0].Width, format.RotateAlign)
	h := geom.Align(fb.Size[0].Height, format.RotateAlign)
	if m.SwapsAxes() {
		return h, w
	}
	return w, h
}

func (e *Engine) toTR(fb *sunxi.FBInfo, info *sunxi.TRInfo, buf *Buffer, t layer.Transform) error {
	f := format.Disp(fb.Format)
	info.Mode = Mode(t)
	info.SrcFrame.Fmt = trFormat(f)
	for p := 0; p < planes(f); p++ {
		info.SrcFrame.LAddr[p] = uint32(fb.Addr[p])
		info.SrcFrame.Pitch[p] = fb.Size[p].Width
		info.SrcFrame.Height[p] = fb.Size[p].Height
	}
	info.SrcRect = sunxi.TRRect{W: fb.Size[0].Width, H: fb.Size[0].Height}

	addr, err := e.k.PhysAddr(buf.ShareFD)
	if err != nil || addr == 0 {
		return fmt.Errorf("%w: destination address: %v", ErrUnavailable, err)
	}
	ws, hs := strides(fb, info.Mode)
	info.DstFrame.Fmt = uint32(format.RotateDest)
	info.DstFrame.Pitch = [3]uint32{ws, ws / 2, ws / 2}
	info.DstFrame.Height = [3]uint32{hs, hs / 2, hs / 2}
	info.DstRect = sunxi.TRRect{W: ws, H: hs}
	info.DstFrame.LAddr[0] = uint32(addr)
	info.DstFrame.LAddr[2] = info.DstFrame.LAddr[0] + ws*hs
	info.DstFrame.LAddr[1] = info.DstFrame.LAddr[2] + (ws/2)*(hs/2)
	return nil
}

// toLayer points fb at the rotated planes in buf. A stale buffer was
// written by an earlier frame; its layout is derived from fb.
func (e *Engine) toLayer(fb *sunxi.FBInfo, info *sunxi.TRInfo, buf *Buffer, stale bool) error {
	fb.Format = uint32(format.RotateDest)
	fb.Align = [3]uint32{format.RotateAlign, format.RotateAlign / 2, format.RotateAlign / 2}
	if !stale {
		for p := 0; p < 3; p++ {
			fb.Addr[p] = uint64(info.DstFrame.LAddr[p])
			fb.Size[p] = sunxi.Size{Width: info.DstFrame.Pitch[p], Height: info.DstFrame.Height[p]}
		}
		return nil
	}
	addr, err := e.k.PhysAddr(buf.ShareFD)
	if err != nil || addr == 0 {
		return fmt.Errorf("%w: fallback address: %v", ErrUnavailable, err)
	}
	ws, hs := strides(fb, info.Mode)
	luma := uint64(ws) * uint64(hs)
	fb.Addr[0] = addr
	fb.Addr[2] = addr + luma
	fb.Addr[1] = fb.Addr[2] + luma/4
	fb.Size[0] = sunxi.Size{Width: ws, Height: hs}
	fb.Size[1] = sunxi.Size{Width: ws / 2, Height: hs / 2}
	fb.Size[2] = fb.Size[1]
	return nil
}
