// Package worker commits queued frames to the display engine.
//
// A single goroutine owns the transform engine, the buffer hold ring and
// the cursor layers. For each frame it rotates the video layer if needed,
// waits for the producers to finish their buffers, commits the layer
// configuration and keeps the buffers alive until a later frame replaces
// them.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gokrazy/sunxihwc/internal/bufreg"
	"github.com/gokrazy/sunxihwc/internal/commit"
	"github.com/gokrazy/sunxihwc/internal/cursor"
	"github.com/gokrazy/sunxihwc/internal/display"
	"github.com/gokrazy/sunxihwc/internal/fence"
	"github.com/gokrazy/sunxihwc/internal/frame"
	"github.com/gokrazy/sunxihwc/internal/hwclog"
	"github.com/gokrazy/sunxihwc/internal/rotate"
	"github.com/gokrazy/sunxihwc/internal/sunxi"
)

const (
	// DefaultFenceTimeout bounds the wait for an acquire fence.
	DefaultFenceTimeout = 3 * time.Second
	// DefaultIdle is the wait for a frame before the worker looks at the
	// cursor and the pool again.
	DefaultIdle = 16 * time.Millisecond
	// unblankAfter is the number of commits between a requested unblank
	// and the blank ioctl that clears it.
	unblankAfter = 3
)

// Worker is the commit worker.
type Worker struct {
	FenceTimeout time.Duration
	Idle         time.Duration

	k    sunxi.Kernel
	ops  fence.Ops
	pool *frame.Pool
	rot  *rotate.Engine
	reg  *bufreg.Registry
	cur  *cursor.Path

	pkt      sunxi.Commit
	primary  int
	unblanks int
	held     []int

	unblank    atomic.Bool
	stopRotate atomic.Bool
	frames     atomic.Uint32
	lastSync   atomic.Uint32
}

func New(k sunxi.Kernel, ops fence.Ops, pool *frame.Pool, rot *rotate.Engine, reg *bufreg.Registry, cur *cursor.Path) *Worker {
	return &Worker{
		FenceTimeout: DefaultFenceTimeout,
		Idle:         DefaultIdle,
		k:            k,
		ops:          ops,
		pool:         pool,
		rot:          rot,
		reg:          reg,
		cur:          cur,
	}
}

// ArmUnblank schedules an unblank of the primary a few commits from now.
func (w *Worker) ArmUnblank() { w.unblank.Store(true) }

// TakeStopRotate reports whether a rotation failed since the last call.
func (w *Worker) TakeStopRotate() bool { return w.stopRotate.Swap(false) }

// Frames returns the number of frames committed.
func (w *Worker) Frames() uint32 { return w.frames.Load() }

// LastSync returns the sync counter of the last committed frame.
func (w *Worker) LastSync() uint32 { return w.lastSync.Load() }

// Run commits frames until ctx is done. Frames still queued then are
// dropped and every fd they hold is closed.
func (w *Worker) Run(ctx context.Context) {
	idle := time.NewTimer(w.Idle)
	defer idle.Stop()
	for {
		if w.cur.Pending() {
			w.cur.Apply()
		}
		if f := w.pool.Pop(); f != nil {
			w.Process(f)
			continue
		}
		w.pool.Recycle()
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(w.Idle)
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case <-w.pool.Wake():
		case <-idle.C:
		}
	}
}

// Process commits f and returns it to the pool.
func (w *Worker) Process(f *frame.Frame) {
	log := hwclog.Get()
	flip := f.ForceFlip

	if f.RotateDisp >= 0 && !flip[f.RotateDisp] {
		w.rotateVideo(f, &flip)
	} else if w.rot.Held() {
		w.rot.Release()
	}

	for hw := range f.Records {
		recs := f.Records[hw]
		for i := range recs {
			r := &recs[i]
			if !flip[hw] {
				if r.AcquireFence >= 0 {
					if err := w.ops.Wait(r.AcquireFence, w.FenceTimeout); err != nil {
						log.Warn("acquire fence, flipping",
							"hw", hw,
							"layer", r.Layer,
							"sync", f.Sync,
							"err", err)
						flip[hw] = true
					}
				}
				if r.Cursor && r.Config.Enable != 0 {
					if err := w.cur.Bind(r); err != nil {
						log.Debug("cursor rotation", "hw", hw, "err", err)
					}
				}
				if r.NeedSync {
					w.syncCache(r.ShareFD)
				}
			}
			r.AcquireFence = fence.CloseValid(w.ops, r.AcquireFence)
		}
	}
	f.WritebackFence = fence.CloseValid(w.ops, f.WritebackFence)

	if err := commit.Materialise(&w.pkt, f.Records); err != nil {
		log.Error("materialise", "sync", f.Sync, "err", err)
	}
	w.pkt.ForceFlip = flip
	for i, fd := range f.ReleaseFences {
		w.pkt.ReleaseFences[i] = int32(fd)
	}

	if f.First != w.primary {
		if err := w.k.SetPrimary(f.First); err != nil {
			log.Error("set primary", "hw", f.First, "err", err)
		} else {
			w.primary = f.First
		}
	}
	committed := true
	if err := w.k.Commit(&w.pkt); err != nil {
		log.Error("commit", "sync", f.Sync, "err", err)
		committed = false
	}
	w.frames.Add(1)
	w.lastSync.Store(f.Sync)

	if w.unblank.Load() {
		w.unblanks++
		if w.unblanks > unblankAfter {
			if err := w.k.Blank(f.First, false); err != nil {
				log.Error("unblank", "hw", f.First, "err", err)
			}
			w.unblank.Store(false)
			w.unblanks = 0
		}
	}

	var cursors [display.HWCount]*sunxi.LayerConfig
	for hw, i := range f.Cursor {
		if i >= 0 && i < len(f.Records[hw]) {
			cursors[hw] = &f.Records[hw][i].Config
		}
	}
	w.cur.Track(f.Sync, cursors)

	w.held = w.held[:0]
	for hw := range f.Records {
		for i := range f.Records[hw] {
			r := &f.Records[hw][i]
			if r.ShareFD >= 0 {
				w.held = append(w.held, r.ShareFD)
			}
			r.ShareFD = -1
		}
	}
	if committed && !(flip[0] && flip[1]) {
		w.reg.Retain(f.Sync, w.held)
	} else {
		w.reg.Release(w.held)
	}

	w.pool.Release(f)
	w.pool.Recycle()
}

// rotateVideo runs the transform engine on the video record of f. A
// display whose video never became ready is flipped.
func (w *Worker) rotateVideo(f *frame.Frame, flip *[display.HWCount]bool) {
	log := hwclog.Get()
	hw := f.RotateDisp
	if f.RotateIndex < 0 || f.RotateIndex >= len(f.Records[hw]) {
		log.Error("rotation record out of range", "hw", hw, "index", f.RotateIndex)
		return
	}
	r := &f.Records[hw][f.RotateIndex]
	if r.AcquireFence >= 0 {
		if err := w.ops.Wait(r.AcquireFence, w.FenceTimeout); err != nil {
			log.Warn("video acquire fence, flipping", "hw", hw, "sync", f.Sync, "err", err)
			flip[hw] = true
		}
		r.AcquireFence = fence.CloseValid(w.ops, r.AcquireFence)
	}
	if flip[hw] {
		return
	}
	if r.NeedSync {
		w.syncCache(r.ShareFD)
		r.NeedSync = false
	}
	fd, err := w.rot.Rotate(rotate.Job{
		Config:       &r.Config,
		Transform:    r.Transform,
		Secure:       r.Secure,
		ReleaseFence: f.ReleaseFences[hw],
		Sync:         f.Sync,
	})
	if err != nil {
		log.Warn("rotation failed, flipping", "hw", hw, "sync", f.Sync, "err", err)
		w.stopRotate.Store(true)
		flip[hw] = true
		return
	}
	fence.CloseValid(w.ops, r.ShareFD)
	r.ShareFD = fd
}

func (w *Worker) syncCache(fd int) {
	if fd < 0 {
		return
	}
	if err := w.k.SyncCache(fd); err != nil {
		hwclog.Get().Debug("cache sync", "fd", fd, "err", err)
	}
}

func (w *Worker) shutdown() {
	for _, f := range w.pool.Drain() {
		for hw := range f.Records {
			for i := range f.Records[hw] {
				r := &f.Records[hw][i]
				r.AcquireFence = fence.CloseValid(w.ops, r.AcquireFence)
				r.ShareFD = fence.CloseValid(w.ops, r.ShareFD)
			}
		}
		f.WritebackFence = fence.CloseValid(w.ops, f.WritebackFence)
		w.pool.Release(f)
	}
	w.rot.Release()
	w.cur.FreeRotated()
	w.reg.Close()
}
