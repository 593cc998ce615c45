// Package cursor moves the hardware cursor between frames and keeps
// rotated copies of its image.
//
// Clients post positions at any time. The commit worker applies the
// position posted for the last committed frame by reprogramming only the
// cursor layer, without waiting for the next frame.
package cursor

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"

	"github.com/gokrazy/sunxihwc/internal/commit"
	"github.com/gokrazy/sunxihwc/internal/display"
	"github.com/gokrazy/sunxihwc/internal/fbimage"
	"github.com/gokrazy/sunxihwc/internal/fence"
	"github.com/gokrazy/sunxihwc/internal/hwclog"
	"github.com/gokrazy/sunxihwc/internal/layer"
	"github.com/gokrazy/sunxihwc/internal/sunxi"
)

// PoseSlots is the depth of the pose cache of a display.
const PoseSlots = 6

type pose struct {
	x, y  int
	hw    int
	sync  uint32
	valid bool
}

// Poses caches the positions posted for one display.
type Poses struct {
	mu    sync.Mutex
	slots [PoseSlots]pose
}

// Put stores a position for frame sync on kernel display hw. It takes the
// first unused slot, else the one with the oldest frame.
func (p *Poses) Put(x, y, hw int, sync uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fix := 0
	for i := range p.slots {
		if !p.slots[i].valid {
			fix = i
			break
		}
		if p.slots[i].sync < p.slots[fix].sync {
			fix = i
		}
	}
	p.slots[fix] = pose{x: x, y: y, hw: hw, sync: sync, valid: true}
}

// Take returns the position posted for frame sync and consumes it. A
// position posted for another kernel display than hw is left alone.
func (p *Poses) Take(sync uint32, hw int) (x, y int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		s := &p.slots[i]
		if !s.valid || s.sync != sync {
			continue
		}
		if s.hw != hw {
			return 0, 0, false
		}
		s.valid = false
		return s.x, s.y, true
	}
	return 0, 0, false
}

// variant is a rotated copy of the cursor image in an ION buffer.
type variant struct {
	fd   int
	addr uint64
	size sunxi.Size
}

// Path is the cursor state shared by client and worker. Move is safe for
// concurrent use; all other methods belong to the commit worker.
type Path struct {
	table *display.Table
	k     sunxi.Kernel
	ops   fence.Ops
	poses [display.HWCount]Poses
	// latest is the frame of the newest posted position.
	latest atomic.Uint32

	active  bool
	current uint32 // frame of the last committed cursor
	applied uint32
	layers  [display.HWCount]sunxi.LayerConfig
	shown   [display.HWCount]bool
	rotated [3]variant
}

func NewPath(table *display.Table, k sunxi.Kernel, ops fence.Ops) *Path {
	p := &Path{
		table: table,
		k:     k,
		ops:   ops,
	}
	for i := range p.rotated {
		p.rotated[i].fd = -1
	}
	return p
}

var errNotMapped = errors.New("cursor: display not mapped")

// Move posts a position for display disp, tagged with frame sync.
func (p *Path) Move(disp, x, y int, sync uint32) error {
	hw := p.table.Get(disp).HW
	if hw < 0 {
		return errNotMapped
	}
	p.poses[disp].Put(x, y, hw, sync)
	p.latest.Store(sync)
	return nil
}

// Pending reports whether a position for the last committed frame may be
// waiting.
func (p *Path) Pending() bool {
	return p.active && p.applied != p.current && p.latest.Load() >= p.current
}

// Apply programs the position posted for the last committed frame into
// the cursor layer of each display that shows one.
func (p *Path) Apply() {
	log := hwclog.Get()
	for hw := range p.layers {
		if !p.shown[hw] {
			continue
		}
		disp := p.table.Find(hw)
		if disp < 0 {
			continue
		}
		x, y, ok := p.poses[disp].Take(p.current, hw)
		if !ok {
			continue
		}
		cfg := p.layers[hw]
		cfg.Info.ScreenWin.X = int32(x)
		cfg.Info.ScreenWin.Y = int32(y)
		if err := p.k.SetLayerConfig(hw, &cfg); err != nil {
			log.Warn("cursor: set layer config", "hw", hw, "err", err)
		}
	}
	p.applied = p.current
}

// Track remembers the cursor layers of a committed frame; cfgs holds nil
// for displays without a cursor. It reports whether any display shows
// one. Rotated images are dropped once no cursor is left.
func (p *Path) Track(sync uint32, cfgs [display.HWCount]*sunxi.LayerConfig) bool {
	found := false
	for hw, cfg := range cfgs {
		p.shown[hw] = cfg != nil
		if cfg != nil {
			p.layers[hw] = *cfg
			found = true
		}
	}
	if found {
		p.active = true
		p.current = sync
		return true
	}
	p.current = 0
	p.applied = 0
	if p.active {
		p.active = false
		p.FreeRotated()
	}
	return false
}

func variantIndex(t layer.Transform) int {
	switch t {
	case layer.Rot90:
		return 0
	case layer.Rot180:
		return 1
	case layer.Rot270:
		return 2
	}
	return -1
}

// Bind points a rotated cursor record at a pre-rotated copy of its image,
// creating the copy on first use. The record's buffer fd is closed: the
// display engine reads the copy instead.
func (p *Path) Bind(r *commit.Record) error {
	i := variantIndex(r.Transform)
	if i < 0 {
		return nil
	}
	v := &p.rotated[i]
	fb := &r.Config.Info.FB
	if v.fd < 0 {
		if err := p.k.SyncCache(r.ShareFD); err != nil {
			hwclog.Get().Debug("cursor: cache sync", "fd", r.ShareFD, "err", err)
		}
		nv, err := p.rotate(r.ShareFD, fb.Size[0], r.Transform)
		if err != nil {
			return err
		}
		if err := p.k.SyncCache(nv.fd); err != nil {
			hwclog.Get().Debug("cursor: cache sync", "fd", nv.fd, "err", err)
		}
		*v = nv
	}
	r.NeedSync = false
	r.ShareFD = fence.CloseValid(p.ops, r.ShareFD)
	fb.Addr[0] = v.addr
	fb.Size[0] = v.size
	return nil
}

// rotate copies the 32-bit image in src into a new ION buffer, turned by t.
func (p *Path) rotate(src int, size sunxi.Size, t layer.Transform) (variant, error) {
	w, h := int(size.Width), int(size.Height)
	n := w * h * 4
	if n == 0 {
		return variant{fd: -1}, fmt.Errorf("cursor: empty image %dx%d", w, h)
	}
	fd, err := p.k.Alloc(n, sunxi.HeapDMA)
	if err != nil {
		return variant{fd: -1}, fmt.Errorf("cursor: alloc %d bytes: %w", n, err)
	}
	fail := func(err error) (variant, error) {
		fence.CloseValid(p.ops, fd)
		return variant{fd: -1}, err
	}
	dst, err := p.k.Mmap(fd, n)
	if err != nil {
		return fail(fmt.Errorf("cursor: mmap rotated: %w", err))
	}
	defer p.k.Munmap(dst)
	pix, err := p.k.Mmap(src, n)
	if err != nil {
		return fail(fmt.Errorf("cursor: mmap source: %w", err))
	}
	defer p.k.Munmap(pix)

	out := turn(fbimage.RawNRGBA(pix, w, h), t)
	copy(dst, out.Pix)
	addr, err := p.k.PhysAddr(fd)
	if err != nil {
		return fail(err)
	}
	return variant{
		fd:   fd,
		addr: addr,
		size: sunxi.Size{Width: uint32(out.Rect.Dx()), Height: uint32(out.Rect.Dy())},
	}, nil
}

// turn rotates img clockwise by t. imaging counts counter-clockwise.
func turn(img *image.NRGBA, t layer.Transform) *image.NRGBA {
	switch t {
	case layer.Rot90:
		return imaging.Rotate270(img)
	case layer.Rot180:
		return imaging.Rotate180(img)
	case layer.Rot270:
		return imaging.Rotate90(img)
	}
	return imaging.Clone(img)
}

// FreeRotated closes the rotated copies.
func (p *Path) FreeRotated() {
	for i := range p.rotated {
		p.rotated[i].fd = fence.CloseValid(p.ops, p.rotated[i].fd)
		p.rotated[i].addr = 0
		p.rotated[i].size = sunxi.Size{}
	}
}
