// Package frame holds the descriptors that carry a built frame from the
// client to the commit worker.
//
// Descriptors are recycled. A pool keeps them on three queues, each behind
// its own mutex: the commit FIFO between client and worker, the managed
// descriptors that are in flight or free for reuse, and the abandoned ones
// whose record storage no longer fits the frames coming in. The mutexes are
// never held together.
package frame

import (
	"sync"

	"github.com/gokrazy/sunxihwc/internal/commit"
	"github.com/gokrazy/sunxihwc/internal/display"
	"github.com/gokrazy/sunxihwc/internal/fence"
	"github.com/gokrazy/sunxihwc/internal/sunxi"
)

const (
	// MaxFree is the number of spare descriptors above which released
	// ones are abandoned.
	MaxFree = 3
	// MinFree is the number of spare descriptors the pool refills from the
	// abandoned ones, and the number of abandoned ones it keeps.
	MinFree = 2
	// slack is how much larger than needed a reused record array may be.
	slack = 2
)

// Frame is one frame on its way to the display engine.
type Frame struct {
	Sync uint32
	// Records holds the built layers per kernel display.
	Records [display.HWCount][]commit.Record
	// ForceFlip marks kernel displays that show their previous
	// configuration again.
	ForceFlip [display.HWCount]bool
	// ReleaseFences are the fences the driver handed out for this frame,
	// indexed by sync sink. The pool closes them on Release.
	ReleaseFences [sunxi.SyncSinks]int
	// RotateDisp and RotateIndex locate the video record that needs the
	// transform engine, -1 when none does.
	RotateDisp  int
	RotateIndex int
	// Cursor indexes the cursor record per kernel display, -1 if none.
	Cursor [display.HWCount]int
	// First is the kernel display driving the primary.
	First int
	// SameDisplay is set when the virtual display mirrors the primary.
	SameDisplay bool
	// WritebackFence is the acquire fence of the virtual display's output
	// buffer, consumed by the worker.
	WritebackFence int

	inUse   bool
	abandon bool
	id      int
}

// ID identifies the descriptor within its pool.
func (f *Frame) ID() int { return f.id }

func (f *Frame) reset(sync uint32) {
	f.Sync = sync
	for i := range f.Records {
		f.Records[i] = f.Records[i][:0]
		f.ForceFlip[i] = false
		f.Cursor[i] = -1
	}
	for i := range f.ReleaseFences {
		f.ReleaseFences[i] = -1
	}
	f.RotateDisp = -1
	f.RotateIndex = -1
	f.First = 0
	f.SameDisplay = false
	f.WritebackFence = -1
}

// fits reports whether the record storage of f can take needed records per
// display without growing or wasting more than slack entries.
func (f *Frame) fits(needed [display.HWCount]int) bool {
	for i, n := range needed {
		c := cap(f.Records[i])
		if c < n || c-n > slack {
			return false
		}
	}
	return true
}

func (f *Frame) resize(needed [display.HWCount]int) {
	for i, n := range needed {
		if c := cap(f.Records[i]); c < n || c-n > slack {
			f.Records[i] = make([]commit.Record, 0, n)
		}
	}
}

// Stats is a snapshot of the pool occupancy.
type Stats struct {
	Queued    int
	Managed   int
	InUse     int
	Abandoned int
	Allocated int
}

// Pool owns the descriptors.
type Pool struct {
	ops  fence.Ops
	wake chan struct{}

	commitMu sync.Mutex
	commit   []*Frame

	manageMu  sync.Mutex
	managed   []*Frame
	used      int
	allocated int

	abandonMu sync.Mutex
	abandoned []*Frame
}

func NewPool(ops fence.Ops) *Pool {
	return &Pool{
		ops:  ops,
		wake: make(chan struct{}, 1),
	}
}

// Acquire returns a descriptor with room for needed records per kernel
// display, reset for frame sync.
//
// A free descriptor whose record arrays are within [needed, needed+2] is
// reused. Free descriptors that do not fit are abandoned, as are further
// fitting ones while more than MaxFree spares exist.
func (p *Pool) Acquire(needed [display.HWCount]int, sync uint32) *Frame {
	var found *Frame
	var drop []*Frame
	cut := 2

	p.manageMu.Lock()
	kept := p.managed[:0]
	for _, f := range p.managed {
		if f.inUse {
			kept = append(kept, f)
			continue
		}
		if !f.abandon && f.fits(needed) {
			if found == nil {
				found = f
				kept = append(kept, f)
				continue
			}
			spare := len(p.managed) - len(drop) - p.used
			if cut == 0 || spare < MaxFree {
				kept = append(kept, f)
				continue
			}
			cut--
		}
		f.abandon = true
		drop = append(drop, f)
	}
	for i := len(kept); i < len(p.managed); i++ {
		p.managed[i] = nil
	}
	p.managed = kept
	if found == nil {
		p.allocated++
		found = &Frame{id: p.allocated}
		found.resize(needed)
		p.managed = append(p.managed, found)
	}
	found.inUse = true
	p.used++
	p.manageMu.Unlock()

	if len(drop) > 0 {
		p.abandonMu.Lock()
		p.abandoned = append(p.abandoned, drop...)
		p.abandonMu.Unlock()
	}

	found.reset(sync)
	return found
}

// Submit queues f for the worker and wakes it.
func (p *Pool) Submit(f *Frame) {
	p.commitMu.Lock()
	p.commit = append(p.commit, f)
	p.commitMu.Unlock()
	p.Kick()
}

// Kick wakes the worker without queueing a frame.
func (p *Pool) Kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Wake is signalled by Submit and Kick.
func (p *Pool) Wake() <-chan struct{} { return p.wake }

// Pop removes and returns the oldest queued frame, or nil.
func (p *Pool) Pop() *Frame {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	if len(p.commit) == 0 {
		return nil
	}
	f := p.commit[0]
	p.commit[0] = nil
	p.commit = p.commit[1:]
	return f
}

// Len returns the number of queued frames.
func (p *Pool) Len() int {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	return len(p.commit)
}

// newest returns the record counts of the most recently queued frame.
func (p *Pool) newest() ([display.HWCount]int, bool) {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	var n [display.HWCount]int
	if len(p.commit) == 0 {
		return n, false
	}
	f := p.commit[len(p.commit)-1]
	for i := range n {
		n[i] = len(f.Records[i])
	}
	return n, true
}

// Release returns f to the pool. Release fences still held by f are closed.
// f is abandoned when the pool already has more than MaxFree spares.
func (p *Pool) Release(f *Frame) {
	for i := range f.ReleaseFences {
		f.ReleaseFences[i] = fence.CloseValid(p.ops, f.ReleaseFences[i])
	}
	p.manageMu.Lock()
	if len(p.managed)-p.used > MaxFree {
		f.abandon = true
	}
	f.inUse = false
	p.used--
	p.manageMu.Unlock()
}

// Recycle tops the spares up to MinFree from the abandoned descriptors,
// sized after the newest queued frame, and lets go of abandoned ones
// beyond MinFree.
func (p *Pool) Recycle() {
	if ref, ok := p.newest(); ok {
		for p.spare() < MinFree {
			f := p.takeAbandoned()
			if f == nil {
				break
			}
			f.abandon = false
			f.resize(ref)
			p.manageMu.Lock()
			p.managed = append(p.managed, f)
			p.manageMu.Unlock()
		}
	}

	p.abandonMu.Lock()
	for len(p.abandoned) > MinFree {
		p.abandoned[0] = nil
		p.abandoned = p.abandoned[1:]
	}
	p.abandonMu.Unlock()
}

func (p *Pool) spare() int {
	p.manageMu.Lock()
	defer p.manageMu.Unlock()
	return len(p.managed) - p.used
}

func (p *Pool) takeAbandoned() *Frame {
	p.abandonMu.Lock()
	defer p.abandonMu.Unlock()
	if len(p.abandoned) == 0 {
		return nil
	}
	f := p.abandoned[0]
	p.abandoned[0] = nil
	p.abandoned = p.abandoned[1:]
	return f
}

// Stats returns the current occupancy.
func (p *Pool) Stats() Stats {
	var s Stats
	s.Queued = p.Len()
	p.manageMu.Lock()
	s.Managed = len(p.managed)
	s.InUse = p.used
	s.Allocated = p.allocated
	p.manageMu.Unlock()
	p.abandonMu.Lock()
	s.Abandoned = len(p.abandoned)
	p.abandonMu.Unlock()
	return s
}

// Drain empties the commit queue and returns the frames it held. The
// caller owns their fds.
func (p *Pool) Drain() []*Frame {
	p.commitMu.Lock()
	q := p.commit
	p.commit = nil
	p.commitMu.Unlock()
	return q
}
