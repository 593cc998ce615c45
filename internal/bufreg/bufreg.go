// Package bufreg keeps the buffers of recent frames alive after their
// commit.
//
// The display engine scans a buffer out until the next commit latches, so
// the dup'd buffer fds of a frame are kept in a small ring of hold slots and
// closed only when their slot is reclaimed by a later frame.
package bufreg

import (
	"sync"

	"github.com/gokrazy/sunxihwc/internal/fence"
)

// DefaultSlots is the ring depth when none is configured.
const DefaultSlots = 3

type slot struct {
	sync uint32
	fds  []int
}

// Registry is a ring of hold slots. It owns every fd passed to it.
type Registry struct {
	ops fence.Ops

	mu    sync.Mutex
	slots []slot
}

// New returns a registry with n hold slots.
func New(n int, ops fence.Ops) *Registry {
	if n <= 0 {
		n = DefaultSlots
	}
	return &Registry{
		ops:   ops,
		slots: make([]slot, n),
	}
}

// Retain stores the fds of frame sync, closing the fds of the least
// recently used slot. Negative fds are ignored.
func (r *Registry) Retain(sync uint32, fds []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lru := 0
	for i := range r.slots {
		if r.slots[i].sync < r.slots[lru].sync {
			lru = i
		}
	}
	s := &r.slots[lru]
	r.closeAll(s.fds)
	s.fds = s.fds[:0]
	for _, fd := range fds {
		if fd >= 0 {
			s.fds = append(s.fds, fd)
		}
	}
	s.sync = sync
}

// Release closes fds right away, for frames that never reached the
// display.
func (r *Registry) Release(fds []int) {
	r.closeAll(fds)
}

func (r *Registry) closeAll(fds []int) {
	for _, fd := range fds {
		fence.CloseValid(r.ops, fd)
	}
}

// Held returns the number of fds currently retained.
func (r *Registry) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		n += len(s.fds)
	}
	return n
}

// Close releases every retained fd.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		r.closeAll(r.slots[i].fds)
		r.slots[i] = slot{}
	}
	return nil
}
