// Package fencetest provides an in-memory fence.Ops that tracks every fd it
// hands out, so tests can check that each one is closed exactly once.
package fencetest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gokrazy/sunxihwc/internal/fence"
)

// Ops hands out fds starting at 100.
type Ops struct {
	mu     sync.Mutex
	next   int
	open   map[int]string
	stuck  map[int]bool
	closed map[int]int
	origin map[int]int // dup → fd it was duplicated from
	merges int
	errs   []string
	waited []int
}

var _ fence.Ops = (*Ops)(nil)

func New() *Ops {
	return &Ops{
		next:   100,
		open:   make(map[int]string),
		stuck:  make(map[int]bool),
		closed: make(map[int]int),
		origin: make(map[int]int),
	}
}

// NewFD returns a fresh open fd labelled with what.
func (o *Ops) NewFD(what string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.newLocked(what)
}

func (o *Ops) newLocked(what string) int {
	fd := o.next
	o.next++
	o.open[fd] = what
	return fd
}

// Stick makes Wait on fd time out.
func (o *Ops) Stick(fd int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stuck[fd] = true
}

func (o *Ops) Wait(fd int, timeout time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.open[fd]; !ok {
		o.errs = append(o.errs, fmt.Sprintf("wait on fd %d which is not open", fd))
	}
	o.waited = append(o.waited, fd)
	if o.stuck[fd] {
		return fence.ErrTimeout
	}
	return nil
}

func (o *Ops) Merge(name string, a, b int) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, fd := range []int{a, b} {
		if _, ok := o.open[fd]; !ok {
			o.errs = append(o.errs, fmt.Sprintf("merge of fd %d which is not open", fd))
		}
	}
	o.merges++
	return o.newLocked("merge " + name), nil
}

func (o *Ops) Dup(fd int) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	what, ok := o.open[fd]
	if !ok {
		o.errs = append(o.errs, fmt.Sprintf("dup of fd %d which is not open", fd))
	}
	nfd := o.newLocked("dup of " + what)
	o.origin[nfd] = fd
	return nfd, nil
}

func (o *Ops) Close(fd int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.open[fd]; !ok {
		o.errs = append(o.errs, fmt.Sprintf("close of fd %d which is not open (closed %d times before)", fd, o.closed[fd]))
		return fmt.Errorf("close %d: bad file descriptor", fd)
	}
	delete(o.open, fd)
	o.closed[fd]++
	return nil
}

// Open returns the fds that are still open, sorted.
func (o *Ops) Open() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	var fds []int
	for fd := range o.open {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds
}

// IsOpen reports whether fd is open.
func (o *Ops) IsOpen(fd int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.open[fd]
	return ok
}

// Label returns the label of an open fd.
func (o *Ops) Label(fd int) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.open[fd]
}

// Origin returns the fd that fd was duplicated from, or -1.
func (o *Ops) Origin(fd int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if src, ok := o.origin[fd]; ok {
		return src
	}
	return -1
}

// Closed returns how often fd was closed.
func (o *Ops) Closed(fd int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed[fd]
}

// Merges returns the number of Merge calls.
func (o *Ops) Merges() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.merges
}

// Waited returns the fds passed to Wait, in call order.
func (o *Ops) Waited() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.waited...)
}

// Errors returns the misuse recorded so far: double closes, operations on
// fds that are not open.
func (o *Ops) Errors() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.errs...)
}
