// Package display keeps the per-display records of the composer.
//
// Records are immutable snapshots published through atomic pointers. The
// event pump and the client API replace them, the assignor and the commit
// worker load a snapshot at the start of each frame and never observe a
// half-updated record.
package display

import (
	"sync"
	"sync/atomic"

	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/sunxi"
)

// Logical display indices.
const (
	Primary  = 0
	External = 1
	Virtual  = 2

	// Count is the number of logical displays, HWCount the number of
	// kernel displays.
	Count   = 3
	HWCount = 2
)

// Channel layout of the display engine.
const (
	PrimaryChannels   = 4
	SecondaryChannels = 2
	LayersPerChannel  = sunxi.LayersPerChannel
	VideoChannels     = 1
)

const hdmiDPI = 213000

// Info is one display record.
type Info struct {
	// HW is the kernel display index, -1 while the display is unmapped.
	HW           int
	Active       bool
	Secure       bool
	VsyncEnabled bool
	Type         sunxi.OutputType
	Mode         format.Mode

	InitWidth, InitHeight int
	VarWidth, VarHeight   int
	// VsyncPeriod is in nanoseconds.
	VsyncPeriod int64
	DPIX, DPIY  int

	// SetPersent is the requested overscan box, Persent the one in effect.
	SetPersentW, SetPersentH int
	PersentW, PersentH       int
	Mode3D                   format.Mode3D

	Channels         int
	LayersPerChannel int
	VideoChannels    int
	// FBCost is the bandwidth of scanning out the framebuffer target once
	// per frame, in bytes.
	FBCost int
	// Timestamp of the last vsync, in nanoseconds.
	Timestamp int64
}

// Mapped reports whether the display is backed by a kernel display.
func (i *Info) Mapped() bool { return i != nil && i.HW >= 0 }

func blank() *Info {
	return &Info{
		HW:          -1,
		Mode:        format.ModeNum,
		SetPersentW: 100,
		SetPersentH: 100,
		PersentW:    100,
		PersentH:    100,
	}
}

// Table holds the records of all logical displays.
type Table struct {
	mu   sync.Mutex // serializes writers
	recs [Count]atomic.Pointer[Info]
}

func NewTable() *Table {
	t := &Table{}
	for i := range t.recs {
		t.recs[i].Store(blank())
	}
	return t
}

// Get returns the current snapshot of display i. The result must not be
// modified.
func (t *Table) Get(i int) *Info {
	return t.recs[i].Load()
}

// Snapshot returns the records of all displays.
func (t *Table) Snapshot() [Count]*Info {
	var s [Count]*Info
	for i := range s {
		s[i] = t.Get(i)
	}
	return s
}

// Update publishes a modified copy of display i.
func (t *Table) Update(i int, fn func(*Info)) *Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updateLocked(i, fn)
}

func (t *Table) updateLocked(i int, fn func(*Info)) *Info {
	n := *t.recs[i].Load()
	fn(&n)
	t.recs[i].Store(&n)
	return &n
}

// Find returns the logical display mapped to kernel display hw, or -1.
func (t *Table) Find(hw int) int {
	for i := 0; i < HWCount; i++ {
		if t.Get(i).HW == hw {
			return i
		}
	}
	return -1
}

// Claim maps kernel display hw to a logical display and returns its index,
// or -1 when none is free.
func (t *Table) Claim(hw int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.claimLocked(hw)
}

// Release unmaps kernel display hw and returns the logical display it was
// mapped to, or -1.
func (t *Table) Release(hw int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releaseLocked(hw)
}

// claimLocked maps kernel display hw to a logical display: the one already
// mapped to it, else an inactive primary, else the first unmapped display.
func (t *Table) claimLocked(hw int) int {
	free := -1
	for i := 0; i < HWCount; i++ {
		rec := t.Get(i)
		if rec.HW == hw {
			return i
		}
		if i == Primary && !rec.Active {
			free = i
			break
		}
		if rec.HW < 0 && free < 0 {
			free = i
		}
	}
	if free >= 0 {
		t.updateLocked(free, func(i *Info) {
			i.HW = hw
			i.Active = true
		})
	}
	return free
}

// releaseLocked unmaps kernel display hw. The primary keeps its mapping but
// turns inactive; 3-D output reverts to 2-D.
func (t *Table) releaseLocked(hw int) int {
	i := t.Find(hw)
	if i < 0 {
		return -1
	}
	t.updateLocked(i, func(rec *Info) {
		if i != Primary {
			rec.HW = -1
		}
		rec.Active = false
		if rec.Mode3D.Is3DOutput() {
			rec.Mode3D = format.Original
			rec.Mode = format.ModeNum
		}
	})
	return i
}

// fbCost computes the scan-out bandwidth of a framebuffer target.
func fbCost(i *Info) int {
	if i.VsyncPeriod <= 0 {
		return 0
	}
	perFrame := 1e9 / float64(i.VsyncPeriod) / 60
	return int(perFrame * float64(i.InitHeight) * float64(i.InitWidth) * 4)
}

// RecountPersent recomputes the overscan box in effect: HDMI sinks honour
// the requested box unless they run a 4K or 3-D mode, everything else is
// shown at 100 %.
func RecountPersent(i *Info) {
	i.PersentW, i.PersentH = 100, 100
	if i.Type != sunxi.OutputHDMI || format.Is4K(i.Mode) || i.Mode3D != format.Original {
		return
	}
	if i.SetPersentW >= 90 && i.SetPersentW <= 100 {
		i.PersentW = i.SetPersentW
	}
	if i.SetPersentH >= 90 && i.SetPersentH <= 100 {
		i.PersentH = i.SetPersentH
	}
}
