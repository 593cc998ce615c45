// Package sunxitest provides an in-memory sunxi.Kernel that records what the
// composer asks of the drivers.
package sunxitest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gokrazy/sunxihwc/internal/fb"
	"github.com/gokrazy/sunxihwc/internal/fence/fencetest"
	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/sunxi"
)

// Kernel is a fake display, transform and ION driver. Fence and buffer fds
// are handed out by Fences.
type Kernel struct {
	Fences *fencetest.Ops

	mu        sync.Mutex
	outputs   [2]sunxi.OutputType
	modes     map[uint32]bool
	screen    [2][2]int
	panel     fb.VarScreeninfo
	transform bool
	trBusy    bool
	trFail    int // remaining failing transform commits
	allocFail bool
	phys      map[int]uint64
	mem       map[int][]byte
	nextPhys  uint64

	commits   []sunxi.Commit
	configs   []LayerConfigCall
	blanks    []BlankCall
	vsync     map[int]bool
	switches  []SwitchCall
	primaries []int
	trInfos   []sunxi.TRInfo
	trTimeout []int
	trHandles int
	trOpen    bool
	allocs    []AllocCall
}

type LayerConfigCall struct {
	Disp   int
	Config sunxi.LayerConfig
}

type BlankCall struct {
	Disp  int
	Blank bool
}

type SwitchCall struct {
	Disp int
	Type sunxi.OutputType
	Mode uint32
}

type AllocCall struct {
	Size int
	Mask uint32
	FD   int
}

var _ sunxi.Kernel = (*Kernel)(nil)

// New returns a fake with an LCD panel of width×height on display 0 and a
// transform engine.
func New(width, height int) *Kernel {
	return &Kernel{
		Fences:    fencetest.New(),
		outputs:   [2]sunxi.OutputType{sunxi.OutputLCD, sunxi.OutputNone},
		modes:     make(map[uint32]bool),
		screen:    [2][2]int{{width, height}},
		panel:     fb.VarScreeninfo{Xres: uint32(width), Yres: uint32(height), Bits_per_pixel: 32},
		transform: true,
		phys:      make(map[int]uint64),
		mem:       make(map[int][]byte),
		nextPhys:  0x40000000,
		vsync:     make(map[int]bool),
	}
}

// SetOutput sets the sink type reported for disp.
func (k *Kernel) SetOutput(disp int, t sunxi.OutputType) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.outputs[disp] = t
}

// SupportModes makes DeviceSwitch accept the given HDMI modes.
func (k *Kernel) SupportModes(modes ...format.Mode) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, m := range modes {
		k.modes[uint32(m)] = true
	}
}

// SetPanel replaces the panel screen info.
func (k *Kernel) SetPanel(v fb.VarScreeninfo) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.panel = v
}

// SetTransform enables or removes the transform engine.
func (k *Kernel) SetTransform(ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.transform = ok
}

// FailTransform makes the next n transform jobs never finish.
func (k *Kernel) FailTransform(n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.trFail = n
}

// FailAlloc makes every ION allocation fail.
func (k *Kernel) FailAlloc(fail bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.allocFail = fail
}

func (k *Kernel) OutputType(disp int) (sunxi.OutputType, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if disp < 0 || disp > 1 {
		return sunxi.OutputNone, errors.New("bad display")
	}
	return k.outputs[disp], nil
}

func (k *Kernel) ScreenSize(disp int) (int, int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.screen[disp][0], k.screen[disp][1], nil
}

func (k *Kernel) DeviceSwitch(disp int, t sunxi.OutputType, mode uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.switches = append(k.switches, SwitchCall{disp, t, mode})
	if t == sunxi.OutputHDMI && !k.modes[mode] {
		return fmt.Errorf("mode %#x unsupported", mode)
	}
	return nil
}

func (k *Kernel) EnableVsync(disp int, on bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.vsync[disp] = on
	return nil
}

func (k *Kernel) Blank(disp int, blank bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.blanks = append(k.blanks, BlankCall{disp, blank})
	return nil
}

func (k *Kernel) SetLayerConfig(disp int, cfg *sunxi.LayerConfig) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.configs = append(k.configs, LayerConfigCall{disp, *cfg})
	return nil
}

func (k *Kernel) FenceFDs(fds *[sunxi.SyncSinks]int32) error {
	for i, fd := range fds {
		if fd == sunxi.FenceNeed {
			fds[i] = int32(k.Fences.NewFD(fmt.Sprintf("release %d", i)))
		}
	}
	return nil
}

func (k *Kernel) Commit(c *sunxi.Commit) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	cp := *c
	for i, l := range c.Layers {
		cp.Layers[i] = append([]sunxi.LayerConfig(nil), l...)
	}
	k.commits = append(k.commits, cp)
	return nil
}

func (k *Kernel) SetPrimary(disp int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.primaries = append(k.primaries, disp)
	return nil
}

func (k *Kernel) Panel() (fb.VarScreeninfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.panel, nil
}

func (k *Kernel) Alloc(size int, mask uint32) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.allocFail {
		return -1, errors.New("ION_IOC_ALLOC: out of memory")
	}
	fd := k.Fences.NewFD(fmt.Sprintf("ion %d bytes", size))
	k.phys[fd] = k.nextPhys
	k.nextPhys += uint64(size+4095) &^ 4095
	k.allocs = append(k.allocs, AllocCall{size, mask, fd})
	return fd, nil
}

// root follows dups back to the fd that was allocated or registered.
func (k *Kernel) root(fd int) int {
	for {
		src := k.Fences.Origin(fd)
		if src < 0 {
			return fd
		}
		fd = src
	}
}

// SetPhys registers the physical address of a client buffer fd.
func (k *Kernel) SetPhys(fd int, addr uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.phys[fd] = addr
}

func (k *Kernel) PhysAddr(fd int) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if addr, ok := k.phys[k.root(fd)]; ok {
		return addr, nil
	}
	return 0, fmt.Errorf("fd %d: no physical address", fd)
}

func (k *Kernel) SyncCache(fd int) error { return nil }

func (k *Kernel) Mmap(fd, size int) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	r := k.root(fd)
	b := k.mem[r]
	if len(b) < size {
		nb := make([]byte, size)
		copy(nb, b)
		k.mem[r] = nb
		b = nb
	}
	return b[:size], nil
}

func (k *Kernel) Munmap(b []byte) error { return nil }

func (k *Kernel) HasTransform() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.transform
}

func (k *Kernel) TransformRequest() (sunxi.TRHandle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.transform {
		return 0, sunxi.ErrNoDevice
	}
	k.trHandles++
	k.trOpen = true
	return sunxi.TRHandle(k.trHandles), nil
}

func (k *Kernel) TransformCommit(h sunxi.TRHandle, info *sunxi.TRInfo) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.trInfos = append(k.trInfos, *info)
	k.trBusy = k.trFail > 0
	if k.trFail > 0 {
		k.trFail--
	}
	return nil
}

func (k *Kernel) TransformQuery(h sunxi.TRHandle) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.trBusy {
		return 1, nil
	}
	return 0, nil
}

func (k *Kernel) TransformSetTimeout(h sunxi.TRHandle, ms int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.trTimeout = append(k.trTimeout, ms)
	return nil
}

func (k *Kernel) TransformRelease(h sunxi.TRHandle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.trOpen = false
	return nil
}

func (k *Kernel) Close() error { return nil }

// Commits returns copies of all committed packets.
func (k *Kernel) Commits() []sunxi.Commit {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]sunxi.Commit(nil), k.commits...)
}

func (k *Kernel) LayerConfigs() []LayerConfigCall {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]LayerConfigCall(nil), k.configs...)
}

func (k *Kernel) Blanks() []BlankCall {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]BlankCall(nil), k.blanks...)
}

func (k *Kernel) Switches() []SwitchCall {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]SwitchCall(nil), k.switches...)
}

func (k *Kernel) Primaries() []int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]int(nil), k.primaries...)
}

func (k *Kernel) Vsync(disp int) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.vsync[disp]
}

func (k *Kernel) TransformJobs() []sunxi.TRInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]sunxi.TRInfo(nil), k.trInfos...)
}

func (k *Kernel) TransformTimeouts() []int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]int(nil), k.trTimeout...)
}

// TransformOpen reports whether a transform context is held.
func (k *Kernel) TransformOpen() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.trOpen
}

func (k *Kernel) Allocs() []AllocCall {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]AllocCall(nil), k.allocs...)
}
