package sunxihwc

import (
	"github.com/gokrazy/sunxihwc/internal/display"
	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/hwclog"
	"github.com/gokrazy/sunxihwc/internal/sunxi"
)

// RegisterProcs installs the client callbacks, replacing earlier ones.
func (d *Device) RegisterProcs(p Procs) {
	d.procs.Store(&p)
}

// info returns the record of disp if it is backed by a kernel display.
func (d *Device) info(disp int) (*display.Info, error) {
	if disp < 0 || disp >= display.HWCount {
		return nil, ErrNoDisplay
	}
	i := d.manager.Table.Get(disp)
	if !i.Mapped() {
		return nil, ErrNoDisplay
	}
	return i, nil
}

// SetCursorAsync moves the cursor of disp without waiting for the next
// frame. The position is applied by the commit worker right after the
// frame last passed to Set.
func (d *Device) SetCursorAsync(disp, x, y int) error {
	if disp < 0 || disp > display.External {
		return ErrNoDisplay
	}
	if err := d.cur.Move(disp, x, y, d.frameSync.Load()); err != nil {
		return ErrNoDisplay
	}
	d.pool.Kick()
	return nil
}

// EventControl turns delivery of event on disp on or off.
func (d *Device) EventControl(disp, event int, enable bool) error {
	if event != EventVsync {
		return ErrInvalid
	}
	if _, err := d.info(disp); err != nil {
		return err
	}
	d.manager.Table.Update(disp, func(i *display.Info) { i.VsyncEnabled = enable })
	return nil
}

// Blank powers disp down, or back up. Unblanking takes effect a few
// commits later.
func (d *Device) Blank(disp int, blank bool) error {
	i, err := d.info(disp)
	if err != nil {
		return err
	}
	if !blank {
		d.worker.ArmUnblank()
		return nil
	}
	return d.kernel.Blank(i.HW, true)
}

// Attributes describes a display to the client.
type Attributes struct {
	// VsyncPeriod is in nanoseconds.
	VsyncPeriod int64
	Width       int
	Height      int
	// DPIX and DPIY are in dots per 1000 inches.
	DPIX, DPIY int
}

// Attributes returns the attributes of disp.
func (d *Device) Attributes(disp int) (Attributes, error) {
	i, err := d.info(disp)
	if err != nil {
		return Attributes{}, err
	}
	return Attributes{
		VsyncPeriod: i.VsyncPeriod,
		Width:       i.InitWidth,
		Height:      i.InitHeight,
		DPIX:        i.DPIX,
		DPIY:        i.DPIY,
	}, nil
}

// SetPersent shrinks the picture of an HDMI display to w×h percent of the
// screen to compensate for overscan. Values outside [90, 100] count as 100.
// The box is ignored while the display runs a 4K or 3-D mode.
func (d *Device) SetPersent(disp, w, h int) error {
	i, err := d.info(disp)
	if err != nil {
		return err
	}
	if i.Type != sunxi.OutputHDMI {
		return ErrInvalid
	}
	if w < 90 || w > 100 {
		w = 100
	}
	if h < 90 || h > 100 {
		h = 100
	}
	d.manager.Table.Update(disp, func(i *display.Info) {
		i.SetPersentW, i.SetPersentH = w, h
		display.RecountPersent(i)
	})
	return nil
}

// Set3DMode selects how an HDMI display shows stereoscopic video. Idle
// screens are not handed to the GPU while a mode other than Mode2D is on.
// Entering or leaving the frame-packed modes switches the sink mode.
func (d *Device) Set3DMode(disp int, mode Mode3D) error {
	if mode < format.Original || mode > format.TopBottom3D {
		return ErrInvalid
	}
	i, err := d.info(disp)
	if err != nil {
		return err
	}
	if i.Type != sunxi.OutputHDMI {
		return ErrInvalid
	}
	old := i.Mode3D
	if old == mode {
		return nil
	}
	d.canForceGPU.Store(mode == format.Original)
	if mode != format.Original {
		d.forceGPU.Store(false)
	}
	d.manager.Table.Update(disp, func(i *display.Info) {
		i.Mode3D = mode
		display.RecountPersent(i)
	})
	hwclog.Get().Info("3d mode", "disp", disp, "from", old, "to", mode)

	switch {
	case old.Is3DOutput() == mode.Is3DOutput():
	case mode.Is3DOutput():
		d.manager.Hotplug(i.HW, true, format.Mode1080P24FP)
	default:
		d.manager.Hotplug(i.HW, true, d.manager.SuitableMode(i.HW, format.ModeNum))
	}
	return nil
}
