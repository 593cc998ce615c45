package display

import (
	"fmt"
	"sync"
	"time"

	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/hwclog"
	"github.com/gokrazy/sunxihwc/internal/sunxi"
)

// Manager brings displays up at start and follows HDMI hotplug.
type Manager struct {
	Table *Table

	// UnplugDelay is waited between reporting an unplug and switching the
	// sink off.
	UnplugDelay time.Duration
	// OnHotplug is called when the external display comes or goes.
	OnHotplug func(disp int, connected bool)

	k       sunxi.Kernel
	mu      sync.Mutex // serializes hotplug handling
	support [HWCount]map[format.Mode]bool
}

func NewManager(k sunxi.Kernel) *Manager {
	m := &Manager{
		Table:       NewTable(),
		UnplugDelay: time.Second,
		k:           k,
	}
	for i := range m.support {
		m.support[i] = make(map[format.Mode]bool)
	}
	return m
}

// Init maps the kernel displays to logical displays and fills in their
// records. Permanent sinks (LCD, TV, VGA) take the primary slot even when
// the kernel lists an HDMI sink first.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := hwclog.Get()

	panel, err := m.k.Panel()
	if err != nil {
		return fmt.Errorf("reading panel info: %w", err)
	}
	timing := panel.Timing()

	type slot struct {
		hw int
		t  sunxi.OutputType
	}
	var found []slot
	permanent := 0
	for hw := 0; hw < HWCount; hw++ {
		t, err := m.k.OutputType(hw)
		if err != nil {
			log.Warn("output type", "disp", hw, "err", err)
			continue
		}
		switch t {
		case sunxi.OutputLCD, sunxi.OutputTV, sunxi.OutputVGA:
			permanent++
			fallthrough
		case sunxi.OutputHDMI:
			found = append(found, slot{hw, t})
		}
	}
	if permanent > 0 && len(found) > 0 && found[0].t == sunxi.OutputHDMI {
		for i := 1; i < len(found); i++ {
			if found[i].t != sunxi.OutputHDMI {
				found[0], found[i] = found[i], found[0]
				break
			}
		}
	}

	for i, s := range found {
		m.Table.Update(i, func(rec *Info) {
			rec.HW = s.hw
			rec.Type = s.t
		})
	}

	for i, s := range found {
		switch s.t {
		case sunxi.OutputLCD, sunxi.OutputTV, sunxi.OutputVGA:
			m.Table.Update(i, func(rec *Info) {
				rec.VsyncPeriod = int64(1e9 / timing.RefreshHz)
				rec.DPIX, rec.DPIY = timing.DPIX, timing.DPIY
				rec.Mode3D = format.Original
				rec.InitWidth, rec.InitHeight = timing.Width, timing.Height
				rec.VarWidth, rec.VarHeight = timing.Width, timing.Height
				rec.Secure = true
				rec.Active = true
			})
		case sunxi.OutputHDMI:
			if i == Primary {
				mode := m.suitableModeLocked(s.hw, format.ModeNum)
				mi, _ := format.LookupMode(mode)
				m.Table.Update(i, func(rec *Info) {
					rec.Mode = mode
					rec.InitWidth, rec.InitHeight = mi.Width, mi.Height
					rec.VarWidth, rec.VarHeight = mi.Width, mi.Height
					rec.DPIX, rec.DPIY = hdmiDPI, hdmiDPI
					rec.VsyncPeriod = int64(1e9 / mi.Refresh)
					rec.Active = true
				})
			} else {
				m.hotplugLocked(s.hw, true, format.ModeNum)
			}
		}
		m.Table.Update(i, func(rec *Info) {
			rec.Channels = PrimaryChannels
			if rec.HW != 0 {
				rec.Channels = SecondaryChannels
			}
			rec.LayersPerChannel = LayersPerChannel
			rec.VideoChannels = VideoChannels
			rec.VsyncEnabled = true
			rec.FBCost = fbCost(rec)
		})
		rec := m.Table.Get(i)
		log.Info("display up",
			"disp", i,
			"hw", rec.HW,
			"type", rec.Type,
			"width", rec.VarWidth,
			"height", rec.VarHeight,
			"vsync_ns", rec.VsyncPeriod)
	}
	if err := m.k.EnableVsync(0, true); err != nil {
		log.Warn("enable vsync", "disp", 0, "err", err)
	}
	return nil
}

// SuitableMode picks the HDMI mode for kernel display hw: last if the sink
// still takes it, else the best mode the sink accepts, else 1080p60.
func (m *Manager) SuitableMode(hw int, last format.Mode) format.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suitableModeLocked(hw, last)
}

func (m *Manager) suitableModeLocked(hw int, last format.Mode) format.Mode {
	if last < format.ModeNum && m.k.DeviceSwitch(hw, sunxi.OutputHDMI, uint32(last)) == nil {
		return last
	}
	best := format.ModeNum
	for _, mode := range format.SearchOrder() {
		ok := m.k.DeviceSwitch(hw, sunxi.OutputHDMI, uint32(mode)) == nil
		m.support[hw][mode] = ok
		if ok && best == format.ModeNum {
			best = mode
		}
	}
	if best == format.ModeNum {
		return format.Mode1080P60
	}
	return best
}

// Supported reports whether the sink on hw accepted mode during the last
// mode search.
func (m *Manager) Supported(hw int, mode format.Mode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.support[hw][mode]
}

// Hotplug handles an HDMI connect or disconnect on kernel display hw. A
// mode of format.ModeNum selects the mode automatically.
func (m *Manager) Hotplug(hw int, plug bool, mode format.Mode) {
	m.mu.Lock()
	m.hotplugLocked(hw, plug, mode)
	m.mu.Unlock()
	if !plug {
		m.powerOff(hw)
	}
}

// powerOff blanks the sink of an unplugged display and switches it off
// once UnplugDelay has passed, unless it was plugged again meanwhile.
func (m *Manager) powerOff(hw int) {
	time.Sleep(m.UnplugDelay)
	m.mu.Lock()
	defer m.mu.Unlock()
	log := hwclog.Get()
	if m.Table.Find(hw) >= 0 {
		log.Info("hdmi plugged again, staying on", "hw", hw)
		return
	}
	if err := m.k.Blank(hw, true); err != nil {
		log.Warn("unplug: blank", "hw", hw, "err", err)
	}
	if err := m.k.DeviceSwitch(hw, sunxi.OutputNone, 0); err != nil {
		log.Warn("unplug: device switch", "hw", hw, "err", err)
	}
	if err := m.k.EnableVsync(hw, false); err != nil {
		log.Warn("unplug: disable vsync", "hw", hw, "err", err)
	}
	log.Info("hdmi unplugged", "hw", hw)
}

func (m *Manager) hotplugLocked(hw int, plug bool, mode format.Mode) {
	log := hwclog.Get()
	disp := m.Table.Find(hw)
	already := disp >= 0

	if plug {
		if !already {
			disp = m.Table.Claim(hw)
			if disp < 0 {
				log.Warn("hotplug: no free display", "hw", hw)
				return
			}
		}
		if mode >= format.ModeNum {
			mode = m.suitableModeLocked(hw, m.Table.Get(disp).Mode)
		}
		mi, ok := format.LookupMode(mode)
		if !ok {
			log.Warn("hotplug: unknown mode", "hw", hw, "mode", mode)
			return
		}
		primaryHW := m.Table.Get(Primary).HW
		m.Table.Update(disp, func(rec *Info) {
			rec.VarWidth, rec.VarHeight = mi.Width, mi.Height
			rec.Type = sunxi.OutputHDMI
			rec.Mode = mode
			rec.DPIX, rec.DPIY = hdmiDPI, hdmiDPI
			rec.VsyncPeriod = int64(1e9 / mi.Refresh)
			rec.Channels = PrimaryChannels
			if hw != 0 {
				rec.Channels = SecondaryChannels
			}
			rec.LayersPerChannel = LayersPerChannel
			rec.VideoChannels = VideoChannels
			if primaryHW != hw && (!already || rec.InitWidth == 0) {
				rec.InitWidth, rec.InitHeight = rec.VarWidth, rec.VarHeight
			}
			rec.FBCost = fbCost(rec)
			RecountPersent(rec)
		})
		if err := m.k.DeviceSwitch(hw, sunxi.OutputHDMI, uint32(mode)); err != nil {
			log.Warn("hotplug: device switch", "hw", hw, "mode", mi, "err", err)
		}
		if err := m.k.EnableVsync(hw, true); err != nil {
			log.Warn("hotplug: enable vsync", "hw", hw, "err", err)
		}
		log.Info("hdmi plugged", "hw", hw, "disp", disp, "mode", mi)
	} else {
		m.Table.Release(hw)
	}

	if disp == External && already != plug && m.OnHotplug != nil {
		m.OnHotplug(External, plug)
	}
}
