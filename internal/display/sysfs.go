package display

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/hwclog"
	"github.com/gokrazy/sunxihwc/internal/sunxi"
)

// Sysfs attributes read or written at start, relative to the sysfs root.
const (
	HDMIStatePath     = "class/switch/hdmi/state"
	RuntimeEnablePath = "class/disp/disp/attr/runtime_enable"
	DDRMaxFreqPath    = "class/devfreq/sunxi-ddrfreq/max_freq"
)

// DefaultMemLimit is the per-frame bandwidth budget, in bytes, when the DRAM
// clock is unknown.
const DefaultMemLimit = 37324800

// Budgets by DRAM clock (kHz), fastest first.
var memTiers = []struct {
	speed int
	limit int
}{
	{672000, 37324800},
	{552000, 29030400},
	{432000, 20736000},
}

// MemoryLimit derives the bandwidth budget from the maximum DRAM clock. The
// clock is read from its first six characters; anything else than digits
// there counts as 552 MHz.
func MemoryLimit(sysfsRoot string) int {
	b, err := os.ReadFile(filepath.Join(sysfsRoot, DDRMaxFreqPath))
	if err != nil {
		return DefaultMemLimit
	}
	s := strings.TrimSpace(string(b))
	if len(s) > 6 {
		s = s[:6]
	}
	speed := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			speed = 552000
			break
		}
		speed = speed*10 + int(c-'0')
	}
	for _, t := range memTiers {
		if t.speed <= speed {
			return t.limit
		}
	}
	return memTiers[len(memTiers)-1].limit
}

// HDMIConnected reports whether the HDMI switch says a sink is attached.
func HDMIConnected(sysfsRoot string) bool {
	b, err := os.ReadFile(filepath.Join(sysfsRoot, HDMIStatePath))
	return err == nil && len(b) > 0 && b[0] == '1'
}

// EnableRuntime turns on runtime power management of the display engine.
func EnableRuntime(sysfsRoot string) {
	p := filepath.Join(sysfsRoot, RuntimeEnablePath)
	if err := os.WriteFile(p, []byte("1"), 0644); err != nil {
		hwclog.Get().Debug("runtime_enable", "err", err)
	}
}

// DetectHDMI brings up an HDMI sink that was attached before start on kernel
// display 1, unless the primary already drives HDMI.
func (m *Manager) DetectHDMI(sysfsRoot string) {
	if !HDMIConnected(sysfsRoot) {
		return
	}
	if m.Table.Get(Primary).Type == sunxi.OutputHDMI || m.Table.Get(External).Mapped() {
		return
	}
	m.Hotplug(1, true, format.ModeNum)
}
