// Package uevent follows kernel uevents for vsync and HDMI hotplug and
// drives the periodic housekeeping of the composer.
package uevent

import (
	"bytes"
	"strconv"
)

// Kind classifies a uevent.
type Kind int

const (
	Other Kind = iota
	// Vsync is a vsync notification of the display engine.
	Vsync
	// HDMI is a change of the HDMI switch.
	HDMI
)

// Event is one recognised variable of a uevent.
type Event struct {
	Kind Kind
	// HW is the kernel display of a Vsync event.
	HW int
	// Timestamp of a Vsync event, in nanoseconds.
	Timestamp int64
	// Connected is the new state of an HDMI event.
	Connected bool
}

var (
	vsyncKeys = [][]byte{[]byte("VSYNC0="), []byte("VSYNC1=")}
	switchKey = []byte("SWITCH_STATE=")
)

// Parse decodes a uevent payload: a NUL separated header such as
// "change@/devices/platform/disp" followed by KEY=value variables. Payloads
// of other devices yield no events.
func Parse(b []byte) []Event {
	fields := bytes.Split(b, []byte{0})
	if len(fields) == 0 {
		return nil
	}
	header := fields[0]
	if !bytes.HasPrefix(header, []byte("change@")) {
		return nil
	}
	var kind Kind
	switch {
	case bytes.HasSuffix(header, []byte("/disp")):
		kind = Vsync
	case bytes.HasSuffix(header, []byte("/switch/hdmi")):
		kind = HDMI
	default:
		return nil
	}

	var events []Event
	for _, f := range fields[1:] {
		switch kind {
		case Vsync:
			for hw, key := range vsyncKeys {
				if !bytes.HasPrefix(f, key) {
					continue
				}
				ts, err := strconv.ParseUint(string(f[len(key):]), 0, 64)
				if err != nil {
					continue
				}
				events = append(events, Event{Kind: Vsync, HW: hw, Timestamp: int64(ts)})
			}
		case HDMI:
			if !bytes.HasPrefix(f, switchKey) {
				continue
			}
			state, err := strconv.ParseUint(string(f[len(switchKey):]), 0, 32)
			if err != nil {
				continue
			}
			events = append(events, Event{Kind: HDMI, Connected: state != 0})
		}
	}
	return events
}
