// Package console leases a Linux virtual terminal in graphics mode so the
// status screen can draw on the frame buffer of the primary display
// without the text console painting over it.
package console

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gokrazy/sunxihwc/internal/hwclog"
)

const tty0 = "/dev/tty0"

func ioctlPtr(fd uintptr, req uintptr, p unsafe.Pointer) error {
	if _, _, eno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(p)); eno != 0 {
		return eno
	}
	return nil
}

// onTTY0 runs an integer ioctl on the console multiplexer.
func onTTY0(fn func(fd int) error) error {
	f, err := os.OpenFile(tty0, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := fn(int(f.Fd())); err != nil {
		return err
	}
	return f.Close()
}

// Lease is a virtual terminal held in graphics mode.
type Lease struct {
	f      *os.File
	vt     int
	prevVT int

	visible atomic.Bool
	redraw  chan struct{}
	sigs    chan os.Signal
	done    chan struct{}
}

// LeaseForGraphics switches to the next free virtual terminal and puts it
// in graphics mode. Release switches back.
func LeaseForGraphics() (*Lease, error) {
	var free int
	if err := onTTY0(func(fd int) (err error) {
		free, err = unix.IoctlGetInt(fd, vtOpenQry)
		return err
	}); err != nil {
		return nil, fmt.Errorf("VT_OPENQRY: %w", err)
	}
	hwclog.Get().Info("leasing console", "tty", free)

	f, err := os.OpenFile(fmt.Sprintf("/dev/tty%d", free), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	var state vtState
	if err := ioctlPtr(f.Fd(), vtGetState, unsafe.Pointer(&state)); err != nil {
		f.Close()
		return nil, fmt.Errorf("VT_GETSTATE: %w", err)
	}
	for _, req := range []uint{vtActivate, vtWaitActive} {
		if err := unix.IoctlSetInt(int(f.Fd()), req, free); err != nil {
			f.Close()
			return nil, fmt.Errorf("activating tty%d: %w", free, err)
		}
	}

	l := &Lease{
		f:      f,
		vt:     free,
		prevVT: int(state.Active),
		redraw: make(chan struct{}, 1),
		sigs:   make(chan os.Signal, 2),
		done:   make(chan struct{}),
	}
	if err := l.processSwitches(); err != nil {
		f.Close()
		return nil, err
	}
	if err := unix.IoctlSetInt(int(f.Fd()), kdSetMode, kdGraphics); err != nil {
		f.Close()
		return nil, fmt.Errorf("KDSETMODE: %w", err)
	}
	return l, nil
}

// processSwitches makes the kernel ask before switching away from the
// terminal: SIGUSR1 on release, SIGUSR2 on acquire.
func (l *Lease) processSwitches() error {
	var mode vtMode
	if err := ioctlPtr(l.f.Fd(), vtGetMode, unsafe.Pointer(&mode)); err != nil {
		return fmt.Errorf("VT_GETMODE: %w", err)
	}
	signal.Notify(l.sigs, unix.SIGUSR1, unix.SIGUSR2)
	go l.handle()

	mode.Mode = vtProcess
	mode.Relsig = int16(unix.SIGUSR1)
	mode.Acqsig = int16(unix.SIGUSR2)
	l.visible.Store(true)
	if err := ioctlPtr(l.f.Fd(), vtSetMode, unsafe.Pointer(&mode)); err != nil {
		signal.Stop(l.sigs)
		close(l.done)
		return fmt.Errorf("VT_SETMODE: %w", err)
	}
	return nil
}

func (l *Lease) handle() {
	log := hwclog.Get()
	for {
		select {
		case <-l.done:
			return
		case sig := <-l.sigs:
			fd := int(l.f.Fd())
			if sig == unix.SIGUSR1 {
				log.Info("console switched away")
				l.visible.Store(false)
				if err := unix.IoctlSetInt(fd, vtRelDisp, 1); err != nil {
					log.Warn("VT_RELDISP", "err", err)
				}
				continue
			}
			log.Info("console switched back")
			l.visible.Store(true)
			if err := unix.IoctlSetInt(fd, vtRelDisp, vtAckAcq); err != nil {
				log.Warn("VT_RELDISP", "err", err)
			}
			select {
			case l.redraw <- struct{}{}:
			default:
			}
		}
	}
}

// Visible reports whether the leased terminal is in the foreground.
func (l *Lease) Visible() bool { return l.visible.Load() }

// Redraw fires when the user switched back to the leased terminal and
// the frame buffer needs to be painted again.
func (l *Lease) Redraw() <-chan struct{} { return l.redraw }

// Release puts the terminal back in text mode, switches to the terminal
// that was active before and deallocates the leased one.
func (l *Lease) Release() error {
	fd := int(l.f.Fd())
	if err := unix.IoctlSetInt(fd, kdSetMode, kdText); err != nil {
		return fmt.Errorf("KDSETMODE: %w", err)
	}

	signal.Stop(l.sigs)
	close(l.done)
	var mode vtMode
	if err := ioctlPtr(l.f.Fd(), vtGetMode, unsafe.Pointer(&mode)); err != nil {
		return fmt.Errorf("VT_GETMODE: %w", err)
	}
	mode.Mode, mode.Relsig, mode.Acqsig = vtAuto, 0, 0
	if err := ioctlPtr(l.f.Fd(), vtSetMode, unsafe.Pointer(&mode)); err != nil {
		return fmt.Errorf("VT_SETMODE: %w", err)
	}

	for _, req := range []uint{vtActivate, vtWaitActive} {
		if err := unix.IoctlSetInt(fd, req, l.prevVT); err != nil {
			return fmt.Errorf("activating tty%d: %w", l.prevVT, err)
		}
	}
	if err := l.f.Close(); err != nil {
		return err
	}
	return onTTY0(func(fd int) error {
		return unix.IoctlSetInt(fd, vtDisallocate, l.vt)
	})
}
