// Package fence operates on sync-file fds: producer acquire fences,
// consumer release fences and retire fences.
package fence

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by Wait when the fence did not signal in time.
var ErrTimeout = errors.New("fence: timeout")

// Ops is the set of fd operations the composer performs on fences and
// DMA-buf fds.
type Ops interface {
	Wait(fd int, timeout time.Duration) error
	// Merge returns a new fence that signals once both a and b signaled.
	Merge(name string, a, b int) (int, error)
	Dup(fd int) (int, error)
	Close(fd int) error
}

// System implements Ops with system calls.
type System struct{}

func (System) Wait(fd int, timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll fence %d: %w", fd, err)
		}
		if n == 0 {
			return ErrTimeout
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return fmt.Errorf("fence %d: error state %#x", fd, fds[0].Revents)
		}
		return nil
	}
}

// mergeData is struct sync_merge_data.
type mergeData struct {
	FD2   int32
	Name  [32]byte
	Fence int32
}

// SYNC_IOC_MERGE = _IOWR('>', 1, struct sync_merge_data)
const syncIocMerge = 0xc028_3e01

func (System) Merge(name string, a, b int) (int, error) {
	data := &mergeData{FD2: int32(b)}
	copy(data.Name[:len(data.Name)-1], name)
	_, _, eno := unix.Syscall(unix.SYS_IOCTL, uintptr(a), syncIocMerge, uintptr(unsafe.Pointer(data)))
	if eno != 0 {
		return -1, fmt.Errorf("SYNC_IOC_MERGE(%d, %d): %v", a, b, eno)
	}
	return int(data.Fence), nil
}

func (System) Dup(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dup %d: %w", fd, err)
	}
	return nfd, nil
}

func (System) Close(fd int) error {
	return unix.Close(fd)
}

// CloseValid closes fd if it is a valid descriptor and returns -1 for
// storing back into the field that held it.
func CloseValid(ops Ops, fd int) int {
	if fd >= 0 {
		ops.Close(fd)
	}
	return -1
}

// DupValid returns a dup of fd, or -1 when fd is -1 or the dup failed.
func DupValid(ops Ops, fd int) int {
	if fd < 0 {
		return -1
	}
	nfd, err := ops.Dup(fd)
	if err != nil {
		return -1
	}
	return nfd
}
