package uevent

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// BufferSize is the receive buffer of the uevent socket.
const BufferSize = 64 << 10

// Source delivers raw uevent payloads.
type Source interface {
	// Receive waits up to timeout for a payload. It returns nil, nil when
	// the timeout passes without one.
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
}

// Socket is a netlink socket bound to all kernel uevent groups.
type Socket struct {
	fd  int
	buf []byte
}

// Listen opens the kernel uevent socket.
func Listen() (*Socket, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("netlink socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, BufferSize); err != nil {
		// Needs CAP_NET_ADMIN; the default buffer works, just drops more
		// under load.
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, BufferSize)
	}
	sa := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: 0xffffffff,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netlink bind: %w", err)
	}
	return &Socket{fd: fd, buf: make([]byte, BufferSize)}, nil
}

func (s *Socket) Receive(timeout time.Duration) ([]byte, error) {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if errors.Is(err, unix.EINTR) || n == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	if fds[0].Revents&unix.POLLIN == 0 {
		return nil, nil
	}
	n, _, err = unix.Recvfrom(s.fd, s.buf, 0)
	if err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ENOBUFS) {
			return nil, nil
		}
		return nil, fmt.Errorf("recv: %w", err)
	}
	return s.buf[:n], nil
}

func (s *Socket) Close() error {
	return unix.Close(s.fd)
}
