//go:build linux || darwin

package server

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

func defaultPoller() Poller { return unixPoller{} }

// unixPoller waits on the connections' descriptors with poll(2).
// Connections without a descriptor, or with lookahead already buffered, are
// handled by probePoller.
type unixPoller struct{}

func (unixPoller) Poll(conns []*Conn, timeout time.Duration) (readable, writable []*Conn, err error) {
	var (
		fds    []unix.PollFd
		polled []*Conn
		probed []*Conn
	)
	for _, c := range conns {
		if c.closed {
			continue
		}
		fd := -1
		if c.raw != nil && len(c.peeked) == 0 {
			c.raw.Control(func(d uintptr) { fd = int(d) })
		}
		if fd < 0 {
			probed = append(probed, c)
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN | unix.POLLOUT})
		polled = append(polled, c)
	}

	if len(probed) != 0 {
		readable, writable, _ = probePoller{}.Poll(probed, timeout)
		if len(readable) != 0 {
			// Something is already waiting; do not block on the rest.
			timeout = 0
		}
	}
	if len(fds) == 0 {
		return readable, writable, nil
	}

	if _, err := unix.Poll(fds, int(timeout/time.Millisecond)); err != nil {
		if errors.Is(err, unix.EINTR) {
			return readable, writable, nil
		}
		return nil, nil, err
	}
	for i, pfd := range fds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			readable = append(readable, polled[i])
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			writable = append(writable, polled[i])
		}
	}
	return readable, writable, nil
}
