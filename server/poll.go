package server

import (
	"time"
)

// A Poller reports which connections are ready for reading and writing,
// waiting at most timeout for any of them to become ready.
type Poller interface {
	Poll(conns []*Conn, timeout time.Duration) (readable, writable []*Conn, err error)
}

// probeWait bounds how long probePoller waits on each idle connection.
const probeWait = time.Millisecond

// probePoller detects readability by reading one byte under a short
// deadline and keeping it as lookahead. It works for any net.Conn that
// supports deadlines and treats every live connection as writable.
type probePoller struct{}

func (probePoller) Poll(conns []*Conn, timeout time.Duration) (readable, writable []*Conn, err error) {
	for _, c := range conns {
		if c.closed {
			continue
		}
		writable = append(writable, c)
		if len(c.peeked) > 0 {
			readable = append(readable, c)
			continue
		}
		c.nc.SetReadDeadline(time.Now().Add(probeWait))
		var b [1]byte
		n, rerr := c.nc.Read(b[:])
		c.nc.SetReadDeadline(time.Time{})
		if n > 0 {
			c.peeked = []byte{b[0]}
			readable = append(readable, c)
		} else if rerr != nil && !isTimeout(rerr) {
			// Let the read phase observe the failure.
			readable = append(readable, c)
		}
	}
	return readable, writable, nil
}
