package server

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"syscall"
	"time"

	"chatrelay/models"
	"chatrelay/protocol"

	"github.com/google/uuid"
)

// Stage is the authentication stage of a connection.
type Stage int

const (
	StageNew Stage = iota
	StageAwaitingPassword
	StageAuthenticated
	StageRejected
)

func (s Stage) String() string {
	switch s {
	case StageNew:
		return "new"
	case StageAwaitingPassword:
		return "awaiting_password"
	case StageAuthenticated:
		return "authenticated"
	case StageRejected:
		return "rejected"
	default:
		return fmt.Sprintf("stage:%d", int(s))
	}
}

// errNotReady reports that a connection polled as readable had no data
// before the read deadline.
var errNotReady = errors.New("connection not ready")

// Conn is one accepted client connection. It is owned by the event loop.
type Conn struct {
	ID        uuid.UUID
	Addr      string
	Connected time.Time

	nc      net.Conn
	raw     syscall.RawConn // nil if nc exposes no descriptor
	stage   Stage
	name    string // claimed username, set by presence
	strikes int    // consecutive unparseable frames
	peeked  []byte // lookahead consumed by a probing poller
	closed  bool
}

func newConn(nc net.Conn, now time.Time) *Conn {
	c := &Conn{
		ID:        uuid.New(),
		Addr:      nc.RemoteAddr().String(),
		Connected: now,
		nc:        nc,
	}
	if sc, ok := nc.(syscall.Conn); ok {
		if raw, err := sc.SyscallConn(); err == nil {
			c.raw = raw
		}
	}
	return c
}

// Stage reports the authentication stage of c.
func (c *Conn) Stage() Stage { return c.stage }

// Name reports the username claimed by c, or "" before presence.
func (c *Conn) Name() string { return c.name }

func (c *Conn) Read(p []byte) (int, error) {
	if len(c.peeked) > 0 {
		n := copy(p, c.peeked)
		c.peeked = c.peeked[n:]
		return n, nil
	}
	return c.nc.Read(p)
}

// readFrame reads one frame body. If no byte arrives before the deadline it
// reports errNotReady and the stream is left intact; a stall after the first
// byte is a transport error.
func (c *Conn) readFrame(timeout time.Duration, max int) ([]byte, error) {
	c.nc.SetReadDeadline(time.Now().Add(timeout))
	defer c.nc.SetReadDeadline(time.Time{})

	if len(c.peeked) == 0 {
		var first [1]byte
		n, err := c.nc.Read(first[:])
		if n == 0 {
			if err == nil || isTimeout(err) {
				return nil, errNotReady
			}
			return nil, fmt.Errorf("short frame header: %w", err)
		}
		c.peeked = first[:n]
	}
	return protocol.ReadFrame(c, max)
}

func (c *Conn) send(m protocol.Message, timeout time.Duration) error {
	c.nc.SetWriteDeadline(time.Now().Add(timeout))
	defer c.nc.SetWriteDeadline(time.Time{})
	return protocol.WriteMessage(c.nc, m)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// SessionTable tracks live connections and the username bound to each.
// At most one connection is bound to a username at a time.
//
// A SessionTable is not safe for concurrent use; it belongs to the event
// loop.
type SessionTable struct {
	order []*Conn
	conns map[uuid.UUID]*Conn
	names map[string]*Conn
}

func NewSessionTable() *SessionTable {
	return &SessionTable{
		conns: make(map[uuid.UUID]*Conn),
		names: make(map[string]*Conn),
	}
}

// Add registers c as a live, unbound connection.
func (t *SessionTable) Add(c *Conn) {
	if _, ok := t.conns[c.ID]; ok {
		return
	}
	t.conns[c.ID] = c
	t.order = append(t.order, c)
}

// Remove drops c and unbinds its username. It reports the name that was
// bound to c, if any.
func (t *SessionTable) Remove(c *Conn) (name string, bound bool) {
	if _, ok := t.conns[c.ID]; !ok {
		return "", false
	}
	delete(t.conns, c.ID)
	t.order = slices.DeleteFunc(t.order, func(o *Conn) bool { return o == c })
	if c.name != "" && t.names[c.name] == c {
		delete(t.names, c.name)
		return c.name, true
	}
	return "", false
}

// Bind associates name with c. It fails if name is bound to another
// connection or c is not live.
func (t *SessionTable) Bind(name string, c *Conn) bool {
	if _, ok := t.conns[c.ID]; !ok {
		return false
	}
	if owner, ok := t.names[name]; ok {
		return owner == c
	}
	t.names[name] = c
	return true
}

// Owner returns the connection bound to name.
func (t *SessionTable) Owner(name string) (*Conn, bool) {
	c, ok := t.names[name]
	return c, ok
}

func (t *SessionTable) IsBound(name string) bool {
	_, ok := t.names[name]
	return ok
}

// Owns reports whether name is bound to exactly c.
func (t *SessionTable) Owns(name string, c *Conn) bool {
	owner, ok := t.names[name]
	return ok && owner == c
}

// Conns returns the live connections in registration order.
func (t *SessionTable) Conns() []*Conn { return slices.Clone(t.order) }

// Len reports the number of live connections.
func (t *SessionTable) Len() int { return len(t.order) }

// Bound reports the number of bound usernames.
func (t *SessionTable) Bound() int { return len(t.names) }

// Snapshot renders the table for observers outside the loop.
func (t *SessionTable) Snapshot() []models.Session {
	out := make([]models.Session, 0, len(t.order))
	for _, c := range t.order {
		s := models.Session{
			ID:        c.ID.String(),
			Address:   c.Addr,
			Stage:     c.stage.String(),
			Connected: c.Connected,
		}
		if t.Owns(c.name, c) {
			s.Name = c.name
		}
		out = append(out, s)
	}
	return out
}
