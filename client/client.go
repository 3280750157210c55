// Package client is a synchronous chatrelay protocol client. It is used by
// the command line tool and by tests.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/protocol"
)

// ResponseError is a reply whose code reports failure.
type ResponseError struct {
	Code int
	Text string
}

func (e *ResponseError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("response %d", e.Code)
	}
	return fmt.Sprintf("response %d: %s", e.Code, e.Text)
}

// ErrUnexpected reports a message that does not answer the request sent.
var ErrUnexpected = errors.New("unexpected message")

// Client is a connection to a relay. Methods are safe for concurrent use.
//
// Reads are serialized: Next, Receive, Confirm and the requests that wait
// for a reply take turns on the read side. Send and SendMessage only write,
// so they never wait behind a blocked read.
type Client struct {
	conn    net.Conn
	timeout time.Duration
	max     int
	user    atomic.Pointer[string]

	wmu sync.Mutex // serializes writes

	rmu   sync.Mutex      // serializes reads, guards inbox
	inbox []protocol.Chat // relays read while waiting for a reply
}

// Dial connects to the relay at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// New wraps an established connection.
func New(conn net.Conn) *Client {
	return &Client{
		conn:    conn,
		timeout: 5 * time.Second,
		max:     protocol.DefaultMaxFrameSize,
	}
}

// SetTimeout bounds each read and write made by the client.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// User returns the name the client logged in as.
func (c *Client) User() string {
	if u := c.user.Load(); u != nil {
		return *u
	}
	return ""
}

func (c *Client) send(m protocol.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return protocol.WriteMessage(c.conn, m)
}

// recv reads one message before deadline. The caller holds rmu.
func (c *Client) recv(deadline time.Time) (protocol.Message, error) {
	c.conn.SetReadDeadline(deadline)
	return protocol.ReadMessage(c.conn, c.max)
}

// popInbox returns the oldest queued relay. The caller holds rmu.
func (c *Client) popInbox() (protocol.Chat, bool) {
	if len(c.inbox) == 0 {
		return protocol.Chat{}, false
	}
	m := c.inbox[0]
	c.inbox = c.inbox[1:]
	return m, true
}

// Send writes m without waiting for a reply.
func (c *Client) Send(m protocol.Message) error { return c.send(m) }

// Receive reads the next message from the relay, returning queued relays
// first.
func (c *Client) Receive() (protocol.Message, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if m, ok := c.popInbox(); ok {
		return m, nil
	}
	return c.recv(time.Now().Add(c.timeout))
}

// roundTrip sends m and returns the next reply. Relays that arrive first
// are queued for Next.
func (c *Client) roundTrip(m protocol.Message) (protocol.Response, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if err := c.send(m); err != nil {
		return protocol.Response{}, err
	}
	for {
		in, err := c.recv(time.Now().Add(c.timeout))
		if err != nil {
			return protocol.Response{}, err
		}
		switch in := in.(type) {
		case protocol.Response:
			return in, nil
		case protocol.Chat:
			c.inbox = append(c.inbox, in)
		default:
			return protocol.Response{}, fmt.Errorf("%w: %T", ErrUnexpected, in)
		}
	}
}

func expect(rsp protocol.Response, code int) error {
	if rsp.Code != code {
		return &ResponseError{Code: rsp.Code, Text: rsp.Error}
	}
	return nil
}

func now() float64 { return protocol.Timestamp(time.Now()) }

// Login runs the presence and authenticate handshake.
func (c *Client) Login(user, password string) error {
	rsp, err := c.roundTrip(protocol.Presence{Time: now(), AccountName: user})
	if err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	if err := expect(rsp, protocol.CodeNeedAuth); err != nil {
		return fmt.Errorf("presence: %w", err)
	}

	rsp, err = c.roundTrip(protocol.Authenticate{Time: now(), AccountName: user, Password: password})
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := expect(rsp, protocol.CodeOK); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	c.user.Store(&user)
	return nil
}

// SendMessage sends text to the user named to. The relay does not
// acknowledge delivery; a reply arrives only on failure, see Confirm.
func (c *Client) SendMessage(to, text string) error {
	return c.send(protocol.Chat{Time: now(), From: c.User(), To: to, Text: text})
}

// Confirm waits up to wait for a failure reply to messages sent earlier.
// It reports the first such reply as a *ResponseError, and nil if none
// arrives in time. Relays read meanwhile are queued for Next.
func (c *Client) Confirm(wait time.Duration) error {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	deadline := time.Now().Add(wait)
	for {
		in, err := c.recv(deadline)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		} else if err != nil {
			return err
		}
		switch in := in.(type) {
		case protocol.Response:
			if err := expect(in, protocol.CodeOK); err != nil {
				return err
			}
		case protocol.Chat:
			c.inbox = append(c.inbox, in)
		}
	}
}

// Next returns the next relayed chat message, discarding other traffic.
func (c *Client) Next() (protocol.Chat, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if m, ok := c.popInbox(); ok {
		return m, nil
	}
	for {
		in, err := c.recv(time.Now().Add(c.timeout))
		if err != nil {
			return protocol.Chat{}, err
		}
		if m, ok := in.(protocol.Chat); ok {
			return m, nil
		}
	}
}

// GetContacts returns the contact list of the logged in user.
func (c *Client) GetContacts() ([]string, error) {
	rsp, err := c.roundTrip(protocol.GetContacts{Time: now(), Login: c.User()})
	if err != nil {
		return nil, err
	}
	if err := expect(rsp, protocol.CodeAccepted); err != nil {
		return nil, err
	}
	return rsp.Alert, nil
}

// AddContact adds name to the contact list of the logged in user.
func (c *Client) AddContact(name string) error {
	rsp, err := c.roundTrip(protocol.AddContact{Time: now(), Owner: c.User(), Contact: name})
	if err != nil {
		return err
	}
	return expect(rsp, protocol.CodeOK)
}

// DeleteContact removes name from the contact list of the logged in user.
func (c *Client) DeleteContact(name string) error {
	rsp, err := c.roundTrip(protocol.DelContact{Time: now(), Owner: c.User(), Contact: name})
	if err != nil {
		return err
	}
	return expect(rsp, protocol.CodeOK)
}

// Disconnect sends quit and closes the connection.
func (c *Client) Disconnect() error {
	qerr := c.send(protocol.Quit{Time: now()})
	return errors.Join(qerr, c.conn.Close())
}

// Close closes the connection without saying goodbye.
func (c *Client) Close() error { return c.conn.Close() }
