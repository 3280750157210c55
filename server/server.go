// Package server implements the chatrelay event loop: a single goroutine
// that accepts connections, polls them for readiness, runs the login
// handshake and routes chat messages between authenticated users.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/models"
	"chatrelay/protocol"

	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// Directory is the persistent store consulted by the handshake and the
// router. All calls are made from the event loop goroutine.
type Directory interface {
	UserExists(name string) (bool, error)
	PasswordHash(name string) ([]byte, error)
	RecordLogin(name, addr string) error
	RecordLogout(name string) error
	Contacts(name string) ([]string, error)
	AddContact(owner, contact string) error
	RemoveContact(owner, contact string) error
	RecordDelivered(from, to string) error
}

type ServerConfig struct {
	Addr          string
	AcceptTimeout time.Duration
	PollInterval  time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxFrameSize  int

	// MaxMalformed is the number of unparseable frames tolerated in a row.
	// Zero selects the default of 3; a negative value closes the
	// connection on the first one.
	MaxMalformed int

	Logger  *zap.Logger // default: no logging
	Metrics *Metrics    // default: unregistered collectors
	Poller  Poller      // default: the platform poller
}

type Server struct {
	dir     Directory
	cfg     ServerConfig
	log     *zap.Logger
	metrics *Metrics
	poller  Poller

	mu     sync.Mutex
	ln     *net.TCPListener
	task   *taskgroup.Single[error]
	cancel context.CancelFunc

	stopping atomic.Bool
	snapshot atomic.Pointer[[]models.Session]

	// Owned by the event loop.
	sessions *SessionTable
	pending  []Pending
}

func New(dir Directory, cfg ServerConfig) *Server {
	if dir == nil {
		panic("server: nil directory")
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = 200 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if cfg.MaxMalformed == 0 {
		cfg.MaxMalformed = 3
	} else if cfg.MaxMalformed < 0 {
		cfg.MaxMalformed = 0
	}

	s := &Server{
		dir:      dir,
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		poller:   cfg.Poller,
		sessions: NewSessionTable(),
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.poller == nil {
		s.poller = defaultPoller()
	}
	s.snapshot.Store(&[]models.Session{})
	return s
}

// Listen binds the listening socket. It is called by Start and Run if the
// server is not yet listening.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln.(*net.TCPListener)
	s.log.Info("Relay listening", zap.String("addr", s.ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds the listener and runs the event loop in a background task.
// Start does not block; call Wait to wait for the loop to exit.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != nil {
		panic("server is already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.task = taskgroup.Go(func() error { return s.Run(ctx) })
	return nil
}

// Stop asks the event loop to exit. The loop notices within one tick.
func (s *Server) Stop() {
	s.stopping.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until a loop started by Start has exited.
func (s *Server) Wait() error {
	s.mu.Lock()
	task := s.task
	s.mu.Unlock()
	if task == nil {
		return nil
	}
	return task.Wait()
}

// Run drives the event loop on the calling goroutine until ctx ends or Stop
// is called. Failing to bind the listener is the only error it reports.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	defer s.shutdown()

	for ctx.Err() == nil && !s.stopping.Load() {
		s.tick()
	}
	return nil
}

// tick runs one accept, poll, read and write cycle.
func (s *Server) tick() {
	start := time.Now()
	defer func() { s.metrics.tickDuration.Observe(time.Since(start).Seconds()) }()

	s.pending = s.pending[:0]
	s.accept()

	if s.sessions.Len() == 0 {
		s.publish()
		return
	}

	readable, writable, err := s.poller.Poll(s.sessions.Conns(), s.cfg.PollInterval)
	if err != nil {
		s.log.Error("Poll failed", zap.Error(err))
		s.publish()
		return
	}

	for _, c := range readable {
		if !c.closed {
			s.readOne(c)
		}
	}
	if len(s.pending) > 0 && len(writable) > 0 {
		s.writePending()
	}
	s.publish()
}

func (s *Server) accept() {
	s.ln.SetDeadline(time.Now().Add(s.cfg.AcceptTimeout))
	nc, err := s.ln.Accept()
	if err != nil {
		if !isTimeout(err) {
			s.log.Warn("Error accepting connection", zap.Error(err))
		}
		return
	}

	c := newConn(nc, time.Now())
	s.sessions.Add(c)
	s.metrics.accepted.Inc()
	s.metrics.connections.Set(float64(s.sessions.Len()))
	s.log.Info("New client connected",
		zap.String("addr", c.Addr),
		zap.Stringer("conn", c.ID),
	)
}

// readOne reads and handles a single frame from c.
func (s *Server) readOne(c *Conn) {
	body, err := c.readFrame(s.cfg.ReadTimeout, s.cfg.MaxFrameSize)
	if errors.Is(err, errNotReady) {
		return
	} else if err != nil {
		if errors.Is(err, io.EOF) {
			s.log.Debug("Client closed connection", zap.String("addr", c.Addr))
		} else {
			s.log.Info("Error reading from client", zap.String("addr", c.Addr), zap.Error(err))
		}
		s.teardown(c, CloseTransport)
		return
	}

	m := protocol.Decode(body)
	if u, ok := m.(protocol.Unparseable); ok {
		c.strikes++
		s.metrics.malformed.Inc()
		s.log.Debug("Unparseable frame",
			zap.String("addr", c.Addr),
			zap.Int("strikes", c.strikes),
			zap.Error(u.Err),
		)
		if c.strikes > s.cfg.MaxMalformed {
			s.teardown(c, CloseMalformed)
		}
		return
	}
	c.strikes = 0

	action := m.Action()
	s.metrics.requests.WithLabelValues(value.Cond(isKnownAction(action), action, "unknown")).Inc()
	s.log.Debug("Received request", zap.String("addr", c.Addr), zap.String("action", action))

	var res Result
	if c.stage == StageAuthenticated {
		res = s.route(c, m)
	} else {
		res = s.handshake(c, m)
	}
	s.apply(c, res)
}

func (s *Server) apply(c *Conn, res Result) {
	if res.Reply != nil {
		if err := c.send(*res.Reply, s.cfg.WriteTimeout); err != nil {
			s.log.Info("Error writing reply", zap.String("addr", c.Addr), zap.Error(err))
			s.teardown(c, CloseTransport)
			return
		}
	}
	if res.Relay != nil {
		s.pending = append(s.pending, *res.Relay)
	}
	if res.Close != CloseNone {
		s.teardown(c, res.Close)
	}
}

// writePending delivers the queued relays in order.
func (s *Server) writePending() {
	for _, p := range s.pending {
		dst, ok := s.sessions.Owner(p.To)
		if !ok || dst.closed {
			s.log.Debug("Relay destination gone", zap.String("from", p.From), zap.String("to", p.To))
			s.metrics.relayFailures.Inc()
			continue
		}

		msg := p.Chat
		msg.Time = protocol.Timestamp(time.Now())
		if err := dst.send(msg, s.cfg.WriteTimeout); err != nil {
			s.log.Info("Relay failed",
				zap.String("from", p.From),
				zap.String("to", p.To),
				zap.Error(err),
			)
			s.metrics.relayFailures.Inc()
			s.teardown(dst, CloseDelivery)
			continue
		}

		s.metrics.relayed.Inc()
		if err := s.dir.RecordDelivered(p.From, p.To); err != nil {
			s.log.Error("Failed to record delivery", zap.String("from", p.From), zap.String("to", p.To), zap.Error(err))
		}
	}
}

// teardown unregisters c, unbinds its username and closes the transport.
// It is safe to call more than once.
func (s *Server) teardown(c *Conn, reason CloseReason) {
	if c.closed {
		return
	}
	c.closed = true

	name, bound := s.sessions.Remove(c)
	if bound {
		if err := s.dir.RecordLogout(name); err != nil {
			s.log.Error("Failed to record logout", zap.String("user", name), zap.Error(err))
		}
	}
	c.nc.Close()

	s.metrics.closed.WithLabelValues(string(reason)).Inc()
	s.metrics.connections.Set(float64(s.sessions.Len()))
	s.metrics.sessions.Set(float64(s.sessions.Bound()))
	s.log.Info("Client disconnected",
		zap.String("addr", c.Addr),
		zap.String("user", name),
		zap.String("reason", string(reason)),
	)
}

func (s *Server) shutdown() {
	for _, c := range s.sessions.Conns() {
		s.teardown(c, CloseShutdown)
	}
	s.pending = nil
	s.publish()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		s.ln.Close()
		s.ln = nil
	}
	s.log.Info("Relay stopped")
}

func (s *Server) publish() {
	snap := s.sessions.Snapshot()
	s.snapshot.Store(&snap)
}

// Sessions returns the session table as of the end of the last tick.
func (s *Server) Sessions() []models.Session {
	return slices.Clone(*s.snapshot.Load())
}

// Stats summarizes the session table as "connections=N,users=a;b".
func (s *Server) Stats() string {
	snap := *s.snapshot.Load()
	var users []string
	for _, sess := range snap {
		if sess.Name != "" {
			users = append(users, sess.Name)
		}
	}
	slices.Sort(users)
	return fmt.Sprintf("connections=%d,users=%s", len(snap), strings.Join(users, ";"))
}
