// ABOUTME: The munnel server engine: bind port, service listeners, dispatch.
// ABOUTME: Owns the registry, pending table, keep-alive, and graceful shutdown.

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/2389/munnel/internal/pending"
	"github.com/2389/munnel/internal/protocol"
	"github.com/2389/munnel/internal/registry"
	"github.com/2389/munnel/internal/relay"
)

// Defaults for the server's tunables. Zero-valued Config fields fall back
// to these.
const (
	DefaultBind            = "0.0.0.0:10000"
	DefaultPingInterval    = 30 * time.Second
	DefaultPongTimeout     = 60 * time.Second
	DefaultPendingDeadline = 60 * time.Second
	DefaultDrainDeadline   = 30 * time.Second
	DefaultMaxAgents       = 1000
)

// handshakeTimeout bounds how long an inbound bind-port connection may take
// to deliver its magic byte, Hello, or return request id.
const handshakeTimeout = 10 * time.Second

// Service describes one exposed endpoint: a local listener whose clients
// are forwarded to Dest through an agent in Group.
type Service struct {
	Name   string
	Group  string
	Listen string
	Dest   string
}

// Config carries the server's listeners and tunables.
type Config struct {
	Bind            string
	Services        []Service
	PingInterval    time.Duration
	PongTimeout     time.Duration
	PendingDeadline time.Duration
	DrainDeadline   time.Duration
	MaxAgents       int
}

func (c *Config) applyDefaults() {
	if c.Bind == "" {
		c.Bind = DefaultBind
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.PendingDeadline <= 0 {
		c.PendingDeadline = DefaultPendingDeadline
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = DefaultDrainDeadline
	}
	if c.MaxAgents <= 0 {
		c.MaxAgents = DefaultMaxAgents
	}
}

// runtimeService is a Service with its destination pre-split so the dispatch
// path never parses strings.
type runtimeService struct {
	Service
	destHost string
	destPort uint16
	ln       net.Listener
}

// Server accepts agent and client connections and splices them together.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry *registry.Registry
	pending  *pending.Table

	bindLn   net.Listener
	services []*runtimeService

	mu       sync.Mutex
	sessions map[uint64]*session

	relayWG  sync.WaitGroup
	loopWG   sync.WaitGroup
	errCh    chan error
	stopping chan struct{}
	stopOnce sync.Once
}

// New builds a Server from cfg. Destination addresses are validated here so
// a bad service string fails at startup, not at first dispatch.
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	cfg.applyDefaults()

	if len(cfg.Services) == 0 {
		return nil, errors.New("no services configured")
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger.With("component", "server"),
		registry: registry.New(logger),
		pending:  pending.New(logger),
		sessions: make(map[uint64]*session),
		errCh:    make(chan error, 1),
		stopping: make(chan struct{}),
	}

	for _, svc := range cfg.Services {
		host, portStr, err := net.SplitHostPort(svc.Dest)
		if err != nil {
			return nil, fmt.Errorf("service %q: invalid destination %q: %w", svc.Name, svc.Dest, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("service %q: invalid destination port %q: %w", svc.Name, portStr, err)
		}
		if len(host) > 255 {
			return nil, fmt.Errorf("service %q: destination host exceeds 255 bytes", svc.Name)
		}
		s.services = append(s.services, &runtimeService{
			Service:  svc,
			destHost: host,
			destPort: uint16(port),
		})
	}
	return s, nil
}

// Start binds the control port and every service listener and launches the
// accept loops. On any bind failure it closes whatever it already opened.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("binding control port %s: %w", s.cfg.Bind, err)
	}
	s.bindLn = ln
	s.logger.Info("control port listening", "addr", ln.Addr().String())

	for _, svc := range s.services {
		svcLn, err := net.Listen("tcp", svc.Listen)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("service %q: listening on %s: %w", svc.Name, svc.Listen, err)
		}
		svc.ln = svcLn
		s.logger.Info("service listening",
			"service", svc.Name,
			"group", svc.Group,
			"addr", svcLn.Addr().String(),
			"dest", svc.Dest,
		)
	}

	s.loopWG.Add(1)
	go s.acceptBind()
	for _, svc := range s.services {
		s.loopWG.Add(1)
		go s.acceptService(svc)
	}
	s.loopWG.Add(1)
	go s.sweepLoop()
	return nil
}

// Run starts the server (unless Start was already called) and blocks until
// the context is cancelled or an accept loop fails fatally, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.bindLn == nil {
		if err := s.Start(); err != nil {
			return err
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	case runErr = <-s.errCh:
		s.logger.Error("server error", "error", runErr)
	}

	s.Shutdown()
	return runErr
}

// BindAddr returns the control port's bound address.
func (s *Server) BindAddr() net.Addr {
	return s.bindLn.Addr()
}

// ServiceAddr returns the bound address of a named service listener.
func (s *Server) ServiceAddr(name string) (net.Addr, bool) {
	for _, svc := range s.services {
		if svc.Name == name && svc.ln != nil {
			return svc.ln.Addr(), true
		}
	}
	return nil, false
}

// AgentCount returns the number of connected agent sessions.
func (s *Server) AgentCount() int {
	return s.registry.Len()
}

// Shutdown stops accepting, drains agent sessions, cancels parked requests,
// and waits up to the drain deadline for in-flight relays to finish.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopping)
		s.closeListeners()

		s.mu.Lock()
		for _, sess := range s.sessions {
			sess.drain()
		}
		s.mu.Unlock()

		if n := s.pending.CancelAll(); n > 0 {
			s.logger.Info("cancelled parked requests on shutdown", "count", n)
		}

		relaysDone := make(chan struct{})
		go func() {
			s.relayWG.Wait()
			close(relaysDone)
		}()
		select {
		case <-relaysDone:
		case <-time.After(s.cfg.DrainDeadline):
			s.logger.Warn("drain deadline expired with relays still active")
		}

		s.mu.Lock()
		sessions := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()
		for _, sess := range sessions {
			sess.close()
		}

		s.loopWG.Wait()
		s.logger.Info("server stopped")
	})
}

func (s *Server) closeListeners() {
	if s.bindLn != nil {
		s.bindLn.Close()
	}
	for _, svc := range s.services {
		if svc.ln != nil {
			svc.ln.Close()
		}
	}
}

// fatal reports an accept-loop failure to Run without blocking.
func (s *Server) fatal(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) shuttingDown() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

// acceptBind accepts control channels and return sockets on the bind port
// and dispatches each by its magic byte.
func (s *Server) acceptBind() {
	defer s.loopWG.Done()
	for {
		conn, err := s.bindLn.Accept()
		if err != nil {
			if s.shuttingDown() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.fatal(fmt.Errorf("accepting on control port: %w", err))
			return
		}
		go s.handleBindConn(conn)
	}
}

func (s *Server) handleBindConn(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var magic [1]byte
	if _, err := io.ReadFull(conn, magic[:]); err != nil {
		conn.Close()
		return
	}

	switch magic[0] {
	case protocol.MagicControl:
		s.serveControl(conn)
	case protocol.MagicReturn:
		s.serveReturn(conn)
	default:
		s.logger.Warn("unknown channel magic, dropping connection",
			"magic", fmt.Sprintf("0x%02x", magic[0]),
			"remote", conn.RemoteAddr().String(),
		)
		conn.Close()
	}
}

// serveControl runs one agent control session: Hello handshake, then the
// inbound message loop until the channel dies.
func (s *Server) serveControl(conn net.Conn) {
	fr := protocol.NewFrameReader(conn)

	msg, err := fr.ReadMessage()
	if err != nil {
		s.logger.Warn("control handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}
	hello, ok := msg.(protocol.Hello)
	if !ok {
		s.logger.Warn("control channel opened without HELLO",
			"got", msg.Type().String(),
			"remote", conn.RemoteAddr().String(),
		)
		conn.Close()
		return
	}

	if s.registry.Len() >= s.cfg.MaxAgents {
		s.logger.Warn("agent limit reached, rejecting connection",
			"limit", s.cfg.MaxAgents,
			"remote", conn.RemoteAddr().String(),
		)
		conn.Close()
		return
	}

	conn.SetReadDeadline(time.Time{})

	sess := newSession(conn, hello.Group, s.logger)
	sess.id = s.registry.Insert(sess)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	go sess.writeLoop()
	go s.keepAlive(sess)

	defer func() {
		sess.close()
		s.registry.Remove(sess.id)
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		s.pending.CancelAllFor(sess.id)
	}()

	if err := sess.enqueue(protocol.HelloAck{AgentID: sess.id}); err != nil {
		return
	}

	for {
		msg, err := fr.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("control read failed", "agent_id", sess.id, "error", err)
			}
			return
		}
		if !s.handleControlMessage(sess, msg) {
			return
		}
	}
}

// handleControlMessage processes one inbound frame. It returns false when
// the session must be torn down.
func (s *Server) handleControlMessage(sess *session, msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.Pong:
		sess.markPong()
	case protocol.Ping:
		sess.markPong()
		if err := sess.enqueue(protocol.Pong{}); err != nil {
			return false
		}
	case protocol.ReturnAnnounce:
		if err := s.pending.Announce(m.RequestID, sess.id); err != nil {
			s.logger.Warn("return announce rejected",
				"agent_id", sess.id,
				"request_id", m.RequestID.String(),
				"error", err,
			)
		}
	case protocol.ConnectFailure:
		s.logger.Info("agent reported connect failure",
			"agent_id", sess.id,
			"request_id", m.RequestID.String(),
			"reason", m.Reason,
		)
		if err := s.pending.Cancel(m.RequestID, sess.id); err != nil {
			s.logger.Warn("connect failure for unknown request",
				"agent_id", sess.id,
				"request_id", m.RequestID.String(),
				"error", err,
			)
		}
	default:
		s.logger.Warn("unexpected message on control channel, closing session",
			"agent_id", sess.id,
			"type", msg.Type().String(),
		)
		return false
	}
	return true
}

// keepAlive pings the session every interval and kills it once the peer has
// been silent past the pong timeout.
func (s *Server) keepAlive(sess *session) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if sess.pongOverdue(s.cfg.PongTimeout) {
				s.logger.Warn("agent missed keep-alive, closing session", "agent_id", sess.id)
				sess.close()
				return
			}
			if err := sess.enqueue(protocol.Ping{}); err != nil {
				return
			}
		}
	}
}

// serveReturn reads the request id off a return data socket, claims the
// parked client, and splices the two connections.
func (s *Server) serveReturn(conn net.Conn) {
	var idBuf [protocol.RequestIDLen]byte
	if _, err := io.ReadFull(conn, idBuf[:]); err != nil {
		s.logger.Warn("return socket died before request id", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})
	id := protocol.RequestID(idBuf)

	// The agent sends ReturnAnnounce before dialing this socket, but the
	// control channel is read on another goroutine, so the announce may be
	// processed after this point. Retry the claim for a short window.
	const announceWait, announcePoll = time.Second, 10 * time.Millisecond
	client, agentID, err := s.pending.Claim(id)
	for waited := time.Duration(0); err != nil && waited < announceWait; waited += announcePoll {
		time.Sleep(announcePoll)
		client, agentID, err = s.pending.Claim(id)
	}
	if err != nil {
		s.logger.Warn("dropping unclaimable return socket",
			"request_id", id.String(),
			"remote", conn.RemoteAddr().String(),
			"error", err,
		)
		conn.Close()
		return
	}

	s.logger.Info("return socket paired",
		"request_id", id.String(),
		"agent_id", agentID,
	)

	s.relayWG.Add(1)
	defer s.relayWG.Done()
	res := relay.Run(client, conn, s.logger)
	s.logger.Info("relay finished",
		"request_id", id.String(),
		"agent_id", agentID,
		"client_to_agent", res.AToB,
		"agent_to_client", res.BToA,
	)
}

// acceptService accepts client connections for one service and dispatches
// each to an agent.
func (s *Server) acceptService(svc *runtimeService) {
	defer s.loopWG.Done()
	for {
		client, err := svc.ln.Accept()
		if err != nil {
			if s.shuttingDown() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.fatal(fmt.Errorf("service %q: accept: %w", svc.Name, err))
			return
		}
		go s.dispatch(svc, client)
	}
}

// dispatch parks a freshly accepted client and sends the Connect to a
// round-robin selected agent. The park happens before the send so the
// agent's return can never outrun the table entry.
func (s *Server) dispatch(svc *runtimeService, client net.Conn) {
	agentID, sess, err := s.registry.Select(svc.Group)
	if err != nil {
		s.logger.Warn("no agent for service, closing client",
			"service", svc.Name,
			"group", svc.Group,
			"remote", client.RemoteAddr().String(),
		)
		client.Close()
		return
	}

	id := protocol.NewRequestID()
	s.pending.Park(id, client, agentID)

	err = sess.(*session).enqueue(protocol.Connect{
		RequestID: id,
		Host:      svc.destHost,
		Port:      svc.destPort,
	})
	if err != nil {
		if c := s.pending.Unpark(id); c != nil {
			c.Close()
		}
		s.logger.Warn("connect dispatch failed",
			"service", svc.Name,
			"agent_id", agentID,
			"request_id", id.String(),
			"error", err,
		)
		return
	}

	s.logger.Info("client dispatched",
		"service", svc.Name,
		"agent_id", agentID,
		"request_id", id.String(),
		"remote", client.RemoteAddr().String(),
	)
}

// sweepLoop periodically cancels parked requests older than the pending
// deadline.
func (s *Server) sweepLoop() {
	defer s.loopWG.Done()

	interval := s.cfg.PendingDeadline / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopping:
			return
		case <-ticker.C:
			s.pending.Sweep(s.cfg.PendingDeadline)
		}
	}
}
