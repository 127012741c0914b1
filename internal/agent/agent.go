// ABOUTME: The munnel agent: dials out to the server and serves Connects.
// ABOUTME: Supervises reconnection and splices destinations onto return sockets.

// Package agent implements the outbound half of the tunnel. The agent holds
// one control channel to the server and, for each Connect it receives, dials
// the requested destination and ships the bytes back over a dedicated return
// socket.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/2389/munnel/internal/protocol"
	"github.com/2389/munnel/internal/relay"
)

// Defaults for the agent's tunables. Zero-valued Config fields fall back to
// these.
const (
	DefaultReconnectWait = 5 * time.Second
	DefaultDialTimeout   = 10 * time.Second
	DefaultPingInterval  = 30 * time.Second
	DefaultPongTimeout   = 60 * time.Second
)

// handshakeTimeout bounds how long the server may take to answer the Hello.
const handshakeTimeout = 10 * time.Second

// Config carries the agent's server address and tunables.
type Config struct {
	// Server is the host:port of the server's bind port.
	Server string
	// Group is the group name declared in the Hello, "" for none.
	Group string

	ReconnectWait time.Duration
	DialTimeout   time.Duration
	PingInterval  time.Duration
	PongTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = DefaultReconnectWait
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
}

// Agent is one munnel agent process. Run blocks until the context is
// cancelled, reconnecting with a fixed wait whenever the control channel
// dies.
type Agent struct {
	cfg    Config
	logger *slog.Logger
}

// New builds an Agent from cfg.
func New(cfg Config, logger *slog.Logger) *Agent {
	cfg.applyDefaults()
	return &Agent{
		cfg:    cfg,
		logger: logger.With("component", "agent"),
	}
}

// Run connects to the server and serves the control channel, redialing
// after the fixed reconnect wait whenever the session ends. It returns only
// when the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if err := a.runSession(ctx); err != nil {
			a.logger.Warn("control session ended", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		a.logger.Info("reconnecting", "wait", a.cfg.ReconnectWait.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.ReconnectWait):
		}
	}
}

// runSession dials the server, performs the Hello handshake, and serves
// Connects until the channel dies or the context is cancelled.
func (a *Agent) runSession(ctx context.Context) error {
	dialer := net.Dialer{Timeout: a.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.cfg.Server)
	if err != nil {
		return fmt.Errorf("dialing server %s: %w", a.cfg.Server, err)
	}
	defer conn.Close()

	// Cancellation unblocks the read loop by closing the socket.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-sessionDone:
		}
	}()

	fw := protocol.NewFrameWriter(conn)
	fr := protocol.NewFrameReader(conn)

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if _, err := conn.Write([]byte{protocol.MagicControl}); err != nil {
		return fmt.Errorf("writing channel magic: %w", err)
	}
	if err := fw.WriteMessage(protocol.Hello{Group: a.cfg.Group}); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}
	msg, err := fr.ReadMessage()
	if err != nil {
		return fmt.Errorf("awaiting hello ack: %w", err)
	}
	ack, ok := msg.(protocol.HelloAck)
	if !ok {
		return fmt.Errorf("server answered hello with %s", msg.Type())
	}
	conn.SetDeadline(time.Time{})

	logger := a.logger.With("agent_id", ack.AgentID)
	logger.Info("connected to server", "server", a.cfg.Server, "group", a.cfg.Group)

	var lastPong atomic.Int64
	lastPong.Store(time.Now().UnixNano())
	go a.keepAlive(sessionDone, conn, fw, &lastPong, logger)

	for {
		msg, err := fr.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading control channel: %w", err)
		}

		switch m := msg.(type) {
		case protocol.Connect:
			go a.serveConnect(ctx, fw, m, logger)
		case protocol.Ping:
			lastPong.Store(time.Now().UnixNano())
			if err := fw.WriteMessage(protocol.Pong{}); err != nil {
				return fmt.Errorf("answering ping: %w", err)
			}
		case protocol.Pong:
			lastPong.Store(time.Now().UnixNano())
		default:
			return fmt.Errorf("unexpected %s on control channel", msg.Type())
		}
	}
}

// keepAlive pings the server every interval and closes the channel once the
// server has been silent past the pong timeout.
func (a *Agent) keepAlive(done <-chan struct{}, conn net.Conn, fw *protocol.FrameWriter, lastPong *atomic.Int64, logger *slog.Logger) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, lastPong.Load())) > a.cfg.PongTimeout {
				logger.Warn("server missed keep-alive, closing control channel")
				conn.Close()
				return
			}
			if err := fw.WriteMessage(protocol.Ping{}); err != nil {
				return
			}
		}
	}
}

// serveConnect handles one dispatched request: dial the destination, report
// failure, or announce and open the return socket and relay.
func (a *Agent) serveConnect(ctx context.Context, fw *protocol.FrameWriter, m protocol.Connect, logger *slog.Logger) {
	dest := net.JoinHostPort(m.Host, fmt.Sprintf("%d", m.Port))
	logger = logger.With("request_id", m.RequestID.String(), "dest", dest)

	destConn, err := net.DialTimeout("tcp", dest, a.cfg.DialTimeout)
	if err != nil {
		logger.Warn("destination dial failed", "error", err)
		failure := protocol.ConnectFailure{
			RequestID: m.RequestID,
			Reason:    dialFailureReason(err),
		}
		if werr := fw.WriteMessage(failure); werr != nil {
			logger.Warn("reporting connect failure failed", "error", werr)
		}
		return
	}
	defer destConn.Close()

	// Announce before dialing back so the server can authenticate the
	// return socket against this session.
	if err := fw.WriteMessage(protocol.ReturnAnnounce{RequestID: m.RequestID}); err != nil {
		logger.Warn("announcing return failed", "error", err)
		return
	}

	retConn, err := a.openReturn(ctx, m.RequestID)
	if err != nil {
		logger.Warn("opening return socket failed", "error", err)
		return
	}
	defer retConn.Close()

	logger.Info("return socket open, relaying")
	res := relay.Run(destConn, retConn, logger)
	logger.Info("relay finished",
		"dest_to_server", res.AToB,
		"server_to_dest", res.BToA,
	)
}

// openReturn dials the server's bind port and stamps the connection as the
// return data socket for id.
func (a *Agent) openReturn(ctx context.Context, id protocol.RequestID) (net.Conn, error) {
	dialer := net.Dialer{Timeout: a.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("dialing server: %w", err)
	}

	header := make([]byte, 0, 1+protocol.RequestIDLen)
	header = append(header, protocol.MagicReturn)
	header = append(header, id[:]...)
	if _, err := conn.Write(header); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing return header: %w", err)
	}
	return conn, nil
}

// dialFailureReason maps a dial error to a wire reason code.
func dialFailureReason(err error) byte {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return protocol.ReasonDialTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return protocol.ReasonDialError
	}
	return protocol.ReasonOther
}
