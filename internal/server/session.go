// ABOUTME: Per-agent control session with a bounded writer queue.
// ABOUTME: Tracks liveness state and tears down slow or dead agents.

package server

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/munnel/internal/protocol"
)

// ErrSessionClosed indicates a send to a session that is no longer live.
var ErrSessionClosed = errors.New("agent session closed")

// writerQueueLen bounds the per-session outgoing frame queue. A live agent
// that lets the queue fill is torn down rather than allowed to stall the
// service listeners behind it.
const writerQueueLen = 64

type sessionState int32

const (
	stateLive sessionState = iota
	stateDraining
	stateDead
)

// session is one connected agent's control channel. Frames are enqueued by
// any goroutine and written by a single writer loop, so listener goroutines
// never block on a peer's socket.
type session struct {
	id    uint64
	group string
	conn  net.Conn

	out      chan protocol.Message
	done     chan struct{}
	state    atomic.Int32
	lastPong atomic.Int64

	closeOnce sync.Once
	logger    *slog.Logger
}

func newSession(conn net.Conn, group string, logger *slog.Logger) *session {
	s := &session{
		group:  group,
		conn:   conn,
		out:    make(chan protocol.Message, writerQueueLen),
		done:   make(chan struct{}),
		logger: logger,
	}
	s.lastPong.Store(time.Now().UnixNano())
	return s
}

// Group returns the group name the agent declared in its Hello.
func (s *session) Group() string { return s.group }

// Live reports whether the session accepts new dispatches.
func (s *session) Live() bool {
	return sessionState(s.state.Load()) == stateLive
}

// drain moves a live session to Draining so it stops receiving dispatches
// while its in-flight relays finish.
func (s *session) drain() {
	s.state.CompareAndSwap(int32(stateLive), int32(stateDraining))
}

// enqueue hands a frame to the writer loop. A full queue on a live session
// is treated as a dead agent and the session is torn down.
func (s *session) enqueue(m protocol.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	case s.out <- m:
		return nil
	default:
	}

	s.logger.Warn("agent writer queue full, closing session",
		"agent_id", s.id,
		"queue_len", writerQueueLen,
	)
	s.close()
	return ErrSessionClosed
}

// writeLoop drains the outgoing queue onto the control socket. It owns the
// socket's write side; a write error kills the whole session.
func (s *session) writeLoop() {
	w := protocol.NewFrameWriter(s.conn)
	for {
		select {
		case <-s.done:
			return
		case m := <-s.out:
			if err := w.WriteMessage(m); err != nil {
				s.logger.Warn("control write failed", "agent_id", s.id, "error", err)
				s.close()
				return
			}
		}
	}
}

// markPong records a Pong arrival for the keep-alive check.
func (s *session) markPong() {
	s.lastPong.Store(time.Now().UnixNano())
}

// pongOverdue reports whether the agent has been silent past the timeout.
func (s *session) pongOverdue(timeout time.Duration) bool {
	last := time.Unix(0, s.lastPong.Load())
	return time.Since(last) > timeout
}

// close marks the session dead and closes the socket, unblocking both the
// read and write loops. Safe to call multiple times.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateDead))
		close(s.done)
		s.conn.Close()
	})
}
