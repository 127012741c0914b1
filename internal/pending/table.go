// ABOUTME: Rendezvous table pairing parked client sockets with agent return sockets.
// ABOUTME: Enforces agent identity on claims and sweeps out expired entries.

// Package pending holds client connections that have been dispatched to an
// agent and are waiting for the matching return data socket.
//
// The lifecycle of an entry is park -> announce -> claim, or park -> cancel.
// Claims are only honored after the dispatched agent has announced the
// return on its control channel, so no agent can resolve another agent's
// request even if it learns the request id.
package pending

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/munnel/internal/protocol"
)

// ErrRequestNotFound indicates no claimable entry for the request id. The
// caller drops the return socket; a late return after a timeout lands here.
var ErrRequestNotFound = errors.New("pending request not found")

// ErrAgentMismatch indicates an agent touched a request dispatched to a
// different agent.
var ErrAgentMismatch = errors.New("request belongs to a different agent")

type entry struct {
	client    net.Conn
	agentID   uint64
	announced bool
	createdAt time.Time
}

// Table maps request ids to parked client connections. All methods are safe
// for concurrent use; no I/O happens under the lock (closing a socket is
// done after the entry is detached).
type Table struct {
	mu      sync.Mutex
	entries map[protocol.RequestID]*entry
	logger  *slog.Logger
}

// New creates an empty Table.
func New(logger *slog.Logger) *Table {
	return &Table{
		entries: make(map[protocol.RequestID]*entry),
		logger:  logger,
	}
}

// Park stores a client connection awaiting the agent's return socket. The
// caller must park before sending the Connect so the agent cannot return
// ahead of the entry.
func (t *Table) Park(id protocol.RequestID, client net.Conn, agentID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = &entry{
		client:    client,
		agentID:   agentID,
		createdAt: time.Now(),
	}
}

// Unpark detaches and returns a parked client without closing it. Used to
// roll back a park when the Connect send fails. Returns nil if the entry is
// already gone.
func (t *Table) Unpark(id protocol.RequestID) net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	return e.client
}

// Announce marks the request as expecting a return socket from agentID.
// Announces from any other agent are rejected.
func (t *Table) Announce(id protocol.RequestID, agentID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return ErrRequestNotFound
	}
	if e.agentID != agentID {
		return ErrAgentMismatch
	}
	e.announced = true
	return nil
}

// Claim removes the entry for an announced request and returns the parked
// client. Unannounced or unknown requests return ErrRequestNotFound and the
// caller drops the return socket.
func (t *Table) Claim(id protocol.RequestID) (net.Conn, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || !e.announced {
		return nil, 0, ErrRequestNotFound
	}
	delete(t.entries, id)
	return e.client, e.agentID, nil
}

// Cancel closes and removes a single request if it belongs to agentID.
// Used when the agent reports a ConnectFailure.
func (t *Table) Cancel(id protocol.RequestID, agentID uint64) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok && e.agentID != agentID {
		t.mu.Unlock()
		return ErrAgentMismatch
	}
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return ErrRequestNotFound
	}
	e.client.Close()
	return nil
}

// CancelAllFor closes and removes every request dispatched to agentID.
// Called on agent death. Returns the number of cancelled requests.
func (t *Table) CancelAllFor(agentID uint64) int {
	t.mu.Lock()
	var victims []*entry
	for id, e := range t.entries {
		if e.agentID == agentID {
			victims = append(victims, e)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, e := range victims {
		e.client.Close()
	}
	if len(victims) > 0 {
		t.logger.Info("cancelled pending requests for dead agent",
			"agent_id", agentID,
			"count", len(victims),
		)
	}
	return len(victims)
}

// CancelAll closes and removes every entry. Called on shutdown.
func (t *Table) CancelAll() int {
	t.mu.Lock()
	victims := make([]*entry, 0, len(t.entries))
	for id, e := range t.entries {
		victims = append(victims, e)
		delete(t.entries, id)
	}
	t.mu.Unlock()

	for _, e := range victims {
		e.client.Close()
	}
	return len(victims)
}

// Sweep cancels entries parked longer than maxAge and returns how many it
// cancelled. The server runs this on a ticker; a request that expires here
// shows up to a late-returning agent as ErrRequestNotFound.
func (t *Table) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	t.mu.Lock()
	var victims []*entry
	for id, e := range t.entries {
		if e.createdAt.Before(cutoff) {
			victims = append(victims, e)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, e := range victims {
		e.client.Close()
	}
	if len(victims) > 0 {
		t.logger.Info("swept expired pending requests", "count", len(victims))
	}
	return len(victims)
}

// Len returns the number of parked requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
