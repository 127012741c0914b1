// ABOUTME: Package documentation for the munnel server engine.
// ABOUTME: Describes the bind port, service listeners, and session lifecycle.

// Package server implements the munnel server: a single bind port accepting
// agent control channels and return data sockets, plus one listener per
// exposed service.
//
// Every inbound connection on the bind port opens with a magic byte: 'C'
// selects the framed control channel, 'R' a raw return data socket carrying
// a 16-byte request id. Client connections accepted on a service listener
// are parked in the pending table, a Connect is dispatched to a round-robin
// selected agent, and once the agent's announced return socket arrives the
// two ends are spliced by the relay.
package server
