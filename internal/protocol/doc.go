// ABOUTME: Documentation for the munnel wire protocol package.
// ABOUTME: Describes framing, channel magic bytes, and control message types.

// Package protocol implements the munnel control-channel wire format.
//
// # Channel selection
//
// Every inbound TCP connection to the server's bind port begins with a
// single magic byte that selects the channel type:
//
//   - 0x43 ('C'): a control channel; length-delimited frames follow.
//   - 0x52 ('R'): a return data socket; a 16-byte request id follows,
//     then raw payload bytes.
//
// # Framing
//
// Control frames are a 4-byte big-endian length prefix followed by the
// payload. The payload is a 1-byte message tag and a type-specific body.
// The length counts the payload only. Payloads larger than MaxFramePayload
// (64 KiB) or empty payloads are fatal protocol errors; the session is
// torn down.
//
// # Messages
//
//	0x01 Hello          agent → server   group name (UTF-8, empty = no group)
//	0x02 HelloAck       server → agent   assigned agent id (u64 BE)
//	0x03 Connect        server → agent   request id, dest host, dest port
//	0x04 Ping           either           empty
//	0x05 Pong           either           empty
//	0x06 ConnectFailure agent → server   request id, reason code
//	0x07 ReturnAnnounce agent → server   request id
//
// All multi-byte integers are big-endian.
//
// # Request IDs
//
// A RequestID is a 16-byte random token minted per client connection. It is
// unique for the process lifetime and unguessable, so a misbehaving agent
// cannot forge another agent's pending request.
package protocol
