// ABOUTME: Typed control messages and their body encodings.
// ABOUTME: Each message marshals to a 1-byte tag plus a fixed-layout body.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Channel magic bytes, sent as the first byte of every inbound TCP
// connection to the server bind port.
const (
	MagicControl byte = 0x43 // 'C'
	MagicReturn  byte = 0x52 // 'R'
)

// MsgType identifies a control message within a frame payload.
type MsgType byte

const (
	MsgHello          MsgType = 0x01
	MsgHelloAck       MsgType = 0x02
	MsgConnect        MsgType = 0x03
	MsgPing           MsgType = 0x04
	MsgPong           MsgType = 0x05
	MsgConnectFailure MsgType = 0x06
	MsgReturnAnnounce MsgType = 0x07
)

// String returns the message type name.
func (t MsgType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgHelloAck:
		return "HELLO_ACK"
	case MsgConnect:
		return "CONNECT"
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgConnectFailure:
		return "CONNECT_FAILURE"
	case MsgReturnAnnounce:
		return "RETURN_ANNOUNCE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// ConnectFailure reason codes.
const (
	ReasonOther       byte = 0
	ReasonDialError   byte = 1
	ReasonDialTimeout byte = 2
)

// ErrUnknownMessage indicates a frame payload with an unrecognized tag.
var ErrUnknownMessage = errors.New("unknown message tag")

// ErrTruncatedBody indicates a message body shorter than its fixed layout requires.
var ErrTruncatedBody = errors.New("truncated message body")

// RequestIDLen is the wire size of a request id.
const RequestIDLen = 16

// RequestID is the 16-byte token that pairs a parked client connection with
// the agent's return socket.
type RequestID [RequestIDLen]byte

// NewRequestID mints a fresh random request id.
func NewRequestID() RequestID {
	return RequestID(uuid.New())
}

// String renders the id in canonical UUID form for logs.
func (id RequestID) String() string {
	return uuid.UUID(id).String()
}

// Message is a decoded control message.
type Message interface {
	// Type returns the wire tag for this message.
	Type() MsgType
	// appendBody appends the message body to buf and returns the result.
	appendBody(buf []byte) []byte
}

// Hello is the agent's opening message declaring its group.
// An empty group means the agent serves ungrouped services.
type Hello struct {
	Group string
}

func (Hello) Type() MsgType { return MsgHello }

func (m Hello) appendBody(buf []byte) []byte {
	return append(buf, m.Group...)
}

// HelloAck carries the agent id the server assigned to the session.
type HelloAck struct {
	AgentID uint64
}

func (HelloAck) Type() MsgType { return MsgHelloAck }

func (m HelloAck) appendBody(buf []byte) []byte {
	return binary.BigEndian.AppendUint64(buf, m.AgentID)
}

// Connect instructs the agent to dial Host:Port and splice the result back
// under RequestID.
type Connect struct {
	RequestID RequestID
	Host      string
	Port      uint16
}

func (Connect) Type() MsgType { return MsgConnect }

func (m Connect) appendBody(buf []byte) []byte {
	buf = append(buf, m.RequestID[:]...)
	buf = append(buf, byte(len(m.Host)))
	buf = append(buf, m.Host...)
	return binary.BigEndian.AppendUint16(buf, m.Port)
}

// Ping is a keep-alive probe. Either peer may send it.
type Ping struct{}

func (Ping) Type() MsgType { return MsgPing }

func (Ping) appendBody(buf []byte) []byte { return buf }

// Pong answers a Ping.
type Pong struct{}

func (Pong) Type() MsgType { return MsgPong }

func (Pong) appendBody(buf []byte) []byte { return buf }

// ConnectFailure reports that the agent could not dial the destination for
// a dispatched request.
type ConnectFailure struct {
	RequestID RequestID
	Reason    byte
}

func (ConnectFailure) Type() MsgType { return MsgConnectFailure }

func (m ConnectFailure) appendBody(buf []byte) []byte {
	buf = append(buf, m.RequestID[:]...)
	return append(buf, m.Reason)
}

// ReturnAnnounce tells the server a return data socket for RequestID is about
// to arrive from this agent. Sent on the control channel before the agent
// dials the return socket, so the server can verify the returning peer.
type ReturnAnnounce struct {
	RequestID RequestID
}

func (ReturnAnnounce) Type() MsgType { return MsgReturnAnnounce }

func (m ReturnAnnounce) appendBody(buf []byte) []byte {
	return append(buf, m.RequestID[:]...)
}

// Marshal encodes a message into a frame payload (tag + body).
func Marshal(m Message) []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, byte(m.Type()))
	return m.appendBody(buf)
}

// Unmarshal decodes a frame payload into a typed message.
func Unmarshal(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, ErrTruncatedBody
	}
	tag := MsgType(payload[0])
	body := payload[1:]

	switch tag {
	case MsgHello:
		return Hello{Group: string(body)}, nil
	case MsgHelloAck:
		if len(body) != 8 {
			return nil, fmt.Errorf("%w: HELLO_ACK wants 8 bytes, got %d", ErrTruncatedBody, len(body))
		}
		return HelloAck{AgentID: binary.BigEndian.Uint64(body)}, nil
	case MsgConnect:
		return unmarshalConnect(body)
	case MsgPing:
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: PING carries no body", ErrTruncatedBody)
		}
		return Ping{}, nil
	case MsgPong:
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: PONG carries no body", ErrTruncatedBody)
		}
		return Pong{}, nil
	case MsgConnectFailure:
		if len(body) != RequestIDLen+1 {
			return nil, fmt.Errorf("%w: CONNECT_FAILURE wants %d bytes, got %d", ErrTruncatedBody, RequestIDLen+1, len(body))
		}
		var m ConnectFailure
		copy(m.RequestID[:], body[:RequestIDLen])
		m.Reason = body[RequestIDLen]
		return m, nil
	case MsgReturnAnnounce:
		if len(body) != RequestIDLen {
			return nil, fmt.Errorf("%w: RETURN_ANNOUNCE wants %d bytes, got %d", ErrTruncatedBody, RequestIDLen, len(body))
		}
		var m ReturnAnnounce
		copy(m.RequestID[:], body)
		return m, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, byte(tag))
	}
}

func unmarshalConnect(body []byte) (Message, error) {
	if len(body) < RequestIDLen+1 {
		return nil, fmt.Errorf("%w: CONNECT header", ErrTruncatedBody)
	}
	var m Connect
	copy(m.RequestID[:], body[:RequestIDLen])
	hostLen := int(body[RequestIDLen])
	rest := body[RequestIDLen+1:]
	if len(rest) != hostLen+2 {
		return nil, fmt.Errorf("%w: CONNECT wants host(%d)+port, got %d bytes", ErrTruncatedBody, hostLen, len(rest))
	}
	m.Host = string(rest[:hostLen])
	m.Port = binary.BigEndian.Uint16(rest[hostLen:])
	return m, nil
}
