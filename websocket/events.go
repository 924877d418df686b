package websocket

import (
	"bytes"
)

// ReadyState is the connection lifecycle state.
type ReadyState int32

const (
	// StateConnecting is the initial state, before the opening handshake completes.
	StateConnecting ReadyState = iota
	// StateOpen means the handshake succeeded and messages may be exchanged.
	StateOpen
	// StateClosing means a close frame was sent or received.
	StateClosing
	// StateClosed is terminal: the transport is fully shut down.
	StateClosed
)

// String returns the state name.
func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Role is the side of the connection an endpoint plays.
type Role int

const (
	// RoleClient masks outbound frames and rejects masked inbound frames.
	RoleClient Role = iota
	// RoleServer sends unmasked frames and requires masked inbound frames.
	RoleServer
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// masking reports whether outbound frames are masked.
func (r Role) masking() bool {
	return r == RoleClient
}

// inboundMask is the mask rule applied to frames from the peer.
func (r Role) inboundMask() MaskRule {
	if r == RoleServer {
		return MaskRequired
	}
	return MaskForbidden
}

// MessageEvent is a complete data message received from the peer.
type MessageEvent struct {
	// Type is TextMessage or BinaryMessage.
	Type MessageType

	// Data is the message payload. Text payloads are valid UTF-8.
	Data []byte

	// Buffer wraps Data for binary messages when the connection's
	// BinaryType is BinaryBuffer, nil otherwise.
	Buffer *bytes.Buffer
}

// Text returns the payload as a string.
func (e MessageEvent) Text() string {
	return string(e.Data)
}

// PingEvent reports a ping received from the peer. The pong reply has
// already been queued when it is delivered.
type PingEvent struct {
	Data []byte
}

// PongEvent reports a pong from the peer. A pong answering a ping has
// already been checked against its payload.
type PongEvent struct {
	Data []byte
}

// CloseEvent is delivered once, when the connection reaches StateClosed.
type CloseEvent struct {
	// WasClean is false when the transport failed.
	WasClean bool

	// Code is the close code of whichever side closed first, or
	// CloseAbnormalClosure when no close frame was exchanged.
	Code CloseCode

	// Reason is the close reason, or the transport error text.
	Reason string
}

// handlers holds the registered callbacks of one connection.
type handlers struct {
	open    []func()
	message []func(MessageEvent)
	ping    []func(PingEvent)
	pong    []func(PongEvent)
	error   []func(error)
	close   []func(CloseEvent)
}
