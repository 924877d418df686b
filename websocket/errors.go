package websocket

import (
	"errors"
	"fmt"
)

// Protocol error types defined by RFC 6455 Section 7.4.1.
//
// They never surface bare from frame processing: the decoder and the
// connection wrap them in *CloseError so the close code travels with them.

var (
	// ErrProtocolError indicates a violation of the WebSocket protocol.
	// RFC 6455 Section 7.4.1: Status code 1002.
	ErrProtocolError = errors.New("websocket: protocol error")

	// ErrInvalidUTF8 indicates text payload or close reason is not valid UTF-8.
	// RFC 6455 Section 8.1: Status code 1007.
	ErrInvalidUTF8 = errors.New("websocket: invalid UTF-8")

	// ErrReservedBits indicates RSV1/RSV2/RSV3 bits are set.
	// RFC 6455 Section 5.2: Reserved bits must be 0 unless extension negotiated.
	ErrReservedBits = errors.New("websocket: reserved bits must be 0")

	// ErrInvalidOpcode indicates an unknown or reserved opcode.
	// RFC 6455 Section 5.2: Opcodes 0x3-0x7 and 0xB-0xF are reserved.
	ErrInvalidOpcode = errors.New("websocket: invalid opcode")

	// ErrControlFragmented indicates a control frame with FIN=0.
	// RFC 6455 Section 5.5: Control frames must NOT be fragmented.
	ErrControlFragmented = errors.New("websocket: control frame must not be fragmented")

	// ErrControlTooLarge indicates control frame payload > 125 bytes.
	// RFC 6455 Section 5.5: Control frame payload length must be <= 125.
	ErrControlTooLarge = errors.New("websocket: control frame payload too large")

	// ErrUnexpectedContinuation indicates continuation frame without initial frame.
	// RFC 6455 Section 5.4: Continuation requires prior data frame with FIN=0.
	ErrUnexpectedContinuation = errors.New("websocket: unexpected continuation frame")

	// ErrExpectedContinuation indicates a new data frame inside an unfinished message.
	// RFC 6455 Section 5.4: Fragments of one message must not be interleaved.
	ErrExpectedContinuation = errors.New("websocket: expected continuation frame")

	// ErrMaskRequired indicates client frame without masking.
	// RFC 6455 Section 5.3: Client-to-server frames MUST be masked.
	ErrMaskRequired = errors.New("websocket: client frames must be masked")

	// ErrMaskUnexpected indicates server frame with masking.
	// RFC 6455 Section 5.3: Server-to-client frames MUST NOT be masked.
	ErrMaskUnexpected = errors.New("websocket: server frames must not be masked")

	// ErrMessageTooLarge indicates message exceeds maximum size.
	// Configurable via MaxMessageLength (default: 20 MiB).
	// Status code 1009 (message too big).
	ErrMessageTooLarge = errors.New("websocket: message too large")

	// ErrPongMismatch indicates a pong that does not echo the outstanding ping.
	// Status code 1002 (protocol error).
	ErrPongMismatch = errors.New("websocket: pong payload does not match ping")

	// ErrInvalidClosePayload indicates a malformed close frame body.
	// RFC 6455 Section 5.5.1: Body is empty or a 2-byte code plus UTF-8 reason.
	ErrInvalidClosePayload = errors.New("websocket: invalid close frame payload")

	// ErrRateLimited indicates the peer exceeded the configured message rate.
	// Status code 1008 (policy violation).
	ErrRateLimited = errors.New("websocket: message rate limit exceeded")

	// Handshake error types (RFC 6455 Section 4).

	// ErrInvalidMethod indicates HTTP method is not GET.
	// RFC 6455 Section 4.1: Handshake MUST use GET method.
	ErrInvalidMethod = errors.New("websocket: method must be GET")

	// ErrMissingUpgrade indicates missing or invalid Upgrade header.
	// RFC 6455 Section 4.2.1: Must contain "websocket" (case-insensitive).
	ErrMissingUpgrade = errors.New("websocket: missing or invalid Upgrade header")

	// ErrMissingConnection indicates missing or invalid Connection header.
	// RFC 6455 Section 4.2.1: Must contain "Upgrade" (case-insensitive).
	ErrMissingConnection = errors.New("websocket: missing or invalid Connection header")

	// ErrMissingSecKey indicates missing Sec-WebSocket-Key header.
	ErrMissingSecKey = errors.New("websocket: missing Sec-WebSocket-Key header")

	// ErrInvalidVersion indicates unsupported WebSocket version.
	// RFC 6455 Section 4.4: Only version 13 is supported.
	ErrInvalidVersion = errors.New("websocket: unsupported WebSocket version")

	// ErrOriginDenied indicates origin check failed.
	ErrOriginDenied = errors.New("websocket: origin check failed")

	// ErrHijackFailed indicates HTTP connection cannot be hijacked.
	ErrHijackFailed = errors.New("websocket: cannot hijack connection")

	// ErrBadHandshake indicates the server response failed validation.
	// RFC 6455 Section 4.1: the client must "Fail the WebSocket Connection".
	ErrBadHandshake = errors.New("websocket: fail the WebSocket connection")

	// ErrInvalidURL indicates a client URL that is not ws:// or wss:// with a host.
	ErrInvalidURL = errors.New("websocket: invalid URL")

	// Usage errors. Returned synchronously, connection state is unaffected.

	// ErrClosed indicates the transport is already closed.
	ErrClosed = errors.New("websocket: connection closed")

	// ErrInvalidState indicates an operation that requires a different ready state,
	// for example Send while CONNECTING or CLOSING.
	ErrInvalidState = errors.New("websocket: invalid state")

	// ErrNilData indicates Send was called without data.
	ErrNilData = errors.New("websocket: no data to send")

	// ErrInvalidCloseCode indicates an application supplied close code that may
	// not be sent (InvalidAccessError).
	ErrInvalidCloseCode = errors.New("websocket: invalid close code")

	// ErrReasonTooLong indicates a close reason over 123 bytes (SyntaxError).
	ErrReasonTooLong = errors.New("websocket: close reason longer than 123 bytes")

	// ErrInvalidMaxMessageLength indicates a max message length below 1.
	ErrInvalidMaxMessageLength = errors.New("websocket: invalid max message length")

	// ErrInvalidBinaryType indicates an unknown binary type name.
	ErrInvalidBinaryType = errors.New("websocket: invalid binary type")
)

// CloseError is a fatal protocol condition that carries the close code the
// connection sends to its peer before terminating the transport.
//
// CloseError unwraps to one of the package sentinels, so callers can test
// with errors.Is(err, ErrMessageTooLarge) and read the code with errors.As.
type CloseError struct {
	// Code is the close status code sent in the CLOSE frame.
	Code CloseCode

	// Reason is the human readable reason sent in the CLOSE frame.
	Reason string

	err error
}

// newCloseError creates a CloseError for code wrapping the sentinel err.
func newCloseError(code CloseCode, err error, reason string) *CloseError {
	return &CloseError{Code: code, Reason: reason, err: err}
}

// Error implements error.
func (e *CloseError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%v: %s (close %d)", e.err, e.Reason, int(e.Code))
	}
	return fmt.Sprintf("websocket: %s (close %d)", e.Reason, int(e.Code))
}

// Unwrap returns the wrapped sentinel error.
func (e *CloseError) Unwrap() error {
	return e.err
}
