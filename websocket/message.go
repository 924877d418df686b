package websocket

import (
	"errors"
	"strconv"
)

// MessageType represents WebSocket message type.
//
// WebSocket supports two application message types (RFC 6455 Section 5.6):
// - Text (UTF-8 encoded text).
// - Binary (arbitrary binary data).
type MessageType int

const (
	// TextMessage represents a UTF-8 text message (opcode 0x1).
	// Text frames MUST contain valid UTF-8 data (RFC 6455 Section 8.1).
	TextMessage MessageType = 1

	// BinaryMessage represents a binary data message (opcode 0x2).
	// Binary frames can contain arbitrary binary data.
	BinaryMessage MessageType = 2
)

// String returns string representation of message type.
func (mt MessageType) String() string {
	switch mt {
	case TextMessage:
		return "Text"
	case BinaryMessage:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Message is one logical unit produced by the Decoder.
//
// For data messages Opcode is the opcode of the first frame of the run and
// Data is the unmasked concatenation of every frame payload up to and
// including the FIN frame. Control frames are delivered as single-frame
// messages with their own opcode.
type Message struct {
	Opcode Opcode
	Data   []byte
}

// CloseCode represents WebSocket close status codes (RFC 6455 Section 7.4).
//
// Close frames MAY contain a status code indicating the reason for closure.
// Status codes 1000-4999 are defined by the WebSocket protocol.
type CloseCode int

const (
	// CloseNormalClosure indicates normal closure (1000).
	// Connection purpose fulfilled.
	CloseNormalClosure CloseCode = 1000

	// CloseGoingAway indicates endpoint going away (1001).
	// Server shutting down or browser navigating away.
	CloseGoingAway CloseCode = 1001

	// CloseProtocolError indicates protocol error (1002).
	// Endpoint received frame it cannot understand.
	CloseProtocolError CloseCode = 1002

	// CloseUnsupportedData indicates unsupported data type (1003).
	CloseUnsupportedData CloseCode = 1003

	// closeReserved1004 is reserved and MUST NOT be used.
	closeReserved1004 CloseCode = 1004

	// CloseNoStatusReceived indicates no status code was received (1005).
	// This is a reserved value and MUST NOT be set in close frame.
	// Used internally when close frame has no status code.
	CloseNoStatusReceived CloseCode = 1005

	// CloseAbnormalClosure indicates abnormal closure (1006).
	// This is a reserved value and MUST NOT be set in close frame.
	// Used internally when connection closed without close frame (e.g. TCP error).
	CloseAbnormalClosure CloseCode = 1006

	// CloseInvalidFramePayloadData indicates invalid frame payload (1007).
	// Message payload contains invalid data (e.g. invalid UTF-8 in text frame).
	CloseInvalidFramePayloadData CloseCode = 1007

	// ClosePolicyViolation indicates policy violation (1008).
	ClosePolicyViolation CloseCode = 1008

	// CloseMessageTooBig indicates message too large (1009).
	// Endpoint received message too big to process.
	CloseMessageTooBig CloseCode = 1009

	// CloseMandatoryExtension indicates missing extension (1010).
	CloseMandatoryExtension CloseCode = 1010

	// CloseInternalServerErr indicates internal server error (1011).
	CloseInternalServerErr CloseCode = 1011

	// CloseServiceRestart indicates service restart (1012).
	CloseServiceRestart CloseCode = 1012

	// CloseTryAgainLater indicates try again later (1013).
	CloseTryAgainLater CloseCode = 1013

	// CloseBadGateway indicates a gateway received an invalid upstream response (1014).
	// Applications may not send it.
	CloseBadGateway CloseCode = 1014

	// CloseTLSHandshake indicates TLS handshake failure (1015).
	// This is a reserved value and MUST NOT be set in close frame.
	CloseTLSHandshake CloseCode = 1015
)

// String returns string representation of close code.
//
//nolint:cyclop // close codes per RFC 6455
func (cc CloseCode) String() string {
	switch cc {
	case CloseNormalClosure:
		return "Normal Closure"
	case CloseGoingAway:
		return "Going Away"
	case CloseProtocolError:
		return "Protocol Error"
	case CloseUnsupportedData:
		return "Unsupported Data"
	case CloseNoStatusReceived:
		return "No Status Received"
	case CloseAbnormalClosure:
		return "Abnormal Closure"
	case CloseInvalidFramePayloadData:
		return "Invalid Frame Payload Data"
	case ClosePolicyViolation:
		return "Policy Violation"
	case CloseMessageTooBig:
		return "Message Too Big"
	case CloseMandatoryExtension:
		return "Mandatory Extension"
	case CloseInternalServerErr:
		return "Internal Server Error"
	case CloseServiceRestart:
		return "Service Restart"
	case CloseTryAgainLater:
		return "Try Again Later"
	case CloseBadGateway:
		return "Bad Gateway"
	case CloseTLSHandshake:
		return "TLS Handshake"
	}
	if cc >= 3000 && cc <= 4999 {
		return "Application " + strconv.Itoa(int(cc))
	}
	return "Unknown"
}

// IsCloseError reports whether err carries a close code and, when codes are
// given, whether that code is one of them.
//
//	if websocket.IsCloseError(err, websocket.CloseMessageTooBig) { ... }
func IsCloseError(err error, codes ...CloseCode) bool {
	var ce *CloseError
	if !errors.As(err, &ce) {
		return false
	}
	if len(codes) == 0 {
		return true
	}
	for _, code := range codes {
		if ce.Code == code {
			return true
		}
	}
	return false
}
