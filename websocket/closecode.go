package websocket

import (
	"encoding/binary"
	"strconv"
	"unicode/utf8"
)

// maxCloseReason is the largest close reason that fits a control frame:
// 125 payload bytes minus the 2-byte status code.
const maxCloseReason = maxControlPayload - 2

// invalidAccess is the reason carried by close code validation failures.
const invalidAccess = "InvalidAccessError"

// ValidateCloseCode checks a close code supplied by the application.
//
// Only 1000 and the application range 3000-4999 may be sent explicitly.
// Reserved and protocol-internal codes fail with a CloseError whose Code is
// CloseProtocolError; any other disallowed code fails with a CloseError
// carrying the code itself. Both unwrap to ErrInvalidCloseCode.
//
//	websocket.ValidateCloseCode(1000) // nil
//	websocket.ValidateCloseCode(4000) // nil
//	websocket.ValidateCloseCode(1005) // *CloseError{Code: 1002}
//	websocket.ValidateCloseCode(5000) // *CloseError{Code: 5000}
func ValidateCloseCode(code CloseCode) error {
	switch {
	case code < CloseNormalClosure,
		code == closeReserved1004,
		code == CloseNoStatusReceived,
		code == CloseAbnormalClosure,
		code == CloseBadGateway,
		code == CloseTLSHandshake,
		code >= 1016 && code <= 2999:
		return newCloseError(CloseProtocolError, ErrInvalidCloseCode, invalidAccess)
	}
	if code != CloseNormalClosure && (code < 3000 || code > 4999) {
		return newCloseError(code, ErrInvalidCloseCode, invalidAccess)
	}
	return nil
}

// ValidateCloseReason checks that reason fits in a close frame next to the
// status code (at most 123 bytes of UTF-8).
func ValidateCloseReason(reason string) error {
	if len(reason) > maxCloseReason {
		return ErrReasonTooLong
	}
	if !utf8.ValidString(reason) {
		return ErrInvalidUTF8
	}
	return nil
}

// truncateCloseReason cuts reason to maxCloseReason bytes on a rune
// boundary.
func truncateCloseReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}

// isReceivableCloseCode reports whether a peer may put code on the wire
// (RFC 6455 Section 7.4.1 and the IANA registry).
func isReceivableCloseCode(code CloseCode) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	default:
		return false
	}
}

// formatClosePayload builds a close frame body. A zero code produces an
// empty body; the reason is only sent together with a code.
func formatClosePayload(code CloseCode, reason string) []byte {
	if code == 0 {
		return []byte{}
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return payload
}

// parseClosePayload extracts status code and reason from a received close
// frame body. An empty body yields code 0.
//
// RFC 6455 Section 5.5.1: a body, if present, starts with a 2-byte code
// followed by a UTF-8 reason.
func parseClosePayload(payload []byte) (CloseCode, string, error) {
	switch len(payload) {
	case 0:
		return 0, "", nil
	case 1:
		return 0, "", newCloseError(CloseProtocolError, ErrInvalidClosePayload, "close payload of 1 byte")
	}

	code := CloseCode(binary.BigEndian.Uint16(payload))
	if !isReceivableCloseCode(code) {
		return 0, "", newCloseError(CloseProtocolError, ErrInvalidClosePayload, "invalid close code "+strconv.Itoa(int(code)))
	}

	reason := payload[2:]
	if !utf8.Valid(reason) {
		return 0, "", newCloseError(CloseInvalidFramePayloadData, ErrInvalidUTF8, "invalid UTF-8 in close reason")
	}

	return code, string(reason), nil
}
