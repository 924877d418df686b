package websocket

import (
	"encoding/binary"
	"fmt"
)

// Payload length limits and encoding thresholds.
const (
	// maxControlPayload is the maximum payload length for control frames.
	// RFC 6455 Section 5.5: Control frames must have payload <= 125 bytes.
	maxControlPayload = 125

	// Payload length encoding thresholds (RFC 6455 Section 5.2).
	payloadLen7Bit  = 125    // 0-125: stored in 7 bits
	payloadLen16Bit = 126    // 126: followed by 16-bit length
	payloadLen64Bit = 127    // 127: followed by 64-bit length
	maxPayload16Bit = 0xFFFF // largest length using the 16-bit form

	// maxHeaderSize is 2 header bytes + 8 extended length bytes + 4 key bytes.
	maxHeaderSize = 14

	finBit  = 0x80
	maskBit = 0x80
	rsvBits = 0x70
)

// Frame represents a WebSocket frame as defined in RFC 6455 Section 5.2.
//
// Frame structure:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-------+-+-------------+-------------------------------+
//	|F|R|R|R| opcode|M| Payload len |    Extended payload length    |
//	|I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
//	|N|V|V|V|       |S|             |   (if payload len==126/127)   |
//	| |1|2|3|       |K|             |                               |
//	+-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
//	|     Extended payload length continued, if payload len == 127  |
//	+ - - - - - - - - - - - - - - - +-------------------------------+
//	|                               |Masking-key, if MASK set to 1  |
//	+-------------------------------+-------------------------------+
//	| Masking-key (continued)       |          Payload Data         |
//	+-------------------------------- - - - - - - - - - - - - - - - +
//	:                     Payload Data continued ...                :
//	+ - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - +
//	|                     Payload Data continued ...                |
//	+---------------------------------------------------------------+
//
// Frames produced by the Decoder hold the payload already unmasked;
// PayloadLength is the length announced on the wire.
type Frame struct {
	// Opcode is this frame's own opcode (OpContinuation for later fragments).
	Opcode Opcode

	// Fin indicates this is the final fragment (FIN bit).
	Fin bool

	// Masked indicates if payload was masked (MASK bit).
	Masked bool

	// MaskKey is the 32-bit masking key, zero when Masked is false.
	MaskKey [4]byte

	// PayloadLength is the payload length read from the header.
	PayloadLength uint64

	// Payload is the unmasked payload data.
	Payload []byte
}

// FrameOptions controls EncodeFrame.
type FrameOptions struct {
	// Opcode of the frame. Zero means OpBinary for EncodeFrame and OpText
	// for EncodeText.
	Opcode Opcode

	// Continuation encodes a later fragment of a message (OpContinuation).
	// Opcode must be left zero.
	Continuation bool

	// More clears the FIN bit, announcing that continuation frames follow.
	More bool

	// Masked masks the payload with a fresh random key.
	// RFC 6455 Section 5.3: clients MUST mask, servers MUST NOT.
	Masked bool
}

// EncodeFrame serializes payload into a single wire-format frame.
//
// RFC 6455 Section 5.2: Base Framing Protocol.
//
// Steps:
//  1. Reject control payloads longer than 125 bytes
//  2. Write FIN + opcode byte
//  3. Write MASK + 7-bit length, then 16-bit or 64-bit extended length
//  4. Write a random masking key and the masked payload, or the raw payload
//
// payload is never modified; the returned buffer is newly allocated.
func EncodeFrame(payload []byte, opts FrameOptions) ([]byte, error) {
	var key [4]byte
	if opts.Masked {
		var err error
		if key, err = newMaskKey(); err != nil {
			return nil, err
		}
	}
	return encodeFrame(payload, opts, key)
}

// EncodeText is EncodeFrame for a text payload. The opcode defaults to
// OpText.
func EncodeText(text string, opts FrameOptions) ([]byte, error) {
	if opts.Opcode == 0 && !opts.Continuation {
		opts.Opcode = OpText
	}
	return EncodeFrame([]byte(text), opts)
}

// resolveOpcode fills in the default opcode.
func (o FrameOptions) resolveOpcode() (FrameOptions, error) {
	switch {
	case o.Continuation && o.Opcode != OpContinuation:
		return o, fmt.Errorf("continuation frame with opcode %s: %w", o.Opcode, ErrInvalidOpcode)
	case o.Continuation:
	case o.Opcode == OpContinuation:
		o.Opcode = OpBinary
	}
	return o, nil
}

// encodeFrame is EncodeFrame with a caller-chosen masking key.
func encodeFrame(payload []byte, opts FrameOptions, key [4]byte) ([]byte, error) {
	opts, err := opts.resolveOpcode()
	if err != nil {
		return nil, err
	}
	if !opts.Opcode.IsValid() {
		return nil, newCloseError(CloseProtocolError, ErrInvalidOpcode, fmt.Sprintf("opcode 0x%X", byte(opts.Opcode)))
	}

	// RFC 6455 Section 5.5: Control frames must have payload <= 125 bytes
	// and must not be fragmented.
	if opts.Opcode.IsControl() {
		if len(payload) > maxControlPayload {
			return nil, newCloseError(CloseProtocolError, ErrControlTooLarge, "Too long control frame data")
		}
		if opts.More {
			return nil, newCloseError(CloseProtocolError, ErrControlFragmented, "fragmented control frame")
		}
	}

	buf := make([]byte, 0, maxHeaderSize+len(payload))
	buf = appendHeader(buf, opts, uint64(len(payload)))

	if !opts.Masked {
		return append(buf, payload...), nil
	}

	buf = append(buf, key[:]...)
	start := len(buf)
	buf = append(buf, payload...)
	applyMask(buf[start:], key, 0)

	return buf, nil
}

// appendHeader appends the FIN/opcode byte and the length field.
//
//	length <= 125:    1 byte  (MASK | length)
//	length <= 0xFFFF: 1 byte  (MASK | 126) + 16-bit big-endian length
//	otherwise:        1 byte  (MASK | 127) + 64-bit big-endian length
func appendHeader(buf []byte, opts FrameOptions, length uint64) []byte {
	b0 := byte(opts.Opcode) & 0x0F
	if !opts.More {
		b0 |= finBit
	}

	var b1 byte
	if opts.Masked {
		b1 = maskBit
	}

	switch {
	case length <= payloadLen7Bit:
		return append(buf, b0, b1|byte(length))
	case length <= maxPayload16Bit:
		buf = append(buf, b0, b1|payloadLen16Bit)
		return binary.BigEndian.AppendUint16(buf, uint16(length))
	default:
		buf = append(buf, b0, b1|payloadLen64Bit)
		return binary.BigEndian.AppendUint64(buf, length)
	}
}
