package websocket

import (
	"encoding/binary"
	"fmt"
)

// DefaultMaxMessageLength is the message size limit used when none is configured.
const DefaultMaxMessageLength = 20 * 1024 * 1024

// tooBigReason is the close reason sent with CloseMessageTooBig.
const tooBigReason = "Message is too big"

// MaskRule says whether inbound frames must, must not, or may be masked.
type MaskRule int

const (
	// MaskAny accepts masked and unmasked frames.
	MaskAny MaskRule = iota

	// MaskRequired rejects unmasked frames (server reading client frames).
	MaskRequired

	// MaskForbidden rejects masked frames (client reading server frames).
	MaskForbidden
)

// DecoderOptions configures a Decoder.
type DecoderOptions struct {
	// MaxMessageLength bounds the accumulated payload of one message.
	// Zero means DefaultMaxMessageLength.
	MaxMessageLength uint64

	// Mask is the masking rule for inbound frames.
	Mask MaskRule

	// OnFrame, if set, is called for every fully decoded frame before the
	// message it completes is emitted. Payload aliases decoder memory and is
	// only valid during the call.
	OnFrame func(f Frame)
}

// decodeState is the position of the Decoder within the current frame.
type decodeState int

const (
	stateHeader         decodeState = iota // FIN, RSV, opcode byte
	stateLength                            // MASK bit + 7-bit length
	stateExtendedLength                    // 2 or 8 bytes of length
	stateMaskKey                           // 4 bytes of masking key
	statePayload                           // length bytes of payload
)

// Decoder turns an arbitrarily chunked byte stream into frames and messages.
//
// RFC 6455 Section 5.2: Base Framing Protocol.
//
// Per frame:
//  1. Header byte: FIN flag and opcode
//  2. Length byte: MASK flag and 7-bit length (126 = 16-bit, 127 = 64-bit follows)
//  3. Extended length, if any
//  4. Masking key, if MASK is set (also for zero-length payloads)
//  5. Payload bytes, unmasked as they arrive
//
// Feed may stop anywhere inside those steps when the chunk runs out and
// resumes on the next call. A Decoder is not safe for concurrent use.
type Decoder struct {
	maxLen  uint64
	mask    MaskRule
	onFrame func(f Frame)

	state decodeState

	// Current frame.
	fin      bool
	opcode   Opcode
	masked   bool
	key      [4]byte
	ext      [8]byte
	extNeed  int
	have     int
	length   uint64
	received uint64
	start    int // offset of this frame's payload inside its buffer

	// Current data message.
	inMessage bool
	msgOpcode Opcode
	data      []byte

	// Current control frame payload.
	control []byte

	err error
}

// NewDecoder creates a Decoder.
func NewDecoder(opts DecoderOptions) *Decoder {
	maxLen := opts.MaxMessageLength
	if maxLen == 0 {
		maxLen = DefaultMaxMessageLength
	}
	return &Decoder{
		maxLen:  maxLen,
		mask:    opts.Mask,
		onFrame: opts.OnFrame,
	}
}

// Err returns the fatal error that stopped the decoder, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Reset discards all partial frame and message state and clears a previous
// fatal error.
func (d *Decoder) Reset() {
	d.resetMessage()
	d.resetFrame()
	d.err = nil
}

// Feed consumes p and calls onMessage for every message completed by it,
// in wire order.
//
// A protocol violation is returned as *CloseError and is sticky: the decoder
// drops its partial state and every later Feed returns the same error until
// Reset. An error returned by onMessage stops decoding the same way.
// Feed never retains p.
//
//nolint:gocyclo,cyclop // one case per header field
func (d *Decoder) Feed(p []byte, onMessage func(Message) error) error {
	if d.err != nil {
		return d.err
	}

	for {
		// A frame is complete once all payload bytes are in, which for an
		// empty payload is right after the header.
		if d.state == statePayload && d.received == d.length {
			if err := d.finishFrame(onMessage); err != nil {
				return d.fail(err)
			}
			continue
		}

		if len(p) == 0 {
			return nil
		}

		switch d.state {
		case stateHeader:
			if err := d.readHeader(p[0]); err != nil {
				return d.fail(err)
			}
			p = p[1:]

		case stateLength:
			if err := d.readLength(p[0]); err != nil {
				return d.fail(err)
			}
			p = p[1:]

		case stateExtendedLength:
			n := copy(d.ext[d.have:d.extNeed], p)
			d.have += n
			p = p[n:]
			if d.have == d.extNeed {
				var length uint64
				if d.extNeed == 2 {
					length = uint64(binary.BigEndian.Uint16(d.ext[:2]))
				} else {
					length = binary.BigEndian.Uint64(d.ext[:8])
				}
				if err := d.setLength(length); err != nil {
					return d.fail(err)
				}
			}

		case stateMaskKey:
			n := copy(d.key[d.have:], p)
			d.have += n
			p = p[n:]
			if d.have == len(d.key) {
				d.beginPayload()
			}

		case statePayload:
			n := uint64(len(p))
			if remaining := d.length - d.received; n > remaining {
				n = remaining
			}
			chunk := p[:n]
			p = p[n:]

			buf := d.target()
			off := len(*buf)
			*buf = append(*buf, chunk...)
			if d.masked {
				applyMask((*buf)[off:], d.key, d.received)
			}
			d.received += n
		}
	}
}

// readHeader parses the FIN/RSV/opcode byte.
func (d *Decoder) readHeader(b byte) error {
	d.fin = b&finBit != 0
	d.opcode = Opcode(b & 0x0F)

	// RFC 6455 Section 5.2: RSV bits reserved for extensions.
	if b&rsvBits != 0 {
		return newCloseError(CloseProtocolError, ErrReservedBits, "reserved bits set")
	}
	if !d.opcode.IsValid() {
		return newCloseError(CloseProtocolError, ErrInvalidOpcode, fmt.Sprintf("opcode 0x%X", byte(d.opcode)))
	}

	if d.opcode.IsControl() {
		// RFC 6455 Section 5.5: Control frames must NOT be fragmented,
		// but MAY be injected in the middle of a fragmented message.
		if !d.fin {
			return newCloseError(CloseProtocolError, ErrControlFragmented, "fragmented control frame")
		}
	} else {
		switch {
		case d.opcode == OpContinuation && !d.inMessage:
			return newCloseError(CloseProtocolError, ErrUnexpectedContinuation, "continuation frame without a message")
		case d.opcode != OpContinuation && d.inMessage:
			return newCloseError(CloseProtocolError, ErrExpectedContinuation, "data frame inside a fragmented message")
		case d.opcode != OpContinuation:
			// First frame of a run decides the message opcode.
			d.inMessage = true
			d.msgOpcode = d.opcode
		}
	}

	d.state = stateLength
	return nil
}

// readLength parses the MASK bit and the 7-bit length.
func (d *Decoder) readLength(b byte) error {
	d.masked = b&maskBit != 0

	// RFC 6455 Section 5.3: Client-to-server frames MUST be masked,
	// server-to-client frames MUST NOT.
	switch {
	case d.mask == MaskRequired && !d.masked:
		return newCloseError(CloseProtocolError, ErrMaskRequired, "unmasked client frame")
	case d.mask == MaskForbidden && d.masked:
		return newCloseError(CloseProtocolError, ErrMaskUnexpected, "masked server frame")
	}

	switch length := uint64(b & 0x7F); length {
	case payloadLen16Bit:
		d.extNeed, d.have = 2, 0
		d.state = stateExtendedLength
	case payloadLen64Bit:
		d.extNeed, d.have = 8, 0
		d.state = stateExtendedLength
	default:
		return d.setLength(length)
	}
	return nil
}

// setLength records the payload length and enforces the size limits before
// any payload byte is buffered.
func (d *Decoder) setLength(length uint64) error {
	// RFC 6455 Section 5.2: Most significant bit of 64-bit length must be 0.
	if length&(1<<63) != 0 {
		return newCloseError(CloseProtocolError, ErrProtocolError, "payload length overflows 63 bits")
	}

	var buffered uint64
	if d.opcode.IsControl() {
		if length > maxControlPayload {
			return newCloseError(CloseProtocolError, ErrControlTooLarge, "Too long control frame data")
		}
	} else {
		buffered = uint64(len(d.data))
	}

	// buffered <= maxLen always holds, so the subtraction cannot wrap.
	if length > d.maxLen-buffered {
		return newCloseError(CloseMessageTooBig, ErrMessageTooLarge, tooBigReason)
	}

	d.length = length
	if d.masked {
		d.have = 0
		d.state = stateMaskKey
		return nil
	}
	d.beginPayload()
	return nil
}

// beginPayload switches to payload reading for the current frame.
func (d *Decoder) beginPayload() {
	d.received = 0
	d.start = len(*d.target())
	d.state = statePayload
}

// target returns the buffer the current frame's payload is appended to.
func (d *Decoder) target() *[]byte {
	if d.opcode.IsControl() {
		return &d.control
	}
	return &d.data
}

// finishFrame reports the frame and emits a message when the frame ends one.
func (d *Decoder) finishFrame(onMessage func(Message) error) error {
	buf := *d.target()

	if d.onFrame != nil {
		d.onFrame(Frame{
			Opcode:        d.opcode,
			Fin:           d.fin,
			Masked:        d.masked,
			MaskKey:       d.key,
			PayloadLength: d.length,
			Payload:       buf[d.start:],
		})
	}

	var (
		msg  Message
		emit bool
	)
	switch {
	case d.opcode.IsControl():
		msg = Message{Opcode: d.opcode, Data: nonNil(d.control)}
		d.control = nil
		emit = true
	case d.fin:
		msg = Message{Opcode: d.msgOpcode, Data: nonNil(d.data)}
		d.resetMessage()
		emit = true
	}

	d.resetFrame()

	if emit && onMessage != nil {
		return onMessage(msg)
	}
	return nil
}

// fail records a fatal error and drops all partial state.
func (d *Decoder) fail(err error) error {
	d.resetMessage()
	d.resetFrame()
	d.err = err
	return err
}

func (d *Decoder) resetFrame() {
	d.state = stateHeader
	d.fin, d.masked = false, false
	d.opcode = 0
	d.key = [4]byte{}
	d.extNeed, d.have = 0, 0
	d.length, d.received = 0, 0
	d.start = 0
	d.control = nil
}

func (d *Decoder) resetMessage() {
	d.inMessage = false
	d.msgOpcode = 0
	d.data = nil
}

// nonNil turns a nil payload into an empty one so empty messages compare
// equal to []byte{}.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
