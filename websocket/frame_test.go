package websocket

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// testKey is a fixed masking key for deterministic frames.
var testKey = [4]byte{0x12, 0x34, 0x56, 0x78}

// mustEncode encodes a frame with testKey or fails the test.
func mustEncode(tb testing.TB, payload []byte, opts FrameOptions) []byte {
	tb.Helper()
	frame, err := encodeFrame(payload, opts, testKey)
	if err != nil {
		tb.Fatalf("encodeFrame failed: %v", err)
	}
	return frame
}

// TestEncodeFrame_Text tests encoding an unmasked text frame.
// RFC 6455 Section 5.7: single-frame unmasked text message "Hello".
func TestEncodeFrame_Text(t *testing.T) {
	frame, err := EncodeFrame([]byte("Hello"), FrameOptions{Opcode: OpText})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	want := []byte{0x81, 0x05, 'H', 'e', 'l', 'l', 'o'}
	if !bytes.Equal(frame, want) {
		t.Errorf("EncodeFrame = % X, want % X", frame, want)
	}
}

// TestEncodeFrame_Masked tests encoding a masked frame.
// RFC 6455 Section 5.7: single-frame masked text message "Hello".
func TestEncodeFrame_Masked(t *testing.T) {
	key := [4]byte{0x37, 0xfa, 0x21, 0x3d}
	payload := []byte("Hello")

	frame, err := encodeFrame(payload, FrameOptions{Opcode: OpText, Masked: true}, key)
	if err != nil {
		t.Fatalf("encodeFrame failed: %v", err)
	}

	want := []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58}
	if !bytes.Equal(frame, want) {
		t.Errorf("encodeFrame = % X, want % X", frame, want)
	}

	// Input must not be masked in place.
	if string(payload) != "Hello" {
		t.Errorf("payload mutated: %q", payload)
	}
}

// TestEncodeFrame_FreshKeys tests that every masked frame draws a new key.
// RFC 6455 Section 5.3: masking keys must not be predictable.
func TestEncodeFrame_FreshKeys(t *testing.T) {
	seen := make(map[[4]byte]bool)
	for i := 0; i < 8; i++ {
		frame, err := EncodeFrame([]byte("x"), FrameOptions{Opcode: OpBinary, Masked: true})
		if err != nil {
			t.Fatalf("EncodeFrame failed: %v", err)
		}
		var key [4]byte
		copy(key[:], frame[2:6])
		seen[key] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected distinct masking keys, got %d unique of 8", len(seen))
	}
}

// TestEncodeFrame_LengthEncoding tests the 7-bit, 16-bit and 64-bit length forms.
// RFC 6455 Section 5.2: Payload length.
func TestEncodeFrame_LengthEncoding(t *testing.T) {
	tests := []struct {
		name      string
		length    int
		lenByte   byte
		headerLen int
	}{
		{"empty", 0, 0, 2},
		{"one byte", 1, 1, 2},
		{"max 7-bit", 125, 125, 2},
		{"min 16-bit", 126, 126, 4},
		{"max 16-bit", 65535, 126, 4},
		{"min 64-bit", 65536, 127, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{'a'}, tt.length)

			for _, masked := range []bool{false, true} {
				frame := mustEncode(t, payload, FrameOptions{Opcode: OpBinary, Masked: masked})

				headerLen := tt.headerLen
				lenByte := tt.lenByte
				if masked {
					headerLen += 4
					lenByte |= 0x80
				}

				if frame[0] != 0x82 {
					t.Errorf("masked=%v: first byte = 0x%02X, want 0x82", masked, frame[0])
				}
				if frame[1] != lenByte {
					t.Errorf("masked=%v: length byte = 0x%02X, want 0x%02X", masked, frame[1], lenByte)
				}
				if len(frame) != headerLen+tt.length {
					t.Errorf("masked=%v: frame length = %d, want %d", masked, len(frame), headerLen+tt.length)
				}

				switch tt.lenByte {
				case 126:
					if got := binary.BigEndian.Uint16(frame[2:4]); int(got) != tt.length {
						t.Errorf("16-bit length = %d, want %d", got, tt.length)
					}
				case 127:
					if got := binary.BigEndian.Uint64(frame[2:10]); int(got) != tt.length {
						t.Errorf("64-bit length = %d, want %d", got, tt.length)
					}
				}
			}
		})
	}
}

// TestEncodeFrame_More tests that More clears the FIN bit.
// RFC 6455 Section 5.4: Fragmentation.
func TestEncodeFrame_More(t *testing.T) {
	frame := mustEncode(t, []byte("Hel"), FrameOptions{Opcode: OpText, More: true})
	if frame[0] != 0x01 {
		t.Errorf("first byte = 0x%02X, want 0x01", frame[0])
	}

	frame = mustEncode(t, []byte("lo"), FrameOptions{Continuation: true})
	if frame[0] != 0x80 {
		t.Errorf("first byte = 0x%02X, want 0x80", frame[0])
	}
}

// TestEncodeFrame_DefaultOpcode tests the opcode used when none is given.
func TestEncodeFrame_DefaultOpcode(t *testing.T) {
	frame := mustEncode(t, []byte("hi"), FrameOptions{})
	if !bytes.Equal(frame, []byte{0x82, 0x02, 'h', 'i'}) {
		t.Errorf("EncodeFrame = % X, want 82 02 68 69", frame)
	}

	text, err := EncodeText("hi", FrameOptions{})
	if err != nil {
		t.Fatalf("EncodeText failed: %v", err)
	}
	if !bytes.Equal(text, []byte{0x81, 0x02, 'h', 'i'}) {
		t.Errorf("EncodeText = % X, want 81 02 68 69", text)
	}

	var got []Message
	d := NewDecoder(DecoderOptions{})
	if err := d.Feed(concat(frame, text), collect(&got)); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(got) != 2 || got[0].Opcode != OpBinary || got[1].Opcode != OpText {
		t.Errorf("decoded %+v, want binary then text", got)
	}

	if _, err := EncodeFrame(nil, FrameOptions{Opcode: OpText, Continuation: true}); !errors.Is(err, ErrInvalidOpcode) {
		t.Errorf("continuation with opcode: expected ErrInvalidOpcode, got %v", err)
	}
}

// TestEncodeFrame_ControlFrames tests control frame limits.
// RFC 6455 Section 5.5: Control frames have payload <= 125 bytes and are
// not fragmented.
func TestEncodeFrame_ControlFrames(t *testing.T) {
	for _, op := range []Opcode{OpClose, OpPing, OpPong} {
		t.Run(op.String(), func(t *testing.T) {
			if _, err := EncodeFrame(make([]byte, 125), FrameOptions{Opcode: op}); err != nil {
				t.Errorf("125-byte payload rejected: %v", err)
			}

			_, err := EncodeFrame(make([]byte, 126), FrameOptions{Opcode: op})
			if !errors.Is(err, ErrControlTooLarge) {
				t.Errorf("126-byte payload: expected ErrControlTooLarge, got %v", err)
			}
			if !IsCloseError(err, CloseProtocolError) {
				t.Errorf("126-byte payload: expected close code 1002, got %v", err)
			}

			_, err = EncodeFrame(nil, FrameOptions{Opcode: op, More: true})
			if !errors.Is(err, ErrControlFragmented) {
				t.Errorf("fragmented: expected ErrControlFragmented, got %v", err)
			}
		})
	}
}

// TestEncodeFrame_InvalidOpcode tests rejection of reserved opcodes.
func TestEncodeFrame_InvalidOpcode(t *testing.T) {
	for _, op := range []Opcode{0x3, 0x7, 0xB, 0xF} {
		if _, err := EncodeFrame(nil, FrameOptions{Opcode: op}); !errors.Is(err, ErrInvalidOpcode) {
			t.Errorf("opcode 0x%X: expected ErrInvalidOpcode, got %v", byte(op), err)
		}
	}
}

// TestRoundTrip tests decode(encode(p)) == p at the length boundaries.
func TestRoundTrip(t *testing.T) {
	lengths := []int{0, 1, 125, 126, 65535, 65536, 200000}

	for _, n := range lengths {
		for _, masked := range []bool{false, true} {
			payload := make([]byte, n)
			for i := range payload {
				payload[i] = byte(i * 7)
			}

			frame, err := EncodeFrame(payload, FrameOptions{Opcode: OpBinary, Masked: masked})
			if err != nil {
				t.Fatalf("n=%d masked=%v: EncodeFrame failed: %v", n, masked, err)
			}

			var got []Message
			d := NewDecoder(DecoderOptions{})
			if err := d.Feed(frame, collect(&got)); err != nil {
				t.Fatalf("n=%d masked=%v: Feed failed: %v", n, masked, err)
			}

			if len(got) != 1 {
				t.Fatalf("n=%d masked=%v: got %d messages, want 1", n, masked, len(got))
			}
			if got[0].Opcode != OpBinary {
				t.Errorf("n=%d masked=%v: opcode = %v, want Binary", n, masked, got[0].Opcode)
			}
			if !bytes.Equal(got[0].Data, payload) {
				t.Errorf("n=%d masked=%v: payload mismatch", n, masked)
			}
		}
	}
}

// TestApplyMask tests the masking primitive.
// RFC 6455 Section 5.3: masking twice with the same key is the identity.
func TestApplyMask(t *testing.T) {
	original := []byte("The quick brown fox jumps over the lazy dog")

	data := append([]byte{}, original...)
	applyMask(data, testKey, 0)
	if bytes.Equal(data, original) {
		t.Fatal("applyMask did not change data")
	}
	applyMask(data, testKey, 0)
	if !bytes.Equal(data, original) {
		t.Errorf("double mask = %q, want %q", data, original)
	}

	// Masking in pieces with offsets matches masking in one go.
	whole := append([]byte{}, original...)
	applyMask(whole, testKey, 0)
	for split := 0; split <= len(original); split++ {
		parts := append([]byte{}, original...)
		applyMask(parts[:split], testKey, 0)
		applyMask(parts[split:], testKey, uint64(split))
		if !bytes.Equal(parts, whole) {
			t.Fatalf("split at %d: mismatch", split)
		}
	}
}

// TestApplyMask_EmptyData tests masking empty data.
func TestApplyMask_EmptyData(t *testing.T) {
	var data []byte
	applyMask(data, testKey, 0) // Must not panic
}

// TestOpcodeClassification tests IsControl, IsData and IsValid.
// RFC 6455 Section 5.2: 0x0-0x2 data, 0x8-0xA control, the rest reserved.
func TestOpcodeClassification(t *testing.T) {
	tests := []struct {
		op      Opcode
		control bool
		data    bool
		valid   bool
	}{
		{OpContinuation, false, true, true},
		{OpText, false, true, true},
		{OpBinary, false, true, true},
		{0x3, false, false, false},
		{0x7, false, false, false},
		{OpClose, true, false, true},
		{OpPing, true, false, true},
		{OpPong, true, false, true},
		{0xB, true, false, false},
		{0xF, true, false, false},
	}

	for _, tt := range tests {
		if got := tt.op.IsControl(); got != tt.control {
			t.Errorf("0x%X.IsControl() = %v, want %v", byte(tt.op), got, tt.control)
		}
		if got := tt.op.IsData(); got != tt.data {
			t.Errorf("0x%X.IsData() = %v, want %v", byte(tt.op), got, tt.data)
		}
		if got := tt.op.IsValid(); got != tt.valid {
			t.Errorf("0x%X.IsValid() = %v, want %v", byte(tt.op), got, tt.valid)
		}
	}
}

// BenchmarkEncodeFrame_Small benchmarks encoding a small masked frame.
func BenchmarkEncodeFrame_Small(b *testing.B) {
	payload := []byte("Hello, WebSocket!")

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = EncodeFrame(payload, FrameOptions{Opcode: OpText, Masked: true})
	}
}

// BenchmarkEncodeFrame_Large benchmarks encoding a 64 KiB unmasked frame.
func BenchmarkEncodeFrame_Large(b *testing.B) {
	payload := make([]byte, 64*1024)

	b.ReportAllocs()
	b.SetBytes(int64(len(payload)))
	for i := 0; i < b.N; i++ {
		_, _ = EncodeFrame(payload, FrameOptions{Opcode: OpBinary})
	}
}
