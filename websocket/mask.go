package websocket

import (
	"crypto/rand"
	"fmt"
)

// applyMask applies the WebSocket masking algorithm to data.
//
// RFC 6455 Section 5.3: Client-to-Server Masking.
//
// Algorithm:
//
//	transformed-octet-i = original-octet-i XOR masking-key-octet-j
//	where j = (i + offset) MOD 4
//
// offset is the position of data[0] within the frame payload, which lets the
// decoder unmask a payload that arrives split across several reads.
// Applying the same key and offset twice restores the original bytes.
func applyMask(data []byte, key [4]byte, offset uint64) {
	j := int(offset & 3)
	for i := range data {
		data[i] ^= key[j]
		j = (j + 1) & 3
	}
}

// newMaskKey draws a fresh masking key.
//
// RFC 6455 Section 5.3: the key must be derived from a strong source of
// entropy and must not be predictable, so every frame gets its own key.
func newMaskKey() ([4]byte, error) {
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("generate masking key: %w", err)
	}
	return key, nil
}
