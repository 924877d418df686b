package websocket

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1" // #nosec G505 - SHA-1 required by RFC 6455 Section 1.3
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Magic GUID from RFC 6455 Section 1.3.
// Used for computing Sec-WebSocket-Accept header.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// validateUpgradeRequest checks a client's opening handshake and returns
// its Sec-WebSocket-Key.
//
// Implements RFC 6455 Section 4.2.1: Reading the Client's Opening Handshake.
//
// Steps:
//  1. Verify HTTP method is GET
//  2. Check Upgrade: websocket header
//  3. Check Connection: Upgrade header
//  4. Verify Sec-WebSocket-Version: 13
//  5. Get Sec-WebSocket-Key
//  6. Check origin (if configured)
func validateUpgradeRequest(r *http.Request, checkOrigin func(*http.Request) bool) (string, error) {
	// 1. Verify HTTP method (RFC 6455 Section 4.1)
	if r.Method != http.MethodGet {
		return "", ErrInvalidMethod
	}

	// 2. Check Upgrade header (RFC 6455 Section 4.2.1, item 3)
	if !headerContainsToken(r.Header.Get("Upgrade"), "websocket") {
		return "", ErrMissingUpgrade
	}

	// 3. Check Connection header (RFC 6455 Section 4.2.1, item 4)
	if !headerContainsToken(r.Header.Get("Connection"), "upgrade") {
		return "", ErrMissingConnection
	}

	// 4. Check Sec-WebSocket-Version (RFC 6455 Section 4.2.1, item 6)
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return "", ErrInvalidVersion
	}

	// 5. Get Sec-WebSocket-Key (RFC 6455 Section 4.2.1, item 5)
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return "", ErrMissingSecKey
	}

	// 6. Check origin (application-level security)
	if checkOrigin != nil && !checkOrigin(r) {
		return "", ErrOriginDenied
	}

	return key, nil
}

// writeAcceptResponse writes the 101 Switching Protocols response for key
// and flushes it.
//
// RFC 6455 Section 4.2.2: Sending the Server's Opening Handshake.
func writeAcceptResponse(w *bufio.Writer, key string) error {
	_, _ = w.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	_, _ = w.WriteString("Upgrade: websocket\r\n")
	_, _ = w.WriteString("Connection: Upgrade\r\n")
	_, _ = w.WriteString("Sec-WebSocket-Accept: " + computeAcceptKey(key) + "\r\n")
	_, _ = w.WriteString("\r\n")
	return w.Flush()
}

// computeAcceptKey computes Sec-WebSocket-Accept from client key.
//
// RFC 6455 Section 1.3:
//
//	Sec-WebSocket-Accept = base64(SHA-1(key + GUID))
//
// Where GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11".
//
// Example:
//
//	key := "dGhlIHNhbXBsZSBub25jZQ=="
//	accept := computeAcceptKey(key)
//	// accept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
func computeAcceptKey(key string) string {
	// #nosec G401 - SHA-1 required by RFC 6455 Section 1.3 (not for cryptographic security)
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// newSecKey returns a Sec-WebSocket-Key: base64 of 16 random bytes
// (RFC 6455 Section 4.1, item 7).
func newSecKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate handshake key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// newHandshakeRequest builds the client's opening handshake for u.
//
// RFC 6455 Section 4.1: GET with Host, Upgrade, Connection,
// Sec-WebSocket-Key and Sec-WebSocket-Version: 13. Extra headers are
// added first so the protocol headers always win.
func newHandshakeRequest(u *url.URL, key string, header http.Header) *http.Request {
	target := *u
	switch target.Scheme {
	case "wss":
		target.Scheme = "https"
	default:
		target.Scheme = "http"
	}

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &target,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       u.Host,
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", key)
	req.Header.Set("Sec-WebSocket-Version", "13")

	return req
}

// validateServerResponse checks the server's opening handshake.
//
// RFC 6455 Section 4.1: if the status is not 101, Upgrade is not
// "websocket", Connection is not "upgrade" or Sec-WebSocket-Accept does not
// match the key, the client must fail the WebSocket connection.
func validateServerResponse(resp *http.Response, key string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("%w: status %d", ErrBadHandshake, resp.StatusCode)
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return fmt.Errorf("%w: %w", ErrBadHandshake, ErrMissingUpgrade)
	}
	if !headerContainsToken(resp.Header.Get("Connection"), "upgrade") {
		return fmt.Errorf("%w: %w", ErrBadHandshake, ErrMissingConnection)
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != computeAcceptKey(key) {
		return fmt.Errorf("%w: Sec-WebSocket-Accept mismatch", ErrBadHandshake)
	}
	return nil
}

// headerContainsToken checks if header value contains token (case-insensitive).
//
// RFC 6455 Section 4.2.1: Header tokens are case-insensitive.
//
// Example:
//
//	headerContainsToken("Upgrade, HTTP/2.0", "upgrade") // true
//	headerContainsToken("keep-alive", "upgrade")        // false
func headerContainsToken(header, token string) bool {
	for _, h := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(h), token) {
			return true
		}
	}
	return false
}

// CheckSameOrigin returns true if the Origin header is absent or matches
// the request scheme and host.
//
// Usage:
//
//	srv, err := websocket.NewServer(&websocket.ServerOptions{
//	    CheckOrigin: websocket.CheckSameOrigin,
//	})
func CheckSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No Origin header = non-browser client (e.g., curl, Go client)
		return true
	}

	// Build expected origin from request
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return strings.EqualFold(origin, scheme+"://"+r.Host)
}
