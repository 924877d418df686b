package websocket

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Client is the client role of a WebSocket connection.
//
// NewClient validates the URL and options and returns a Client in
// StateConnecting; Connect dials, performs the opening handshake and moves
// the embedded Conn to StateOpen. Register handlers before calling Connect.
//
// Example:
//
//	client, err := websocket.NewClient("ws://localhost:8080/ws", nil)
//	if err != nil {
//	    return err
//	}
//	client.OnMessage(func(e websocket.MessageEvent) {
//	    fmt.Println(e.Text())
//	})
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close()
//	_ = client.SendText("hello")
type Client struct {
	*Conn

	url  *url.URL
	raw  string
	opts ClientOptions
}

// NewClient creates a client for a ws:// or wss:// URL.
//
// Returns ErrInvalidURL for other schemes or a missing host, and the
// option validation errors (ErrInvalidMaxMessageLength,
// ErrInvalidBinaryType).
func NewClient(rawURL string, opts *ClientOptions) (*Client, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}

	var o ClientOptions
	if opts != nil {
		o = *opts
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}

	cfg, err := o.connOptions().normalize()
	if err != nil {
		return nil, err
	}

	return &Client{
		Conn: newConn(RoleClient, nil, cfg),
		url:  u,
		raw:  rawURL,
		opts: o,
	}, nil
}

// URL returns the URL passed to NewClient.
func (c *Client) URL() string {
	return c.raw
}

// Connect dials the server and performs the opening handshake.
//
// RFC 6455 Section 4.1: Client Requirements.
//
// Steps:
//  1. Dial TCP (and TLS for wss://)
//  2. Send GET with Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version
//  3. Read the response and validate status 101, Upgrade, Connection and
//     Sec-WebSocket-Accept
//  4. Move to OPEN and start reading frames
//
// Dialing and the handshake are bounded by ctx and HandshakeTimeout. A
// failed handshake moves the connection to StateClosed (close code
// CloseAbnormalClosure, not clean) and returns the error.
func (c *Client) Connect(ctx context.Context) error {
	if state := c.ReadyState(); state != StateConnecting {
		return fmt.Errorf("connect in state %s: %w", state, ErrInvalidState)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	netConn, br, err := c.handshake(ctx)
	if err != nil {
		c.TransportClosed(err)
		return err
	}

	t := newNetTransport(netConn, br, defaultReadBufferSize, c.cfg.closeTimeout, c.log)
	t.halfClose = true
	c.attach(t)
	t.start()

	if err := c.Open(); err != nil {
		// Closed while the handshake was in flight.
		t.closeConn()
		c.TransportClosed(nil)
		return err
	}

	go t.readLoop(c.Conn)
	return nil
}

// handshake dials and upgrades the connection. The returned reader holds
// any frame bytes the server sent right after its response.
func (c *Client) handshake(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", hostPort(c.url))
	if err != nil {
		return nil, nil, fmt.Errorf("websocket: dial %s: %w", c.url.Host, err)
	}

	// Unblock reads and writes when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = netConn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if c.url.Scheme == "wss" {
		tlsConn := tls.Client(netConn, c.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = netConn.Close()
			return nil, nil, fmt.Errorf("websocket: TLS handshake: %w", err)
		}
		netConn = tlsConn
	}

	key, err := newSecKey()
	if err != nil {
		_ = netConn.Close()
		return nil, nil, err
	}

	req := newHandshakeRequest(c.url, key, c.opts.Header)
	if err := req.Write(netConn); err != nil {
		_ = netConn.Close()
		return nil, nil, fmt.Errorf("websocket: write handshake: %w", err)
	}

	br := bufio.NewReaderSize(netConn, defaultReadBufferSize)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = netConn.Close()
		return nil, nil, fmt.Errorf("websocket: read handshake: %w", err)
	}
	if err := validateServerResponse(resp, key); err != nil {
		_ = netConn.Close()
		return nil, nil, err
	}

	if !stop() {
		// ctx ended while validating; the deadline is already set.
		_ = netConn.Close()
		return nil, nil, fmt.Errorf("websocket: handshake: %w", ctx.Err())
	}
	_ = netConn.SetDeadline(time.Time{})

	return netConn, br, nil
}

// tlsConfig returns the TLS configuration for wss:// connections.
func (c *Client) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if c.opts.TLSConfig != nil {
		cfg = c.opts.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.url.Hostname()
	}
	if c.opts.InsecureSkipVerify {
		cfg.InsecureSkipVerify = true // #nosec G402 - opt-in for self-signed certificates
	}
	return cfg
}

// parseURL validates a ws:// or wss:// URL with a host.
func parseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: invalid protocol %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: undefined hostname", ErrInvalidURL)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

// hostPort returns host:port for u, using the scheme's default port.
func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "wss" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
