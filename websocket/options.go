package websocket

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Default timings and buffer sizes for WebSocket connections.
const (
	defaultReadBufferSize   = 4096
	defaultHandshakeTimeout = 10 * time.Second
	defaultCloseTimeout     = 5 * time.Second
)

// BinaryType selects how binary messages are surfaced in MessageEvent.
type BinaryType string

const (
	// BinaryBytes delivers binary payloads in MessageEvent.Data ("buffer").
	BinaryBytes BinaryType = "buffer"

	// BinaryBuffer additionally wraps the payload in MessageEvent.Buffer,
	// a standalone *bytes.Buffer ("arraybuffer").
	BinaryBuffer BinaryType = "arraybuffer"
)

// ParseBinaryType validates a binary type name.
func ParseBinaryType(name string) (BinaryType, error) {
	switch bt := BinaryType(name); bt {
	case BinaryBytes, BinaryBuffer:
		return bt, nil
	default:
		return "", ErrInvalidBinaryType
	}
}

// RateLimitConfig defines inbound rate limiting for a connection.
//
// A peer that sends data messages faster than allowed is closed with
// ClosePolicyViolation.
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a peer can send per second.
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity).
	Burst int
	// Enabled determines if rate limiting is active.
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration.
// Allows 100 messages per second with burst of 200.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled.
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// newLimiter returns a limiter for cfg or nil when limiting is off.
func (cfg *RateLimitConfig) newLimiter() *rate.Limiter {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return rate.NewLimiter(cfg.MessagesPerSecond, cfg.Burst)
}

// ClientOptions configures NewClient.
//
// All fields are optional. Zero values use sensible defaults.
type ClientOptions struct {
	// MaxMessageLength bounds inbound messages (default: 20 MiB).
	// Negative values are rejected.
	MaxMessageLength int

	// BinaryType selects the binary message representation (default: BinaryBytes).
	BinaryType BinaryType

	// Header holds extra request headers sent with the opening handshake.
	Header http.Header

	// TLSConfig is used for wss:// URLs. ServerName defaults to the URL host.
	TLSConfig *tls.Config

	// InsecureSkipVerify disables server certificate verification for wss://.
	InsecureSkipVerify bool

	// HandshakeTimeout bounds dialing plus the opening handshake (default: 10s).
	HandshakeTimeout time.Duration

	// CloseTimeout bounds how long the transport waits for the peer to shut
	// down after the local side ended it (default: 5s).
	CloseTimeout time.Duration

	// RateLimit limits inbound messages. nil disables limiting.
	RateLimit *RateLimitConfig

	// Logger receives connection diagnostics (default: discarded).
	Logger *slog.Logger
}

// ServerOptions configures NewServer.
//
// All fields are optional. Zero values use sensible defaults.
type ServerOptions struct {
	// Addr is the TCP address for ListenAndServe (default: ":http" or ":https").
	Addr string

	// MaxMessageLength bounds inbound messages (default: 20 MiB).
	// Negative values are rejected.
	MaxMessageLength int

	// BinaryType selects the binary message representation for accepted
	// connections (default: BinaryBytes).
	BinaryType BinaryType

	// CertFile and KeyFile enable TLS in ListenAndServe.
	CertFile string
	KeyFile  string

	// TLSConfig enables TLS in ListenAndServe when set.
	TLSConfig *tls.Config

	// CheckOrigin verifies the Origin header.
	// nil = allow all origins.
	// Return false to reject the connection.
	CheckOrigin func(*http.Request) bool

	// ReadBufferSize sets size of the transport read buffer (default: 4096).
	ReadBufferSize int

	// CloseTimeout bounds how long the transport waits for the peer to shut
	// down after the local side ended it (default: 5s).
	CloseTimeout time.Duration

	// RateLimit limits inbound messages per connection. nil disables limiting.
	RateLimit *RateLimitConfig

	// Logger receives server and connection diagnostics (default: discarded).
	Logger *slog.Logger
}

// ConnOptions configures NewConn for connections driven by a custom Transport.
type ConnOptions struct {
	// MaxMessageLength bounds inbound messages (default: 20 MiB).
	// Negative values are rejected.
	MaxMessageLength int

	// BinaryType selects the binary message representation (default: BinaryBytes).
	BinaryType BinaryType

	// CloseTimeout bounds the wait for the peer's close reply before the
	// transport is ended anyway (default: 5s).
	CloseTimeout time.Duration

	// RateLimit limits inbound messages. nil disables limiting.
	RateLimit *RateLimitConfig

	// Logger receives connection diagnostics (default: discarded).
	Logger *slog.Logger
}

// connOptions extracts the per-connection part of the client options.
func (o *ClientOptions) connOptions() *ConnOptions {
	return &ConnOptions{
		MaxMessageLength: o.MaxMessageLength,
		BinaryType:       o.BinaryType,
		CloseTimeout:     o.CloseTimeout,
		RateLimit:        o.RateLimit,
		Logger:           o.Logger,
	}
}

// connOptions extracts the per-connection part of the server options.
func (o *ServerOptions) connOptions() *ConnOptions {
	return &ConnOptions{
		MaxMessageLength: o.MaxMessageLength,
		BinaryType:       o.BinaryType,
		CloseTimeout:     o.CloseTimeout,
		RateLimit:        o.RateLimit,
		Logger:           o.Logger,
	}
}

// connConfig is the normalized per-connection configuration.
type connConfig struct {
	maxMessageLength uint64
	binaryType       BinaryType
	closeTimeout     time.Duration
	rateLimit        *RateLimitConfig
	logger           *slog.Logger
}

// normalize applies defaults and validates the option fields.
// A nil receiver yields the defaults.
func (o *ConnOptions) normalize() (connConfig, error) {
	cfg := connConfig{
		maxMessageLength: DefaultMaxMessageLength,
		binaryType:       BinaryBytes,
		closeTimeout:     defaultCloseTimeout,
	}
	if o == nil {
		o = &ConnOptions{}
	}

	switch {
	case o.MaxMessageLength < 0:
		return cfg, ErrInvalidMaxMessageLength
	case o.MaxMessageLength > 0:
		cfg.maxMessageLength = uint64(o.MaxMessageLength)
	}

	if o.BinaryType != "" {
		bt, err := ParseBinaryType(string(o.BinaryType))
		if err != nil {
			return cfg, err
		}
		cfg.binaryType = bt
	}

	if o.CloseTimeout > 0 {
		cfg.closeTimeout = o.CloseTimeout
	}

	cfg.rateLimit = o.RateLimit

	cfg.logger = o.Logger
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	return cfg, nil
}
