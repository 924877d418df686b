package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Conn is one WebSocket endpoint (RFC 6455) driven by a Transport.
//
// Conn owns the connection lifecycle:
//
//	CONNECTING -> OPEN -> CLOSING -> CLOSED
//
// and dispatches decoded frames:
//   - Ping: answered with a Pong carrying the same payload, then OnPing
//   - Pong: checked against the outstanding Ping, then OnPong
//   - Close: echoed, the transport is ended, CLOSED follows
//   - Text/Binary: UTF-8 checked (text), then OnMessage
//
// Protocol violations close the connection with the matching close code.
// Events for one connection are delivered sequentially, in wire order, on
// the goroutine that feeds Receive. Send, Ping and Close are safe for
// concurrent use and may be called from handlers.
//
// Example Usage:
//
//	conn.OnMessage(func(e websocket.MessageEvent) {
//	    _ = conn.SendText("echo: " + e.Text())
//	})
//	conn.OnClose(func(e websocket.CloseEvent) {
//	    log.Printf("closed: %d %s", e.Code, e.Reason)
//	})
type Conn struct {
	id   string
	role Role
	cfg  connConfig
	log  *slog.Logger

	dec     *Decoder      // read goroutine only
	limiter *rate.Limiter // nil when rate limiting is off
	done    chan struct{} // closed on CLOSED
	pending atomic.Int64  // bufferedAmount

	mu          sync.Mutex
	state       ReadyState
	transport   Transport
	binaryType  BinaryType
	pingData    []byte // outstanding ping payload, nil when none
	closeCode   CloseCode
	closeReason string
	closeSet    bool // close code/reason recorded by the first closer
	failed      bool // transport error observed: close is not clean
	closeTimer  *time.Timer
	handlers    handlers
}

// NewConn creates a connection in StateConnecting on top of t.
//
// NewConn is for custom transports: the adapter feeds inbound bytes to
// Receive, calls Open once the opening handshake succeeded, and reports
// the end of the byte stream with TransportClosed. Client and Server do
// this for TCP and TLS.
func NewConn(role Role, t Transport, opts *ConnOptions) (*Conn, error) {
	cfg, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	return newConn(role, t, cfg), nil
}

// newConn creates a connection from a normalized configuration.
func newConn(role Role, t Transport, cfg connConfig) *Conn {
	id := uuid.New().String()
	return &Conn{
		id:   id,
		role: role,
		cfg:  cfg,
		log:  cfg.logger.With("conn_id", id, "role", role.String()),
		dec: NewDecoder(DecoderOptions{
			MaxMessageLength: cfg.maxMessageLength,
			Mask:             role.inboundMask(),
		}),
		limiter:    cfg.rateLimit.newLimiter(),
		done:       make(chan struct{}),
		state:      StateConnecting,
		transport:  t,
		binaryType: cfg.binaryType,
	}
}

// ID returns the unique connection identifier (UUID v4).
func (c *Conn) ID() string {
	return c.id
}

// Role returns the side this endpoint plays.
func (c *Conn) Role() Role {
	return c.role
}

// ReadyState returns the current lifecycle state.
func (c *Conn) ReadyState() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BinaryType returns how binary messages are surfaced.
func (c *Conn) BinaryType() BinaryType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binaryType
}

// SetBinaryType changes how binary messages are surfaced.
// Returns ErrInvalidBinaryType for unknown values.
func (c *Conn) SetBinaryType(bt BinaryType) error {
	bt, err := ParseBinaryType(string(bt))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.binaryType = bt
	c.mu.Unlock()
	return nil
}

// BufferedAmount returns the number of payload bytes handed to Send or
// SendText whose frames have not been flushed to the transport yet.
func (c *Conn) BufferedAmount() int {
	return int(c.pending.Load())
}

// Done returns a channel that is closed when the connection reaches
// StateClosed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Event registration. Handlers run in registration order.

// OnOpen registers fn to run when the connection becomes OPEN.
func (c *Conn) OnOpen(fn func()) {
	c.mu.Lock()
	c.handlers.open = append(c.handlers.open, fn)
	c.mu.Unlock()
}

// OnMessage registers fn to receive complete data messages.
func (c *Conn) OnMessage(fn func(MessageEvent)) {
	c.mu.Lock()
	c.handlers.message = append(c.handlers.message, fn)
	c.mu.Unlock()
}

// OnPing registers fn to observe pings from the peer.
func (c *Conn) OnPing(fn func(PingEvent)) {
	c.mu.Lock()
	c.handlers.ping = append(c.handlers.ping, fn)
	c.mu.Unlock()
}

// OnPong registers fn to receive pongs from the peer.
func (c *Conn) OnPong(fn func(PongEvent)) {
	c.mu.Lock()
	c.handlers.pong = append(c.handlers.pong, fn)
	c.mu.Unlock()
}

// OnError registers fn to receive protocol and transport errors.
// Errors are only reported to registered handlers.
func (c *Conn) OnError(fn func(error)) {
	c.mu.Lock()
	c.handlers.error = append(c.handlers.error, fn)
	c.mu.Unlock()
}

// OnClose registers fn to run once, when the connection reaches StateClosed.
func (c *Conn) OnClose(fn func(CloseEvent)) {
	c.mu.Lock()
	c.handlers.close = append(c.handlers.close, fn)
	c.mu.Unlock()
}

// attach sets the transport of a connection created before dialing.
func (c *Conn) attach(t Transport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
}

// Open moves the connection from CONNECTING to OPEN and emits the open
// event. It is called by the transport adapter after a successful opening
// handshake.
func (c *Conn) Open() error {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return fmt.Errorf("open in state %s: %w", c.state, ErrInvalidState)
	}
	c.state = StateOpen
	fns := c.handlers.open
	c.mu.Unlock()

	c.log.Debug("websocket: open")
	for _, fn := range fns {
		c.call("open", fn)
	}
	return nil
}

// Send sends data as a single binary message.
//
// Send is only legal while OPEN. The payload counts towards BufferedAmount
// until its frame has been flushed.
func (c *Conn) Send(data []byte) error {
	if data == nil {
		return ErrNilData
	}
	return c.sendData(OpBinary, data)
}

// SendText sends text as a single text message.
// Returns ErrInvalidUTF8 if text contains invalid UTF-8.
func (c *Conn) SendText(text string) error {
	if !utf8.ValidString(text) {
		return ErrInvalidUTF8
	}
	return c.sendData(OpText, []byte(text))
}

// SendJSON marshals v and sends it as a text message.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("websocket: marshal JSON: %w", err)
	}
	return c.sendData(OpText, data)
}

// sendData encodes and queues a data frame.
func (c *Conn) sendData(op Opcode, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		return fmt.Errorf("send in state %s: %w", c.state, ErrInvalidState)
	}
	return c.writeFrameLocked(op, data, true)
}

// Ping sends a ping and records data as the outstanding ping payload.
//
// RFC 6455 Section 5.5.2: data is at most 125 bytes. The next pong from the
// peer must carry the same bytes.
func (c *Conn) Ping(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		return fmt.Errorf("ping in state %s: %w", c.state, ErrInvalidState)
	}
	if err := c.writeFrameLocked(OpPing, data, false); err != nil {
		return err
	}
	c.pingData = append([]byte{}, data...)
	return nil
}

// Close starts the closing handshake with an empty close frame.
//
// The peer is expected to answer with its own close frame; the close event
// then reports CloseNoStatusReceived. Close is a no-op once the connection
// is CLOSING or CLOSED, and aborts the transport while CONNECTING.
func (c *Conn) Close() error {
	c.close(0, "")
	return nil
}

// CloseWithCode starts the closing handshake with code and reason.
//
// Only CloseNormalClosure and the application range 3000-4999 are allowed
// (see ValidateCloseCode). Reason must be valid UTF-8 of at most 123 bytes.
// Invalid arguments are returned without touching the connection.
//
// Close handshake (RFC 6455 Section 7.1.2):
//  1. Send Close frame, state becomes CLOSING
//  2. Peer responds with Close frame
//  3. Transport is ended, state becomes CLOSED
func (c *Conn) CloseWithCode(code CloseCode, reason string) error {
	if err := ValidateCloseCode(code); err != nil {
		return err
	}
	if err := ValidateCloseReason(reason); err != nil {
		return err
	}
	c.close(code, reason)
	return nil
}

// close sends a close frame with an already validated code.
// A zero code sends an empty body.
func (c *Conn) close(code CloseCode, reason string) {
	c.mu.Lock()

	switch c.state {
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return
	case StateConnecting:
		c.recordCloseLocked(CloseAbnormalClosure, "connection aborted")
		c.state = StateClosing
		detached := c.transport == nil
		c.endLocked()
		c.mu.Unlock()
		if detached {
			c.TransportClosed(nil)
		}
		return
	}
	defer c.mu.Unlock()

	c.state = StateClosing
	recorded := code
	if recorded == 0 {
		recorded = CloseNoStatusReceived
	}
	c.recordCloseLocked(recorded, reason)

	if err := c.writeFrameLocked(OpClose, formatClosePayload(code, reason), false); err != nil {
		c.log.Warn("websocket: send close frame", "error", err)
		c.endLocked()
		return
	}

	// The peer ends the exchange by echoing the close frame. Stop waiting
	// for it after closeTimeout.
	c.closeTimer = time.AfterFunc(c.cfg.closeTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == StateClosing {
			c.log.Debug("websocket: close reply timed out")
			c.endLocked()
		}
	})
	c.log.Debug("websocket: closing", "code", int(recorded), "reason", reason)
}

// Receive feeds inbound bytes from the transport to the decoder.
//
// Receive must be called from a single goroutine. All events except open
// are emitted from within Receive and TransportClosed. p is not retained.
func (c *Conn) Receive(p []byte) {
	if c.dec.Err() != nil {
		return
	}
	if err := c.dec.Feed(p, c.dispatch); err != nil {
		c.fail(err)
	}
}

// TransportClosed moves the connection to CLOSED and emits the close event.
//
// A nil err means the byte stream ended normally. Any other error is
// reported to OnError and makes the close unclean with code
// CloseAbnormalClosure and the error text as reason.
func (c *Conn) TransportClosed(err error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	if c.closeTimer != nil {
		c.closeTimer.Stop()
	}

	switch {
	case err != nil:
		c.failed = true
		c.closeCode, c.closeReason, c.closeSet = CloseAbnormalClosure, err.Error(), true
	case !c.closeSet:
		// Stream ended without any close frame.
		c.recordCloseLocked(CloseAbnormalClosure, "")
	}
	event := CloseEvent{
		WasClean: !c.failed,
		Code:     c.closeCode,
		Reason:   c.closeReason,
	}
	errFns, closeFns := c.handlers.error, c.handlers.close
	close(c.done)
	c.mu.Unlock()

	if err != nil {
		c.log.Error("websocket: transport error", "error", err)
		for _, fn := range errFns {
			c.call("error", func() { fn(err) })
		}
	}

	c.log.Debug("websocket: closed", "code", int(event.Code), "reason", event.Reason, "clean", event.WasClean)
	for _, fn := range closeFns {
		c.call("close", func() { fn(event) })
	}
}

// dispatch handles one decoded message. A returned *CloseError fails the
// connection.
func (c *Conn) dispatch(msg Message) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch {
	case state == StateClosed:
		return nil
	case state == StateClosing && msg.Opcode != OpClose:
		// RFC 6455 Section 1.4: after sending Close, only the peer's Close
		// matters.
		return nil
	}

	switch msg.Opcode {
	case OpPing:
		return c.handlePing(msg.Data)
	case OpPong:
		return c.handlePong(msg.Data)
	case OpClose:
		return c.handleClose(msg.Data)
	case OpText:
		// RFC 6455 Section 8.1: text frames must be valid UTF-8.
		if !utf8.Valid(msg.Data) {
			return newCloseError(CloseInvalidFramePayloadData, ErrInvalidUTF8, "invalid UTF-8 in text message")
		}
		return c.handleData(MessageEvent{Type: TextMessage, Data: msg.Data})
	default:
		return c.handleData(MessageEvent{Type: BinaryMessage, Data: msg.Data})
	}
}

// handlePing answers a ping with a pong carrying the same payload.
func (c *Conn) handlePing(data []byte) error {
	c.mu.Lock()
	err := c.writeFrameLocked(OpPong, data, false)
	fns := c.handlers.ping
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("websocket: send pong", "error", err)
	}
	for _, fn := range fns {
		c.call("ping", func() { fn(PingEvent{Data: data}) })
	}
	return nil
}

// handlePong validates a pong against the outstanding ping.
//
// RFC 6455 Section 5.5.3: a pong answering a ping echoes its payload.
// A pong without an outstanding ping is an unsolicited heartbeat and is
// accepted as is.
func (c *Conn) handlePong(data []byte) error {
	if len(data) > maxControlPayload {
		return newCloseError(CloseProtocolError, ErrControlTooLarge, "Too long pong data")
	}

	c.mu.Lock()
	if c.pingData != nil {
		if !bytes.Equal(data, c.pingData) {
			c.mu.Unlock()
			return newCloseError(CloseProtocolError, ErrPongMismatch, "Invalid pong data")
		}
		c.pingData = nil
	}
	fns := c.handlers.pong
	c.mu.Unlock()

	for _, fn := range fns {
		c.call("pong", func() { fn(PongEvent{Data: data}) })
	}
	return nil
}

// handleClose answers the peer's close frame and ends the transport.
//
// RFC 6455 Section 5.5.1: the reply echoes the received status code.
func (c *Conn) handleClose(payload []byte) error {
	code, reason, err := parseClosePayload(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateOpen {
		c.state = StateClosing
		recorded := code
		if recorded == 0 {
			recorded = CloseNoStatusReceived
		}
		c.recordCloseLocked(recorded, reason)
		if werr := c.writeFrameLocked(OpClose, formatClosePayload(code, ""), false); werr != nil {
			c.log.Warn("websocket: echo close frame", "error", werr)
		}
		c.log.Debug("websocket: peer closed", "code", int(recorded), "reason", reason)
	}

	c.endLocked()
	return nil
}

// handleData applies rate limiting and delivers a data message.
func (c *Conn) handleData(event MessageEvent) error {
	if c.limiter != nil && !c.limiter.Allow() {
		return newCloseError(ClosePolicyViolation, ErrRateLimited, "rate limit exceeded")
	}

	c.mu.Lock()
	bt := c.binaryType
	fns := c.handlers.message
	c.mu.Unlock()

	if event.Type == BinaryMessage && bt == BinaryBuffer {
		event.Buffer = bytes.NewBuffer(event.Data)
	}
	for _, fn := range fns {
		c.call("message", func() { fn(event) })
	}
	return nil
}

// fail closes the connection after a protocol violation.
//
// The close frame carries the error's close code, then the transport is
// ended without waiting for the peer's reply.
func (c *Conn) fail(err error) {
	var ce *CloseError
	if !errors.As(err, &ce) {
		ce = newCloseError(CloseInternalServerErr, err, "internal error")
	}

	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return
	case StateOpen:
		c.state = StateClosing
		c.recordCloseLocked(ce.Code, ce.Reason)
		reason := truncateCloseReason(ce.Reason)
		if werr := c.writeFrameLocked(OpClose, formatClosePayload(ce.Code, reason), false); werr != nil {
			c.log.Warn("websocket: send close frame", "error", werr)
		}
	}
	c.endLocked()
	fns := c.handlers.error
	c.mu.Unlock()

	c.log.Warn("websocket: protocol error", "code", int(ce.Code), "error", err)
	for _, fn := range fns {
		c.call("error", func() { fn(err) })
	}
}

// writeFrameLocked encodes one frame and hands it to the transport.
// When account is set the payload is tracked in BufferedAmount until the
// transport reports the flush. c.mu must be held so frames keep call order.
func (c *Conn) writeFrameLocked(op Opcode, payload []byte, account bool) error {
	frame, err := EncodeFrame(payload, FrameOptions{Opcode: op, Masked: c.role.masking()})
	if err != nil {
		return err
	}

	var onFlush func()
	n := int64(len(payload))
	if account {
		c.pending.Add(n)
		onFlush = func() { c.pending.Add(-n) }
	}

	if err := c.transport.Write(frame, onFlush); err != nil {
		if account {
			c.pending.Add(-n)
		}
		return fmt.Errorf("websocket: write %s frame: %w", op, err)
	}
	return nil
}

// recordCloseLocked keeps the code and reason of whichever side closed first.
func (c *Conn) recordCloseLocked(code CloseCode, reason string) {
	if c.closeSet {
		return
	}
	c.closeCode, c.closeReason, c.closeSet = code, reason, true
}

// endLocked asks the transport to shut down. The transport later reports
// the shutdown through TransportClosed.
func (c *Conn) endLocked() {
	if c.transport == nil {
		return
	}
	if err := c.transport.End(); err != nil {
		c.log.Debug("websocket: end transport", "error", err)
	}
}

// call runs an application handler, logging a panic instead of letting it
// tear down the read goroutine.
func (c *Conn) call(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("websocket: handler panic", "event", event, "panic", r)
		}
	}()
	fn()
}
