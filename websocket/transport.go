package websocket

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// Transport carries encoded frames to the peer.
//
// Write must keep frames in call order and must not block on the network.
// onFlush, if not nil, is called once p has been handed to the network;
// it is never called when Write returns an error. End flushes pending
// writes and then shuts the stream down. The adapter owning the transport
// reports the final shutdown with Conn.TransportClosed.
type Transport interface {
	Write(p []byte, onFlush func()) error
	End() error
}

// pendingWrite is one encoded frame waiting for the writer goroutine.
type pendingWrite struct {
	p       []byte
	onFlush func()
}

// netTransport adapts a net.Conn (TCP or TLS) to Transport.
//
// Writes are queued in a FIFO and drained by a single writer goroutine, so
// Write never blocks the caller. A read loop feeds inbound bytes to the Conn.
type netTransport struct {
	conn         net.Conn
	br           *bufio.Reader // may hold bytes read past the handshake
	closeTimeout time.Duration
	halfClose    bool // client side: wait for the server to close TCP first
	log          *slog.Logger

	mu      sync.Mutex
	pending *queue.Queue
	ended   bool  // End called: drain, then shut down
	closed  bool  // net.Conn closed
	werr    error // first write error
	timer   *time.Timer

	wake       chan struct{}
	writerDone chan struct{}
}

// newNetTransport wraps conn. br, if not nil, must read from conn and is
// used for everything read after the handshake.
func newNetTransport(conn net.Conn, br *bufio.Reader, readBufferSize int, closeTimeout time.Duration, log *slog.Logger) *netTransport {
	if readBufferSize <= 0 {
		readBufferSize = defaultReadBufferSize
	}
	if br == nil {
		br = bufio.NewReaderSize(conn, readBufferSize)
	}
	if closeTimeout <= 0 {
		closeTimeout = defaultCloseTimeout
	}
	return &netTransport{
		conn:         conn,
		br:           br,
		closeTimeout: closeTimeout,
		log:          log,
		pending:      queue.New(),
		wake:         make(chan struct{}, 1),
		writerDone:   make(chan struct{}),
	}
}

// Write queues p for the writer goroutine.
func (t *netTransport) Write(p []byte, onFlush func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.werr != nil:
		return t.werr
	case t.ended, t.closed:
		return ErrClosed
	}

	t.pending.Add(pendingWrite{p: p, onFlush: onFlush})
	t.signal()
	return nil
}

// End flushes queued frames, then shuts the connection down.
//
// RFC 6455 Section 7.1.1: the server closes the TCP connection first. A
// client half-closes and waits for the server, at most closeTimeout.
func (t *netTransport) End() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ended || t.closed {
		return nil
	}
	t.ended = true
	t.signal()
	return nil
}

// signal wakes the writer goroutine. t.mu must be held.
func (t *netTransport) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// start launches the writer goroutine.
func (t *netTransport) start() {
	go t.writeLoop()
}

// writeLoop writes queued frames in FIFO order.
func (t *netTransport) writeLoop() {
	defer close(t.writerDone)

	for {
		t.mu.Lock()
		for t.pending.Length() == 0 && !t.ended && !t.closed {
			t.mu.Unlock()
			<-t.wake
			t.mu.Lock()
		}
		if t.closed {
			t.mu.Unlock()
			return
		}
		if t.pending.Length() == 0 {
			// Ended and drained.
			t.mu.Unlock()
			if t.halfClose {
				t.shutdownWrite()
			} else {
				t.closeConn()
			}
			return
		}
		w, _ := t.pending.Remove().(pendingWrite)
		t.mu.Unlock()

		if _, err := t.conn.Write(w.p); err != nil {
			t.mu.Lock()
			if t.werr == nil && !t.closed {
				t.werr = err
			}
			t.mu.Unlock()
			t.closeConn()
			return
		}
		if w.onFlush != nil {
			w.onFlush()
		}
	}
}

// shutdownWrite half-closes the connection after the last frame and arms
// the close timeout. Connections without half-close support are closed.
func (t *netTransport) shutdownWrite() {
	cw, ok := t.conn.(interface{ CloseWrite() error })
	if !ok {
		t.closeConn()
		return
	}
	if err := cw.CloseWrite(); err != nil {
		t.log.Debug("websocket: half-close", "error", err)
		t.closeConn()
		return
	}

	t.mu.Lock()
	if !t.closed {
		t.timer = time.AfterFunc(t.closeTimeout, t.closeConn)
	}
	t.mu.Unlock()
}

// closeConn closes the net.Conn once.
func (t *netTransport) closeConn() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.signal()
	t.mu.Unlock()

	_ = t.conn.Close() // Best effort close
}

// readLoop feeds inbound bytes to c until the stream ends, then reports
// the shutdown. It blocks until the connection is closed.
func (t *netTransport) readLoop(c *Conn) {
	buf := make([]byte, t.br.Size())
	var rerr error
	for {
		n, err := t.br.Read(buf)
		if n > 0 {
			c.Receive(buf[:n])
		}
		if err != nil {
			rerr = err
			break
		}
	}

	t.closeConn()
	<-t.writerDone

	c.TransportClosed(t.closeError(rerr))
}

// closeError maps the read error that ended the stream to the error
// reported to the Conn. A peer EOF or a shutdown we started is clean.
func (t *netTransport) closeError(rerr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.werr != nil:
		return t.werr
	case errors.Is(rerr, io.EOF):
		return nil
	case t.ended && (errors.Is(rerr, net.ErrClosed) || errors.Is(rerr, io.ErrClosedPipe)):
		return nil
	default:
		return rerr
	}
}
