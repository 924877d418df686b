package websocket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server accepts WebSocket connections (server role).
//
// Server is an http.Handler: mount it on any mux, or let ListenAndServe
// run a dedicated http.Server. Every accepted connection is registered in
// the Server's Hub once it is OPEN, then passed to the OnConnection
// handlers.
//
// Example:
//
//	srv, err := websocket.NewServer(&websocket.ServerOptions{Addr: ":8080"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.OnConnection(func(conn *websocket.Conn) {
//	    conn.OnMessage(func(e websocket.MessageEvent) {
//	        _ = conn.SendText(e.Text())
//	    })
//	})
//	log.Fatal(srv.ListenAndServe())
type Server struct {
	opts ServerOptions
	cfg  connConfig
	log  *slog.Logger
	hub  *Hub

	mu           sync.Mutex
	onConnection []func(*Conn)
	httpServer   *http.Server
	shuttingDown bool

	active sync.WaitGroup // hijacked connections
}

// NewServer validates opts and returns a Server. The Server's Hub is
// started immediately.
func NewServer(opts *ServerOptions) (*Server, error) {
	var o ServerOptions
	if opts != nil {
		o = *opts
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = defaultReadBufferSize
	}

	cfg, err := o.connOptions().normalize()
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts: o,
		cfg:  cfg,
		log:  cfg.logger,
		hub:  NewHub(cfg.logger),
	}
	go s.hub.Run()

	return s, nil
}

// OnConnection registers fn to receive every connection once it is OPEN.
// fn runs before the first frame is read, so handlers it registers see
// every message.
func (s *Server) OnConnection(fn func(*Conn)) {
	s.mu.Lock()
	s.onConnection = append(s.onConnection, fn)
	s.mu.Unlock()
}

// Hub returns the registry of open connections.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ServeHTTP upgrades the request to a WebSocket connection and serves it
// until the connection is closed.
//
// RFC 6455 Section 4.2: invalid handshakes are answered with 400 Bad
// Request (403 for a denied origin, 405 for a non-GET method) and no
// connection is created.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		http.Error(w, "websocket: server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.active.Add(1)
	s.mu.Unlock()
	defer s.active.Done()

	key, err := validateUpgradeRequest(r, s.opts.CheckOrigin)
	if err != nil {
		s.log.Debug("websocket: reject upgrade", "remote", r.RemoteAddr, "error", err)
		w.Header().Set("Sec-WebSocket-Version", "13")
		http.Error(w, err.Error(), rejectStatus(err))
		return
	}

	// Hijack connection (take over TCP socket)
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, ErrHijackFailed.Error(), http.StatusInternalServerError)
		return
	}
	netConn, rw, err := hijacker.Hijack()
	if err != nil {
		s.log.Error("websocket: hijack", "error", err)
		return
	}
	_ = netConn.SetDeadline(time.Time{})

	if err := writeAcceptResponse(rw.Writer, key); err != nil {
		s.log.Debug("websocket: write handshake", "remote", r.RemoteAddr, "error", err)
		_ = netConn.Close()
		return
	}

	s.serveConn(netConn, bufio.NewReaderSize(rw.Reader, s.opts.ReadBufferSize))
}

// serveConn runs an upgraded connection until it is closed.
func (s *Server) serveConn(netConn net.Conn, br *bufio.Reader) {
	c := newConn(RoleServer, nil, s.cfg)
	t := newNetTransport(netConn, br, s.opts.ReadBufferSize, s.cfg.closeTimeout, c.log)
	c.attach(t)

	s.mu.Lock()
	fns := s.onConnection
	s.mu.Unlock()

	c.OnOpen(func() {
		if !s.hub.Register(c) {
			c.close(CloseGoingAway, hubClosingReason)
			return
		}
		for _, fn := range fns {
			c.call("connection", func() { fn(c) })
		}
	})
	c.OnClose(func(CloseEvent) {
		s.hub.Unregister(c)
	})

	c.log.Debug("websocket: accepted", "remote", netConn.RemoteAddr().String())

	t.start()
	_ = c.Open()
	t.readLoop(c)
}

// rejectStatus maps a handshake validation error to an HTTP status.
func rejectStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidMethod):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrOriginDenied):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// ListenAndServe listens on Addr and serves WebSocket upgrades on every
// path. TLS is used when CertFile and KeyFile or TLSConfig are set.
func (s *Server) ListenAndServe() error {
	tlsEnabled := s.opts.TLSConfig != nil || (s.opts.CertFile != "" && s.opts.KeyFile != "")

	addr := s.opts.Addr
	if addr == "" {
		addr = ":http"
		if tlsEnabled {
			addr = ":https"
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("websocket: listen %s: %w", addr, err)
	}
	return s.serve(ln, tlsEnabled)
}

// Serve accepts connections on ln and serves WebSocket upgrades on every
// path. TLS is used when CertFile and KeyFile or TLSConfig are set.
func (s *Server) Serve(ln net.Listener) error {
	tlsEnabled := s.opts.TLSConfig != nil || (s.opts.CertFile != "" && s.opts.KeyFile != "")
	return s.serve(ln, tlsEnabled)
}

func (s *Server) serve(ln net.Listener, tlsEnabled bool) error {
	hs := &http.Server{
		Handler:           s,
		TLSConfig:         s.opts.TLSConfig,
		ReadHeaderTimeout: defaultHandshakeTimeout,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.httpServer = hs
	s.mu.Unlock()

	s.log.Info("websocket: listening", "addr", ln.Addr().String(), "tls", tlsEnabled)

	if tlsEnabled {
		return hs.ServeTLS(ln, s.opts.CertFile, s.opts.KeyFile)
	}
	return hs.Serve(ln)
}

// Shutdown stops accepting connections, closes every open connection with
// CloseGoingAway and waits until they are closed or ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	hs := s.httpServer
	s.mu.Unlock()

	var err error
	if hs != nil {
		err = hs.Shutdown(ctx)
	}

	_ = s.hub.Close()

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}
