package websocket

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"
)

// eventually polls cond until it holds or the test times out.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// startHub runs a Hub for the duration of the test.
func startHub(t *testing.T) *Hub {
	t.Helper()

	hub := NewHub(nil)
	go hub.Run()
	t.Cleanup(func() { _ = hub.Close() })
	return hub
}

// TestHub_RegisterUnregister tests basic client registration.
func TestHub_RegisterUnregister(t *testing.T) {
	hub := startHub(t)

	c1, _, _ := newTestConn(t, RoleServer, nil)
	c2, ft2, _ := newTestConn(t, RoleServer, nil)

	hub.Register(c1)
	hub.Register(c2)
	eventually(t, func() bool { return hub.ClientCount() == 2 }, "2 clients")

	if got, ok := hub.Client(c1.ID()); !ok || got != c1 {
		t.Errorf("Client(%q) = %v, %v", c1.ID(), got, ok)
	}

	hub.Unregister(c2)
	eventually(t, func() bool { return hub.ClientCount() == 1 }, "1 client")

	if _, ok := hub.Client(c2.ID()); ok {
		t.Error("unregistered client still present")
	}
	// Unregister closes the connection.
	if got := c2.ReadyState(); got != StateClosing {
		t.Errorf("unregistered state = %v, want CLOSING", got)
	}
	if sent := ft2.sent(t, RoleServer); len(sent) != 1 || sent[0].Opcode != OpClose {
		t.Errorf("unregistered client sent %+v, want a close frame", sent)
	}

	// Second unregister is a no-op.
	hub.Unregister(c2)
	eventually(t, func() bool { return hub.ClientCount() == 1 }, "1 client")
}

// TestHub_Broadcast tests that every client receives broadcasts in order.
func TestHub_Broadcast(t *testing.T) {
	hub := startHub(t)

	const numClients = 5
	transports := make([]*fakeTransport, numClients)
	for i := range transports {
		c, ft, _ := newTestConn(t, RoleServer, nil)
		transports[i] = ft
		hub.Register(c)
	}
	eventually(t, func() bool { return hub.ClientCount() == numClients }, "all clients")

	hub.BroadcastText("hello")
	hub.Broadcast([]byte{0xCA, 0xFE})
	if err := hub.BroadcastJSON(map[string]int{"n": 1}); err != nil {
		t.Fatalf("BroadcastJSON failed: %v", err)
	}

	for i, ft := range transports {
		eventually(t, func() bool { return len(ft.sent(t, RoleServer)) == 3 }, "3 broadcasts")

		sent := ft.sent(t, RoleServer)
		if sent[0].Opcode != OpText || string(sent[0].Data) != "hello" {
			t.Errorf("client %d: first = %v %q", i, sent[0].Opcode, sent[0].Data)
		}
		if sent[1].Opcode != OpBinary || string(sent[1].Data) != "\xCA\xFE" {
			t.Errorf("client %d: second = %v % X", i, sent[1].Opcode, sent[1].Data)
		}
		if string(sent[2].Data) != `{"n":1}` {
			t.Errorf("client %d: third = %q", i, sent[2].Data)
		}
	}
}

// TestHub_BroadcastDropsClosedClients tests that clients that can no longer
// send are removed.
func TestHub_BroadcastDropsClosedClients(t *testing.T) {
	hub := startHub(t)

	live, _, _ := newTestConn(t, RoleServer, nil)
	gone, _, _ := newTestConn(t, RoleServer, nil)
	hub.Register(live)
	hub.Register(gone)
	eventually(t, func() bool { return hub.ClientCount() == 2 }, "2 clients")

	_ = gone.Close()
	hub.BroadcastText("ping")

	eventually(t, func() bool { return hub.ClientCount() == 1 }, "closed client dropped")
	if _, ok := hub.Client(live.ID()); !ok {
		t.Error("live client dropped")
	}
}

// TestHub_Close tests that closing the Hub closes every client with 1001.
func TestHub_Close(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()

	c, ft, _ := newTestConn(t, RoleServer, nil)
	hub.Register(c)
	eventually(t, func() bool { return hub.ClientCount() == 1 }, "1 client")

	if err := hub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := hub.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	sent := ft.sent(t, RoleServer)
	if len(sent) != 1 || sent[0].Opcode != OpClose {
		t.Fatalf("sent = %+v, want one close frame", sent)
	}
	if code := binary.BigEndian.Uint16(sent[0].Data); code != uint16(CloseGoingAway) {
		t.Errorf("close code = %d, want 1001", code)
	}
	if string(sent[0].Data[2:]) != "server shutting down" {
		t.Errorf("close reason = %q", sent[0].Data[2:])
	}
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount after Close = %d, want 0", hub.ClientCount())
	}

	// Operations after Close do not block.
	hub.Register(c)
	hub.Unregister(c)
	hub.BroadcastText("late")
}

// TestHub_RegisterAfterClose tests that a closed Hub refuses new clients.
func TestHub_RegisterAfterClose(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	_ = hub.Close()

	c, ft, _ := newTestConn(t, RoleServer, nil)
	if hub.Register(c) {
		t.Error("Register after Close = true, want false")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", hub.ClientCount())
	}
	if got := c.ReadyState(); got != StateOpen {
		t.Errorf("state = %v, want OPEN", got)
	}
	if n := len(ft.sent(t, RoleServer)); n != 0 {
		t.Errorf("sent %d frames, want 0", n)
	}
}

// TestHub_CloseBeforeRun tests a Hub closed before its event loop starts.
// Every client handed to the loop must still be closed with 1001.
func TestHub_CloseBeforeRun(t *testing.T) {
	for i := 0; i < 50; i++ {
		hub := NewHub(nil)
		c, ft, _ := newTestConn(t, RoleServer, nil)

		closed := make(chan struct{})
		go func() {
			_ = hub.Close()
			close(closed)
		}()
		registered := make(chan bool, 1)
		go func() { registered <- hub.Register(c) }()
		go hub.Run()

		<-closed
		if <-registered {
			eventually(t, func() bool { return c.ReadyState() == StateClosing }, "late client closed")
			sent := ft.sent(t, RoleServer)
			if len(sent) != 1 || sent[0].Opcode != OpClose ||
				binary.BigEndian.Uint16(sent[0].Data) != uint16(CloseGoingAway) {
				t.Fatalf("iteration %d: sent %+v, want close 1001", i, sent)
			}
		}
		if hub.ClientCount() != 0 {
			t.Fatalf("iteration %d: ClientCount = %d, want 0", i, hub.ClientCount())
		}
	}
}

// TestHub_ConcurrentOperations tests concurrent register, broadcast and
// unregister. Run with -race.
func TestHub_ConcurrentOperations(t *testing.T) {
	hub := startHub(t)

	const numClients = 20
	conns := make([]*Conn, numClients)
	for i := range conns {
		conns[i], _, _ = newTestConn(t, RoleServer, nil)
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			hub.Register(c)
			hub.BroadcastText("hi")
			_ = hub.ClientCount()
		}(c)
	}
	wg.Wait()

	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			hub.Unregister(c)
		}(c)
	}
	wg.Wait()

	eventually(t, func() bool { return hub.ClientCount() == 0 }, "all clients unregistered")
}

// BenchmarkHub_Broadcast benchmarks broadcasting to 100 clients.
func BenchmarkHub_Broadcast(b *testing.B) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Close()

	for i := 0; i < 100; i++ {
		c, err := NewConn(RoleServer, discardTransport{}, nil)
		if err != nil {
			b.Fatal(err)
		}
		_ = c.Open()
		hub.Register(c)
	}

	msg := []byte("benchmark message")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.Broadcast(msg)
	}
}

// discardTransport drops every frame.
type discardTransport struct{}

func (discardTransport) Write(_ []byte, onFlush func()) error {
	if onFlush != nil {
		onFlush()
	}
	return nil
}

func (discardTransport) End() error { return nil }
