package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Hub is the registry of open connections used for broadcasting.
//
// Server registers every connection once it is OPEN and unregisters it when
// it closes, so a Hub only ever holds live connections. Connections are
// keyed by Conn.ID.
//
// Thread-safe operations allow concurrent client registration,
// unregistration, and broadcasting from multiple goroutines.
//
// Example Usage:
//
//	srv, _ := websocket.NewServer(nil)
//	srv.OnConnection(func(conn *websocket.Conn) {
//	    conn.OnMessage(func(e websocket.MessageEvent) {
//	        srv.Hub().BroadcastText(e.Text())
//	    })
//	})
type Hub struct {
	// Client management
	clients map[string]*Conn // Registered clients by ID

	// Channels for event loop
	register   chan *Conn     // Register new client
	unregister chan *Conn     // Unregister client
	broadcast  chan broadcast // Broadcast message to all

	// Lifecycle management
	done   chan struct{} // Shutdown signal
	closed bool          // Track if hub is closed

	log *slog.Logger

	// Thread-safety for clients map and closed flag
	mu sync.RWMutex
}

// hubClosingReason is the close reason sent when the Hub shuts down.
const hubClosingReason = "server shutting down"

// broadcast is one queued message for all clients.
type broadcast struct {
	opcode Opcode
	data   []byte
}

// NewHub creates a new Hub.
//
// The Hub must be started by calling Run() in a goroutine:
//
//	hub := websocket.NewHub(nil)
//	go hub.Run()
//	defer hub.Close()
//
// A nil logger discards diagnostics.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		clients:    make(map[string]*Conn),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		broadcast:  make(chan broadcast, 256), // Buffered for performance
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the Hub's event loop.
//
// This method blocks and should be called in a goroutine. The event loop
// handles registration, unregistration and broadcasting, and exits when
// Close() is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			closed := h.closed
			if !closed {
				h.clients[client.ID()] = client
			}
			h.mu.Unlock()

			if closed {
				// Close already swept the clients.
				client.close(CloseGoingAway, hubClosingReason)
				continue
			}
			h.log.Debug("websocket: hub register", "conn_id", client.ID())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID()]; ok {
				delete(h.clients, client.ID())
				_ = client.Close()
			}
			h.mu.Unlock()
			h.log.Debug("websocket: hub unregister", "conn_id", client.ID())

		case msg := <-h.broadcast:
			// Conn writes are queued, so a slow client cannot block the loop.
			h.mu.Lock()
			for id, client := range h.clients {
				if err := client.sendData(msg.opcode, msg.data); err != nil {
					h.log.Debug("websocket: hub drop client", "conn_id", id, "error", err)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			return
		}
	}
}

// Register adds a client to the Hub.
//
// The client will receive all messages sent via Broadcast(). Register
// reports false, and leaves the client alone, once the Hub is closed. A
// client that races with Close is closed with CloseGoingAway.
func (h *Hub) Register(client *Conn) bool {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return false
	}

	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client from the Hub and closes it.
//
// Safe to call multiple times for the same client (no-op after first call).
func (h *Hub) Unregister(client *Conn) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast sends a binary message to all connected clients.
//
// The message is queued for delivery. Actual delivery happens
// asynchronously in the event loop. A client whose send fails is dropped.
func (h *Hub) Broadcast(message []byte) {
	h.enqueue(broadcast{opcode: OpBinary, data: message})
}

// BroadcastText sends a text message to all connected clients.
//
// Example:
//
//	hub.BroadcastText("Server notification")
func (h *Hub) BroadcastText(text string) {
	h.enqueue(broadcast{opcode: OpText, data: []byte(text)})
}

// BroadcastJSON marshals v and sends it as a text message to all
// connected clients.
//
// Example:
//
//	type Message struct {
//	    Type string `json:"type"`
//	    Text string `json:"text"`
//	}
//	hub.BroadcastJSON(Message{Type: "notification", Text: "Hello"})
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("websocket: marshal JSON: %w", err)
	}

	h.enqueue(broadcast{opcode: OpText, data: data})
	return nil
}

func (h *Hub) enqueue(msg broadcast) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client returns the registered connection with the given ID.
func (h *Hub) Client(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Close stops the Hub and closes all clients with CloseGoingAway.
//
// Safe to call multiple times (no-op after first call). Close does not wait
// for Run to return.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*Conn)
	h.mu.Unlock()

	// Signal shutdown to event loop
	close(h.done)

	for _, client := range clients {
		client.close(CloseGoingAway, hubClosingReason)
	}

	return nil
}
