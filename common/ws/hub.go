package ws

import (
	"errors"
	"sync"
)

// ErrNotConnected is returned by Send when no client is registered under id.
var ErrNotConnected = errors.New("ws: client not connected")

// ErrBufferFull is returned by Send when the client's channel is full.
var ErrBufferFull = errors.New("ws: client buffer full")

// Hub tracks connected clients by id and routes messages to them. It knows
// nothing about sockets: each client registers a buffered channel that its
// own writer goroutine drains.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]chan *Message
	closed  bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]chan *Message)}
}

// Register adds a client. A client already registered under id is replaced
// and its channel closed, so a reconnecting agent takes over its slot.
func (h *Hub) Register(id string, ch chan *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return
	}
	if old, ok := h.clients[id]; ok && old != ch {
		close(old)
	}
	h.clients[id] = ch
}

// Unregister removes the client only if ch is still the registered channel.
func (h *Hub) Unregister(id string, ch chan *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[id]; ok && cur == ch {
		close(cur)
		delete(h.clients, id)
	}
}

// Send delivers msg to a single client without blocking.
func (h *Hub) Send(id string, msg *Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.clients[id]
	if !ok {
		return ErrNotConnected
	}
	select {
	case ch <- msg:
		return nil
	default:
		return ErrBufferFull
	}
}

// Connected reports whether id has a live registration.
func (h *Hub) Connected(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[id]
	return ok
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop closes every client channel. Later registrations are closed at once.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
}
