package transport

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Writer is whatever a connected client writes envelopes to — a unix
// socket's line writer or a websocket connection.
type Writer interface {
	WriteEnvelope(v any) error
}

// MatchFunc reports whether a routing-style pattern matches an event name.
// Injected from pkg/router so this package doesn't need to depend on it.
type MatchFunc func(pattern, event string) bool

// Hub tracks every connected client's subscription patterns and pushes a
// copy of each matching event to them, implementing the broadcast half of
// C9 (`monitor:subscribe`).
type Hub struct {
	match MatchFunc

	mu       sync.RWMutex
	clients  map[string]Writer
	patterns map[string][]string
}

// NewHub creates a Hub. match is used to test subscription patterns
// against outgoing event names.
func NewHub(match MatchFunc) *Hub {
	return &Hub{
		match:    match,
		clients:  make(map[string]Writer),
		patterns: make(map[string][]string),
	}
}

// Connect registers a client connection under the caller-assigned clientID.
func (h *Hub) Connect(clientID string, w Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[clientID] = w
}

// Disconnect removes a client and its subscriptions.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, clientID)
	delete(h.patterns, clientID)
}

// Subscribe records the patterns a client wants broadcast events for,
// implementing `monitor:subscribe {client_id, patterns[]}`.
func (h *Hub) Subscribe(clientID string, patterns []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.patterns[clientID] = patterns
}

// excludedFromBroadcast reports whether an event must never be rebroadcast,
// transport-internal events and the subscribe/broadcast
// events themselves would otherwise recurse.
func excludedFromBroadcast(event string) bool {
	if strings.HasPrefix(event, "transport:") {
		return true
	}
	return event == "monitor:subscribe" || event == "monitor:broadcast_event"
}

// Broadcast pushes event/data to every subscribed client whose pattern set
// matches. Errors writing to an individual client are swallowed — a dead
// client is discovered and cleaned up on its own read loop's exit.
func (h *Hub) Broadcast(event string, data json.RawMessage) {
	if excludedFromBroadcast(event) {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	envelope := map[string]any{
		"event":     "monitor:broadcast_event",
		"data":      map[string]any{"event": event, "data": data},
		"timestamp": time.Now().UTC(),
	}

	for clientID, patterns := range h.patterns {
		for _, p := range patterns {
			if h.match(p, event) {
				if w, ok := h.clients[clientID]; ok {
					_ = w.WriteEnvelope(envelope)
				}
				break
			}
		}
	}
}
