package session

import (
	"log"
	"sync"
)

// subscriberBuffer is the per-subscriber queue depth for output chunks.
// Transports push from their own reader goroutines; when a WebSocket
// consumer falls behind, chunks are dropped rather than blocking the reader.
const subscriberBuffer = 256

// outputHub fans terminal output out to WebSocket attachments, one
// subscription set per session.
type outputHub struct {
	mu   sync.Mutex
	subs map[string]map[int]chan []byte
	next int
}

func newOutputHub() *outputHub {
	return &outputHub{subs: make(map[string]map[int]chan []byte)}
}

// publish hands a chunk to every subscriber of the session. Never blocks.
func (h *outputHub) publish(sessionID string, chunk []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[sessionID] {
		select {
		case ch <- chunk:
		default:
			log.Printf("[session] dropping output chunk for slow consumer: session=%s", sessionID)
		}
	}
}

// subscribe registers a new consumer and returns its channel and an
// unsubscribe func.
func (h *outputHub) subscribe(sessionID string) (<-chan []byte, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[int]chan []byte)
	}
	id := h.next
	h.next++
	ch := make(chan []byte, subscriberBuffer)
	h.subs[sessionID][id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[sessionID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(h.subs, sessionID)
			}
		}
	}
}

// drop removes all subscribers for a session, closing their channels so
// attached consumers see EOF.
func (h *outputHub) drop(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[sessionID] {
		close(ch)
	}
	delete(h.subs, sessionID)
}
