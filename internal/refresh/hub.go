// Package refresh carries the single "something changed, re-read the file
// list" stream. Both the push bridge and user-driven actions publish into
// it; the display layer subscribes once instead of mixing ad hoc events with
// polling.
package refresh

import "sync"

// Signal names what triggered the refresh.
type Signal struct {
	Reason string
}

// Hub fans a refresh signal out to every subscriber. Slow subscribers never
// block publishers: each subscription holds a one-slot buffer and a pending
// signal is simply coalesced with the next one.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan Signal
	next int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Signal)}
}

// Subscribe registers a listener. The returned cancel func must be called on
// teardown; after cancel the channel is closed.
func (h *Hub) Subscribe() (<-chan Signal, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Signal, 1)
	h.subs[id] = ch
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers the signal to every subscriber without blocking.
func (h *Hub) Publish(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- Signal{Reason: reason}:
		default:
		}
	}
}
