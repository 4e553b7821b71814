package broadcast

import (
	"sync"

	"ridelink/internal/domain/event"
)

// history is the bounded event log. Eviction is FIFO: once the limit is
// reached the oldest entry goes first, regardless of access pattern.
type history struct {
	mu     sync.Mutex
	limit  int
	events []*event.Event
}

func newHistory(limit int) *history {
	return &history{limit: limit, events: make([]*event.Event, 0, limit)}
}

// add appends an event, evicting the oldest when full.
func (h *history) add(ev *event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.events) == h.limit {
		copy(h.events, h.events[1:])
		h.events[len(h.events)-1] = ev
		return
	}
	h.events = append(h.events, ev)
}

// snapshot returns a copy in reverse-chronological order (newest first).
func (h *history) snapshot() []*event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*event.Event, len(h.events))
	for i, ev := range h.events {
		out[len(h.events)-1-i] = ev
	}
	return out
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}
