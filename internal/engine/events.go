package engine

import (
	"log/slog"
	"sync"
	"time"
)

// EventType tags entries on the engine's event stream.
type EventType string

const (
	EventFill     EventType = "fill"     // canonical fill emitted by a reconciler
	EventTrade    EventType = "trade"    // completed entry+hedge pairing
	EventOrder    EventType = "order"    // order reached a notable status
	EventIncident EventType = "incident" // incident recorded
)

// Event is one entry on the stream, pushed to websocket clients and the
// notifier.
type Event struct {
	Type   EventType `json:"type"`
	Ts     time.Time `json:"ts"`
	PairID string    `json:"pair_id,omitempty"`
	Data   any       `json:"data"`
}

// Hub fans engine events out to subscribers. Publishing never blocks: a
// subscriber that cannot keep up loses events with a warning rather than
// stalling the trading path.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("component", "event_hub"),
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a buffered subscriber. The returned func removes the
// subscription and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer room.
func (h *Hub) Publish(ev Event) {
	if ev.Ts.IsZero() {
		ev.Ts = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("subscriber lagging, event dropped",
				"subscriber", id, "type", ev.Type)
		}
	}
}
