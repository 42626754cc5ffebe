package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// StateEvent is the single logical notification fanned out to dashboard
// observers. Reading updates carry node id plus measurements; valve updates
// carry gateway id plus the new valve status. At least one of NodeID or
// GatewayID is always set so observers can route the update.
type StateEvent struct {
	NodeID       *uuid.UUID `json:"node_id,omitempty"`
	GatewayID    *uuid.UUID `json:"gateway_id,omitempty"`
	SoilMoisture *float64   `json:"soil_moisture,omitempty"`
	AirHumidity  *float64   `json:"air_humidity,omitempty"`
	Temperature  *float64   `json:"temperature,omitempty"`
	ValveStatus  string     `json:"valve_status,omitempty"`
	LastUpdate   time.Time  `json:"last_update"`
}

// Hub is an in-memory fan-out of state-change events. It has no memory of
// past events: a new subscriber sees only what is published after it joins,
// and events published with no subscribers are dropped.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan StateEvent]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan StateEvent]struct{}{}}
}

func (h *Hub) Subscribe() (<-chan StateEvent, func()) {
	ch := make(chan StateEvent, 64)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *Hub) Publish(evt StateEvent) {
	if evt.LastUpdate.IsZero() {
		evt.LastUpdate = time.Now().UTC()
	}

	h.mu.RLock()
	subs := make([]chan StateEvent, 0, len(h.subs))
	for ch := range h.subs {
		subs = append(subs, ch)
	}
	h.mu.RUnlock()

	// Fan-out without blocking the publisher.
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow.
		}
	}
}
