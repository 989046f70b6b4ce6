package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one live security event offered to subscribers. CallID and
// TenantID are lifted out of the payload so subscriptions can filter on them
// without decoding Data.
type Event struct {
	Type     string          `json:"type"`
	At       string          `json:"at"`
	CallID   string          `json:"call_id,omitempty"`
	TenantID string          `json:"tenant_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// NewEvent stamps and serializes one event payload.
func NewEvent(eventType string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Filter narrows a subscription to one call or one tenant. The zero value
// matches every event.
type Filter struct {
	CallID   string
	TenantID string
}

func (f Filter) matches(evt Event) bool {
	if f.CallID != "" && f.CallID != evt.CallID {
		return false
	}
	if f.TenantID != "" && f.TenantID != evt.TenantID {
		return false
	}
	return true
}

// Subscription is one attached consumer. Events arrive on C until Unsubscribe
// closes it.
type Subscription struct {
	C      chan Event
	filter Filter
}

// Hub fans security events out to live subscribers. Slow subscribers drop
// events rather than block the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}}
}

func (h *Hub) Subscribe(buffer int, filter Filter) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	sub := &Subscription{C: make(chan Event, buffer), filter: filter}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, exists := h.subs[sub]
	if exists {
		delete(h.subs, sub)
	}
	h.mu.Unlock()
	if exists {
		close(sub.C)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.filter.matches(evt) {
			continue
		}
		select {
		case sub.C <- evt:
		default:
		}
	}
}
