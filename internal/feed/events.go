package feed

import (
	"sync/atomic"
	"time"

	"feed-engine/internal/domain"

	"github.com/puzpuzpuz/xsync/v3"
)

// EventType classifies events sent to the UI collaborator.
type EventType string

const (
	EventIntent EventType = "intent"
	EventState  EventType = "state"
	EventStall  EventType = "stall"
	EventWindow EventType = "window"
)

// Intent is a playback instruction for the UI.
type Intent string

const (
	IntentPlay      Intent = "play"
	IntentPause     Intent = "pause"
	IntentShowError Intent = "show_error"
	IntentAdvance   Intent = "advance"
)

// Event is one message to the UI collaborator.
type Event struct {
	Type      EventType     `json:"type"`
	Item      domain.ItemID `json:"item_id,omitempty"`
	Intent    Intent        `json:"intent,omitempty"`
	From      string        `json:"from,omitempty"`
	State     string        `json:"state,omitempty"`
	Window    *Window       `json:"window,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

const subscriberBuffer = 256

// Hub fans events out to subscribers. Publish never blocks: a subscriber
// that falls behind loses events.
type Hub struct {
	subs    *xsync.MapOf[uint64, chan Event]
	next    atomic.Uint64
	dropped atomic.Uint64
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: xsync.NewMapOf[uint64, chan Event]()}
}

// Subscribe registers a subscriber. Call cancel to stop receiving; the
// channel is never closed.
func (h *Hub) Subscribe() (events <-chan Event, cancel func()) {
	id := h.next.Add(1)
	ch := make(chan Event, subscriberBuffer)
	h.subs.Store(id, ch)
	return ch, func() { h.subs.Delete(id) }
}

// Publish delivers e to every subscriber with room for it.
func (h *Hub) Publish(e Event) {
	h.subs.Range(func(_ uint64, ch chan Event) bool {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
		return true
	})
}

// Subscribers returns the number of subscribers.
func (h *Hub) Subscribers() int { return h.subs.Size() }

// Dropped returns the number of events lost to slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
