// Package events fans save queue transitions out to WebSocket clients and Redis.
package events

import (
	"time"

	"github.com/segmentio/ksuid"

	"github.com/kimhsiao/shelfscan/backend/internal/savequeue"
)

// Event types.
const (
	TypeStatusChanged = "save_queue.status_changed"
	TypeItemFailed    = "save_queue.item_failed"
)

// Event is the envelope sent to every subscriber.
type Event struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	Item      savequeue.Item   `json:"item"`
	Previous  savequeue.Status `json:"previous,omitempty"`
	Timestamp int64            `json:"timestamp"` // unix millis
}

func newEvent(typ string, it savequeue.Item, previous savequeue.Status) Event {
	return Event{
		ID:        ksuid.New().String(),
		Type:      typ,
		Item:      it,
		Previous:  previous,
		Timestamp: time.Now().UnixMilli(),
	}
}

// StatusChanged wraps a queue transition.
func StatusChanged(ev savequeue.Event) Event {
	return newEvent(TypeStatusChanged, ev.Item, ev.Previous)
}

// ItemFailed wraps an escalated failure.
func ItemFailed(it savequeue.Item) Event {
	return newEvent(TypeItemFailed, it, "")
}

// Sink receives events. Publish must not block.
type Sink interface {
	Publish(ev Event)
}

// Listener adapts a Sink to a queue listener.
func Listener(s Sink) savequeue.Listener {
	return func(ev savequeue.Event) {
		s.Publish(StatusChanged(ev))
	}
}

// FailureHandler publishes failures to s, then calls next if it is non-nil.
func FailureHandler(s Sink, next savequeue.FailureHandler) savequeue.FailureHandler {
	return func(it savequeue.Item) {
		s.Publish(ItemFailed(it))
		if next != nil {
			next(it)
		}
	}
}
