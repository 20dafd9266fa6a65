package savequeue

import (
	"context"
	"encoding/json"
)

// Outcome is what a successful save achieved.
type Outcome int

const (
	// OutcomeSaved means the backend confirmed the product write.
	OutcomeSaved Outcome = iota
	// OutcomeQueued means the write was durably staged but not yet confirmed.
	OutcomeQueued
)

func (o Outcome) status() Status {
	if o == OutcomeQueued {
		return StatusQueued
	}
	return StatusSaved
}

// Persister writes one product payload to the backend.
// Errors wrapped with errors.Permanent are not retried.
type Persister interface {
	Save(ctx context.Context, payload json.RawMessage) (Outcome, error)
}

type itemIDKey struct{}

// WithItemID returns a copy of ctx carrying the id of the item being saved.
func WithItemID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, itemIDKey{}, id)
}

// ItemID returns the queue item id a Save call belongs to. Persisters use
// it as an idempotency key, since a restored item may be saved twice.
func ItemID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(itemIDKey{}).(string)
	return id, ok && id != ""
}

// PersisterFunc adapts a function to the Persister interface.
type PersisterFunc func(ctx context.Context, payload json.RawMessage) (Outcome, error)

// Save calls f.
func (f PersisterFunc) Save(ctx context.Context, payload json.RawMessage) (Outcome, error) {
	return f(ctx, payload)
}

// Event describes one status transition of one item.
type Event struct {
	Item     Item   `json:"item"`
	Previous Status `json:"previous,omitempty"` // empty for a new item
}

// Listener observes every status change. It runs on the goroutine that made
// the change and must hand off long work itself.
type Listener func(Event)

// FailureHandler is the escalation hook for items that became failed.
type FailureHandler func(Item)
