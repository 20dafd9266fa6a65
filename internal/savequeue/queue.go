package savequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/shelfscan/backend/internal/errors"
	"github.com/kimhsiao/shelfscan/backend/internal/logging"
	"github.com/kimhsiao/shelfscan/backend/internal/models"
	"github.com/kimhsiao/shelfscan/backend/internal/uuid"
)

// DefaultRetryCeiling is the number of automatic attempts before an item fails.
const DefaultRetryCeiling = 10

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultSaveTimeout  = 15 * time.Second
	journalTimeout      = 5 * time.Second
)

// Journal durably records item state so a restart does not lose queued work.
// ListSaveQueueRecords returns only rows in the given statuses, oldest first.
// *db.Repository satisfies it.
type Journal interface {
	UpsertSaveQueueRecord(ctx context.Context, rec *models.SaveQueueRecord) error
	ListSaveQueueRecords(ctx context.Context, statuses ...string) ([]*models.SaveQueueRecord, error)
}

// Config holds the queue's collaborators and tuning.
type Config struct {
	Persister    Persister      // required
	RetryCeiling int            // default 10
	Backoff      Backoff        // default ExponentialBackoff{1s, 1m}
	PollInterval time.Duration  // default 250ms
	SaveTimeout  time.Duration  // per attempt, default 15s
	Journal      Journal        // optional
	OnFailed     FailureHandler // optional, defaults to an error log line
	Now          func() time.Time
}

// Queue is an in-memory, append-only save queue with bounded retry.
type Queue struct {
	persister    Persister
	ceiling      int
	backoff      Backoff
	pollInterval time.Duration
	saveTimeout  time.Duration
	journal      Journal
	now          func() time.Time

	mu           sync.Mutex
	items        map[string]*Item
	order        []string
	inFlight     map[string]bool
	listeners    map[int]Listener
	nextListener int
	onFailed     FailureHandler

	// outbox holds transitions not yet delivered; emitting is true while a
	// goroutine is delivering them. Both are guarded by mu.
	outbox   []Event
	emitting bool

	wake chan struct{}

	runMu    sync.Mutex
	running  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	attempts sync.WaitGroup
}

// New creates a Queue. It returns an error when no persister is configured.
func New(cfg Config) (*Queue, error) {
	if cfg.Persister == nil {
		return nil, apperrors.New(apperrors.ErrConfig, "save queue needs a persister")
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = DefaultRetryCeiling
	}
	if cfg.Backoff == nil {
		cfg.Backoff = ExponentialBackoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = defaultSaveTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	q := &Queue{
		persister:    cfg.Persister,
		ceiling:      cfg.RetryCeiling,
		backoff:      cfg.Backoff,
		pollInterval: cfg.PollInterval,
		saveTimeout:  cfg.SaveTimeout,
		journal:      cfg.Journal,
		now:          cfg.Now,
		items:        make(map[string]*Item),
		inFlight:     make(map[string]bool),
		listeners:    make(map[int]Listener),
		wake:         make(chan struct{}, 1),
	}
	q.SetOnFailed(cfg.OnFailed)
	return q, nil
}

// RetryCeiling returns the configured number of automatic attempts.
func (q *Queue) RetryCeiling() int {
	return q.ceiling
}

// Enqueue adds a product draft in pending state and returns its id.
// It never blocks on the backend. The only error is a draft that cannot be
// encoded, such as a NaN or infinite price; nothing is queued then.
func (q *Queue) Enqueue(draft models.ProductDraft) (string, error) {
	payload, err := json.Marshal(draft)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "encode product draft", err)
	}
	return q.EnqueuePayload(draft.Name, draft.Barcode, payload), nil
}

// EnqueuePayload adds an opaque payload that is forwarded verbatim to the persister.
func (q *Queue) EnqueuePayload(name, barcode string, payload json.RawMessage) string {
	now := q.now()
	item := &Item{
		ID:            uuid.New(),
		Name:          name,
		Barcode:       barcode,
		Payload:       append(json.RawMessage(nil), payload...),
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	q.mu.Lock()
	q.items[item.ID] = item
	q.order = append(q.order, item.ID)
	q.record(item, "")
	q.mu.Unlock()

	q.flush()
	q.signal()

	logging.Info("Enqueued product save", map[string]interface{}{
		"item_id": item.ID,
		"name":    name,
		"barcode": barcode,
	})
	return item.ID
}

// Subscribe registers a listener for every status change. The returned
// function removes it and is safe to call more than once.
func (q *Queue) Subscribe(l Listener) (unsubscribe func()) {
	q.mu.Lock()
	id := q.nextListener
	q.nextListener++
	q.listeners[id] = l
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.listeners, id)
			q.mu.Unlock()
		})
	}
}

// SetOnFailed replaces the escalation hook. A nil handler restores the
// default, which logs the failure, so escalation is never disarmed.
func (q *Queue) SetOnFailed(h FailureHandler) {
	if h == nil {
		h = LogFailure
	}
	q.mu.Lock()
	q.onFailed = h
	q.mu.Unlock()
}

// LogFailure is the default escalation: an error log line carrying the item's details.
func LogFailure(it Item) {
	logging.ErrorWithCode("Product save failed permanently", string(apperrors.ErrSaveFailed), nil,
		map[string]interface{}{
			"item_id":    it.ID,
			"name":       it.Name,
			"barcode":    it.Barcode,
			"attempts":   it.Attempts,
			"last_error": it.LastError,
		})
}

// Stats returns a snapshot count of items by status.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, id := range q.order {
		s.add(q.items[id].Status)
	}
	return s
}

// Get returns a copy of the item with the given id.
func (q *Queue) Get(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return Item{}, false
	}
	return it.clone(), true
}

// List returns copies of all items in enqueue order.
func (q *Queue) List() []Item {
	return q.filter(func(*Item) bool { return true })
}

// FailedItems returns copies of all failed items in enqueue order.
func (q *Queue) FailedItems() []Item {
	return q.filter(func(it *Item) bool { return it.Status == StatusFailed })
}

func (q *Queue) filter(keep func(*Item) bool) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, 0, len(q.order))
	for _, id := range q.order {
		if it := q.items[id]; keep(it) {
			out = append(out, it.clone())
		}
	}
	return out
}

// RetryFailed moves a failed item back to pending with a fresh retry budget.
// Unknown ids return NOT_FOUND; items in any other state return ITEM_NOT_FAILED
// and are left untouched.
func (q *Queue) RetryFailed(id string) error {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("save queue item %s not found", id))
	}
	if it.Status != StatusFailed {
		status := it.Status
		q.mu.Unlock()
		return apperrors.New(apperrors.ErrItemNotFailed, fmt.Sprintf("save queue item %s is %s", id, status))
	}
	q.resetForRetry(it)
	q.mu.Unlock()

	q.flush()
	q.signal()

	logging.Info("Manual retry of failed product save", map[string]interface{}{"item_id": id})
	return nil
}

// RetryAllFailed resets every failed item and returns how many were reset.
func (q *Queue) RetryAllFailed() int {
	q.mu.Lock()
	count := 0
	for _, id := range q.order {
		if it := q.items[id]; it.Status == StatusFailed {
			q.resetForRetry(it)
			count++
		}
	}
	q.mu.Unlock()

	if count > 0 {
		q.flush()
		q.signal()
		logging.Info("Reset failed product saves for retry", map[string]interface{}{"count": count})
	}
	return count
}

// resetForRetry must be called with q.mu held.
func (q *Queue) resetForRetry(it *Item) {
	now := q.now()
	it.Status = StatusPending
	it.Attempts = 0
	it.LastError = ""
	it.NextAttemptAt = now
	it.UpdatedAt = now
	q.record(it, StatusFailed)
}

// claimReady moves every due pending item to saving and returns snapshots of
// the claimed items. An item already in flight is never claimed twice.
func (q *Queue) claimReady() []Item {
	q.mu.Lock()
	now := q.now()
	var claimed []Item
	for _, id := range q.order {
		it := q.items[id]
		if it.Status != StatusPending || q.inFlight[id] || it.NextAttemptAt.After(now) {
			continue
		}
		q.inFlight[id] = true
		it.Status = StatusSaving
		it.UpdatedAt = now
		q.record(it, StatusPending)
		claimed = append(claimed, it.clone())
	}
	q.mu.Unlock()

	q.flush()
	return claimed
}

// complete applies the result of one save attempt.
func (q *Queue) complete(id string, outcome Outcome, saveErr error) {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok || !q.inFlight[id] {
		q.mu.Unlock()
		return
	}
	delete(q.inFlight, id)

	now := q.now()
	it.Attempts++
	it.UpdatedAt = now

	logCtx := map[string]interface{}{
		"item_id":  id,
		"barcode":  it.Barcode,
		"attempts": it.Attempts,
		"ceiling":  q.ceiling,
	}

	switch {
	case saveErr == nil:
		it.Status = outcome.status()
		it.LastError = ""
		it.NextAttemptAt = time.Time{}
	case apperrors.IsPermanent(saveErr) || it.Attempts >= q.ceiling:
		it.Status = StatusFailed
		it.LastError = saveErr.Error()
		it.NextAttemptAt = time.Time{}
	default:
		delay := q.backoff.Delay(it.Attempts)
		if delay < minRetryDelay {
			delay = minRetryDelay
		}
		it.Status = StatusPending
		it.LastError = saveErr.Error()
		it.NextAttemptAt = now.Add(delay)
		logCtx["retry_in_ms"] = delay.Milliseconds()
	}
	q.record(it, StatusSaving)
	status, attempts := it.Status, it.Attempts
	q.mu.Unlock()

	q.flush()

	switch status {
	case StatusSaved, StatusQueued:
		logCtx["status"] = string(status)
		logging.Info("Product save succeeded", logCtx)
	case StatusPending:
		logging.Warn(fmt.Sprintf("Product save failed, retry %d/%d scheduled: %v", attempts, q.ceiling, saveErr), logCtx)
	}
}

// record queues the current state of it for delivery. Must be called with q.mu held.
func (q *Queue) record(it *Item, previous Status) {
	q.outbox = append(q.outbox, Event{Item: it.clone(), Previous: previous})
}

// flush delivers queued transitions in the order they were recorded. Only
// one goroutine delivers at a time; a listener that mutates the queue only
// appends to the outbox and its events are delivered after it returns.
func (q *Queue) flush() {
	q.mu.Lock()
	if q.emitting {
		q.mu.Unlock()
		return
	}
	q.emitting = true

	for len(q.outbox) > 0 {
		batch := q.outbox
		q.outbox = nil
		listeners := make([]Listener, 0, len(q.listeners))
		for _, l := range q.listeners {
			listeners = append(listeners, l)
		}
		onFailed := q.onFailed
		q.mu.Unlock()

		for _, ev := range batch {
			q.persist(ev.Item)
			for _, l := range listeners {
				q.deliver(l, ev)
			}
			if ev.Item.Status == StatusFailed && ev.Previous != StatusFailed {
				q.escalate(onFailed, ev.Item)
			}
		}

		q.mu.Lock()
	}
	q.emitting = false
	q.mu.Unlock()
}

func (q *Queue) persist(it Item) {
	if q.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := q.journal.UpsertSaveQueueRecord(ctx, it.ToModel()); err != nil {
		logging.ErrorWithCode("Failed to journal save queue item", string(apperrors.ErrDatabase), err,
			map[string]interface{}{"item_id": it.ID, "status": string(it.Status)})
	}
}

func (q *Queue) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Save queue listener panicked", fmt.Errorf("%v", r),
				map[string]interface{}{"item_id": ev.Item.ID})
		}
	}()
	l(ev)
}

func (q *Queue) escalate(h FailureHandler, it Item) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Save queue failure handler panicked", fmt.Errorf("%v", r),
				map[string]interface{}{"item_id": it.ID})
			LogFailure(it)
		}
	}()
	h(it)
}

// signal wakes the processor without blocking.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Restore loads unfinished journaled items (pending, saving or failed) that
// are not already in the queue. Saved and queued rows from earlier sessions
// stay in the journal only. Items that were saving when the process stopped are returned to pending, since
// the outcome of that attempt is unknown. Restored failed items stay failed
// without a new escalation.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.journal == nil {
		return 0, nil
	}
	records, err := q.journal.ListSaveQueueRecords(ctx,
		string(StatusPending), string(StatusSaving), string(StatusFailed))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "load save queue journal", err)
	}

	q.mu.Lock()
	now := q.now()
	restored, failed := 0, 0
	var resumed []*Item
	for _, rec := range records {
		it := FromModel(rec)
		if _, exists := q.items[it.ID]; exists || !it.Status.Valid() || it.Status.terminal() {
			continue
		}
		if it.Status == StatusSaving {
			it.Status = StatusPending
			it.NextAttemptAt = now
			it.UpdatedAt = now
			resumed = append(resumed, &it)
		}
		if it.Status == StatusFailed {
			failed++
		}
		q.items[it.ID] = &it
		q.order = append(q.order, it.ID)
		restored++
	}
	for _, it := range resumed {
		q.record(it, StatusSaving)
	}
	q.mu.Unlock()

	q.flush()
	if restored > 0 {
		q.signal()
		logging.Info("Restored save queue from journal", map[string]interface{}{
			"restored": restored,
			"resumed":  len(resumed),
			"failed":   failed,
		})
	}
	return restored, nil
}
