package savequeue

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/shelfscan/backend/internal/errors"
	"github.com/kimhsiao/shelfscan/backend/internal/logging"
)

// ProcessorStatus reports the state of the background processor.
type ProcessorStatus struct {
	IsRunning bool  `json:"is_running"`
	InFlight  int   `json:"in_flight"`
	Stats     Stats `json:"stats"`
}

// Start runs the processing loop in the background until Stop is called or
// ctx is cancelled. Calling Start on a running queue is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.running = true
	q.cancel = cancel
	q.loopDone = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		q.run(runCtx)
	}(q.loopDone)

	logging.Info("Save queue processor started", map[string]interface{}{
		"retry_ceiling":    q.ceiling,
		"poll_interval_ms": q.pollInterval.Milliseconds(),
	})
}

// Stop stops the processing loop and waits for in-flight attempts to finish.
func (q *Queue) Stop() {
	q.runMu.Lock()
	if !q.running {
		q.runMu.Unlock()
		return
	}
	q.running = false
	cancel, done := q.cancel, q.loopDone
	q.runMu.Unlock()

	cancel()
	<-done

	logging.Info("Save queue processor stopped", nil)
}

// IsRunning returns whether the background processor is running.
func (q *Queue) IsRunning() bool {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	return q.running
}

// Status returns the processor state and a stats snapshot.
func (q *Queue) Status() ProcessorStatus {
	q.mu.Lock()
	inFlight := len(q.inFlight)
	q.mu.Unlock()

	return ProcessorStatus{
		IsRunning: q.IsRunning(),
		InFlight:  inFlight,
		Stats:     q.Stats(),
	}
}

// run processes due items until ctx is cancelled. Each claimed item is saved
// on its own goroutine, so different items save concurrently while a single
// item never has more than one attempt in flight. On return every started
// attempt has finished.
func (q *Queue) run(ctx context.Context) error {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	defer q.attempts.Wait()

	for {
		for _, it := range q.claimReady() {
			q.attempts.Add(1)
			go q.attempt(ctx, it)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

// attempt performs one save. The attempt is detached from ctx cancellation
// so a shutdown never abandons a write halfway; it is bounded by the save timeout.
func (q *Queue) attempt(ctx context.Context, it Item) {
	defer q.attempts.Done()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.saveTimeout)
	defer cancel()

	outcome, err := q.save(saveCtx, it)
	if err != nil && saveCtx.Err() == context.DeadlineExceeded && !apperrors.IsPermanent(err) {
		err = apperrors.Wrap(apperrors.ErrSaveTimeout, "save timed out", err)
	}
	q.complete(it.ID, outcome, err)

	// A retry may already be due when the backoff is shorter than the poll interval.
	q.signal()
}

func (q *Queue) save(ctx context.Context, it Item) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrSaveFailed, fmt.Sprintf("persister panicked: %v", r))
		}
	}()
	return q.persister.Save(WithItemID(ctx, it.ID), it.Payload)
}

// Drain blocks until no item is pending or saving, or ctx is done.
// Failed, saved and queued items count as settled.
func (q *Queue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		s := q.Stats()
		if s.Pending == 0 && s.Saving == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
