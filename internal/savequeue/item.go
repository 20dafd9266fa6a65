// Package savequeue provides the durable "save this product" work queue.
//
// Items move pending -> saving -> (saved | queued | pending | failed). Transient
// persistence errors are retried with a delay up to a retry ceiling; an item that
// exhausts its budget, or is rejected permanently, becomes failed and stays failed
// until RetryFailed is called. Every transition into failed is escalated once
// through the queue's failure handler.
package savequeue

import (
	"encoding/json"
	"time"

	"github.com/kimhsiao/shelfscan/backend/internal/models"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending Status = "pending"
	StatusSaving  Status = "saving"
	StatusSaved   Status = "saved"
	StatusQueued  Status = "queued"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSaving, StatusSaved, StatusQueued, StatusFailed:
		return true
	}
	return false
}

// terminal reports whether s is a success state that needs no more attempts.
func (s Status) terminal() bool {
	return s == StatusSaved || s == StatusQueued
}

// Item is one pending "save this product" unit of work.
type Item struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Barcode       string          `json:"barcode"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// clone returns a copy that shares nothing mutable with the queue.
func (it *Item) clone() Item {
	c := *it
	if it.Payload != nil {
		c.Payload = append(json.RawMessage(nil), it.Payload...)
	}
	return c
}

// Stats is a snapshot count of items by status.
type Stats struct {
	Pending int `json:"pending"`
	Saving  int `json:"saving"`
	Saved   int `json:"saved"`
	Queued  int `json:"queued"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

func (s *Stats) add(status Status) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusSaving:
		s.Saving++
	case StatusSaved:
		s.Saved++
	case StatusQueued:
		s.Queued++
	case StatusFailed:
		s.Failed++
	}
}

// ToModel converts an Item to its journal record.
func (it *Item) ToModel() *models.SaveQueueRecord {
	var next int64
	if !it.NextAttemptAt.IsZero() {
		next = it.NextAttemptAt.UnixMilli()
	}
	return &models.SaveQueueRecord{
		ID:            models.UUID(it.ID),
		Name:          it.Name,
		Barcode:       it.Barcode,
		Payload:       it.Payload,
		Status:        string(it.Status),
		Attempts:      it.Attempts,
		LastError:     it.LastError,
		NextAttemptAt: next,
		CreatedAt:     it.CreatedAt.UnixMilli(),
		UpdatedAt:     it.UpdatedAt.UnixMilli(),
	}
}

// FromModel creates an Item from a journal record.
func FromModel(rec *models.SaveQueueRecord) Item {
	it := Item{
		ID:        rec.ID.String(),
		Name:      rec.Name,
		Barcode:   rec.Barcode,
		Payload:   append(json.RawMessage(nil), rec.Payload...),
		Status:    Status(rec.Status),
		Attempts:  rec.Attempts,
		LastError: rec.LastError,
		CreatedAt: time.UnixMilli(rec.CreatedAt),
		UpdatedAt: time.UnixMilli(rec.UpdatedAt),
	}
	if rec.NextAttemptAt > 0 {
		it.NextAttemptAt = time.UnixMilli(rec.NextAttemptAt)
	}
	return it
}
