package models

import "encoding/json"

// SaveQueueRecord is the journaled form of a save queue item.
type SaveQueueRecord struct {
	ID            UUID            `db:"id" json:"id"`
	Name          string          `db:"name" json:"name"`
	Barcode       string          `db:"barcode" json:"barcode"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Status        string          `db:"status" json:"status"` // pending, saving, saved, queued, failed
	Attempts      int             `db:"attempts" json:"attempts"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt int64           `db:"next_attempt_at" json:"next_attempt_at"` // unix millis
	CreatedAt     int64           `db:"created_at" json:"created_at"`           // unix millis
	UpdatedAt     int64           `db:"updated_at" json:"updated_at"`           // unix millis
}

// TableName returns the table name for SaveQueueRecord.
func (SaveQueueRecord) TableName() string {
	return "save_queue_items"
}
