package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/shelfscan/backend/internal/errors"
	"github.com/kimhsiao/shelfscan/backend/internal/models"
)

// Repository provides persistence for the save queue journal.
type Repository struct {
	db *sql.DB

	// Prepared statements are created on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Another goroutine may have prepared the same query meanwhile.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

const upsertSaveQueueRecord = `
INSERT INTO save_queue_items (id, name, barcode, payload, status, attempts, last_error,
	next_attempt_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	barcode = excluded.barcode,
	payload = excluded.payload,
	status = excluded.status,
	attempts = excluded.attempts,
	last_error = excluded.last_error,
	next_attempt_at = excluded.next_attempt_at,
	updated_at = excluded.updated_at
`

// UpsertSaveQueueRecord writes the current state of a queue item.
func (r *Repository) UpsertSaveQueueRecord(ctx context.Context, rec *models.SaveQueueRecord) error {
	if rec.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "save queue record has no id")
	}
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	stmt, err := r.PrepareStmt(ctx, upsertSaveQueueRecord)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "prepare upsert", err)
	}
	_, err = stmt.ExecContext(ctx, rec.ID, rec.Name, rec.Barcode, string(payload), rec.Status,
		rec.Attempts, rec.LastError, rec.NextAttemptAt, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "upsert save queue record", err)
	}
	return nil
}

const selectSaveQueueColumns = `
SELECT id, name, barcode, payload, status, attempts, last_error, next_attempt_at, created_at, updated_at
FROM save_queue_items`

func scanSaveQueueRecord(row interface{ Scan(...interface{}) error }) (*models.SaveQueueRecord, error) {
	var rec models.SaveQueueRecord
	var payload string
	err := row.Scan(&rec.ID, &rec.Name, &rec.Barcode, &payload, &rec.Status, &rec.Attempts,
		&rec.LastError, &rec.NextAttemptAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

// GetSaveQueueRecord retrieves a journaled item by ID.
func (r *Repository) GetSaveQueueRecord(ctx context.Context, id string) (*models.SaveQueueRecord, error) {
	stmt, err := r.PrepareStmt(ctx, selectSaveQueueColumns+` WHERE id = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "prepare get", err)
	}

	rec, err := scanSaveQueueRecord(stmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("save queue item %s not found", id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get save queue record", err)
	}
	return rec, nil
}

// ListSaveQueueRecords returns journaled items, oldest first. With statuses
// given, only rows in one of those statuses are returned.
func (r *Repository) ListSaveQueueRecords(ctx context.Context, statuses ...string) ([]*models.SaveQueueRecord, error) {
	query := selectSaveQueueColumns
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	rows, err := r.db.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list save queue records", err)
	}
	defer rows.Close()

	var records []*models.SaveQueueRecord
	for rows.Next() {
		rec, err := scanSaveQueueRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan save queue record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate save queue records", err)
	}
	return records, nil
}

// CountSaveQueueByStatus returns the number of journaled items per status.
func (r *Repository) CountSaveQueueByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM save_queue_items GROUP BY status`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "count save queue records", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan status count", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PruneSaveQueueRecords deletes saved and queued rows last updated before
// cutoff and returns how many were removed. Unfinished rows are never pruned.
func (r *Repository) PruneSaveQueueRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM save_queue_items WHERE status IN ('saved', 'queued') AND updated_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "prune save queue records", err)
	}
	return res.RowsAffected()
}
