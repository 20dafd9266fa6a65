package backend

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/kimhsiao/shelfscan/backend/internal/errors"
	"github.com/kimhsiao/shelfscan/backend/internal/logging"
	"github.com/kimhsiao/shelfscan/backend/internal/models"
	"github.com/kimhsiao/shelfscan/backend/internal/savequeue"
	"github.com/kimhsiao/shelfscan/backend/internal/uuid"
)

const (
	upsertProductSQL = `INSERT INTO products (name, barcode, price, quantity, category, expiry_date, image_url)
         VALUES ($1, $2, $3, $4, $5, $6, $7)
         ON CONFLICT (barcode) DO UPDATE SET
             name = EXCLUDED.name,
             price = EXCLUDED.price,
             quantity = EXCLUDED.quantity,
             category = EXCLUDED.category,
             expiry_date = EXCLUDED.expiry_date,
             image_url = EXCLUDED.image_url`

	stageProductSQL = `INSERT INTO product_staging (item_id, name, barcode, payload, staged_at)
         VALUES ($1, $2, $3, $4, $5)
         ON CONFLICT (item_id) DO UPDATE SET
             name = EXCLUDED.name,
             barcode = EXCLUDED.barcode,
             payload = EXCLUDED.payload,
             staged_at = EXCLUDED.staged_at`
)

// stagingSchema creates product_staging, or upgrades one created before rows
// were keyed by queue item.
var stagingSchema = []string{
	`CREATE TABLE IF NOT EXISTS product_staging (
         id BIGSERIAL PRIMARY KEY,
         item_id TEXT,
         name TEXT NOT NULL DEFAULT '',
         barcode TEXT,
         payload JSONB NOT NULL,
         staged_at TIMESTAMPTZ NOT NULL DEFAULT now()
     )`,
	`ALTER TABLE product_staging ADD COLUMN IF NOT EXISTS item_id TEXT`,
	`CREATE UNIQUE INDEX IF NOT EXISTS product_staging_item_id ON product_staging (item_id)`,
}

// SQLSTATE codes and classes the persister reacts to.
const (
	sqlStateUndefinedTable        = "42P01"
	sqlClassIntegrityViolation    = "23"
	sqlClassDataException         = "22"
	sqlStateInsufficientPrivilege = "42501"
)

// execer is the subset of *pgxpool.Pool the persister uses.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresPersister writes products straight into Postgres.
type PostgresPersister struct {
	pool execer
	now  func() time.Time
	stop func()
}

// NewPostgresPersister connects to Postgres and makes sure the staging table exists.
func NewPostgresPersister(ctx context.Context, connString string) (*PostgresPersister, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid postgres connection string", err)
	}
	p := newPostgresPersister(pool)
	p.stop = pool.Close

	if err := p.ensureStaging(ctx); err != nil {
		// A missing staging table only matters on the staging path, which then fails and retries.
		logging.Warn("Could not ensure product_staging table", map[string]interface{}{"error": err.Error()})
	}
	return p, nil
}

func (p *PostgresPersister) ensureStaging(ctx context.Context) error {
	for _, stmt := range stagingSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func newPostgresPersister(pool execer) *PostgresPersister {
	return &PostgresPersister{pool: pool, now: time.Now}
}

// Close releases the connection pool.
func (p *PostgresPersister) Close() {
	if p.stop != nil {
		p.stop()
	}
}

// Save implements savequeue.Persister. Products with a barcode are upserted
// on it. Drafts without one cannot be matched on replay, so they are staged
// under their queue item id like stage_only drafts.
func (p *PostgresPersister) Save(ctx context.Context, payload json.RawMessage) (savequeue.Outcome, error) {
	draft, err := decodeDraft(payload)
	if err != nil {
		return 0, err
	}
	expiry, err := parseExpiry(draft.ExpiryDate)
	if err != nil {
		return 0, err
	}
	if draft.StageOnly || draft.Barcode == "" {
		return p.stage(ctx, draft, payload)
	}

	rec := toRecord(draft)
	_, err = p.pool.Exec(ctx, upsertProductSQL,
		rec.Name, rec.Barcode, rec.Price, rec.Quantity, rec.Category, expiry, rec.ImageURL,
	)
	if err == nil {
		return savequeue.OutcomeSaved, nil
	}

	if sqlState(err) == sqlStateUndefinedTable {
		logging.Warn("products table missing, staging product", map[string]interface{}{"barcode": draft.Barcode})
		return p.stage(ctx, draft, payload)
	}
	return 0, classify(err)
}

func (p *PostgresPersister) stage(ctx context.Context, draft models.ProductDraft, payload json.RawMessage) (savequeue.Outcome, error) {
	itemID, ok := savequeue.ItemID(ctx)
	if !ok {
		itemID = uuid.New()
	}
	_, err := p.pool.Exec(ctx, stageProductSQL, itemID, draft.Name, nullable(draft.Barcode), string(payload), p.now())
	if err != nil {
		return 0, classify(err)
	}
	return savequeue.OutcomeQueued, nil
}

func parseExpiry(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, apperrors.Permanent(apperrors.Wrap(apperrors.ErrInvalid, "expiry_date must be YYYY-MM-DD", err))
	}
	return &t, nil
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// classify maps a database error to a retryable or permanent queue error.
func classify(err error) error {
	code := sqlState(err)
	switch {
	case strings.HasPrefix(code, sqlClassIntegrityViolation),
		strings.HasPrefix(code, sqlClassDataException),
		code == sqlStateInsufficientPrivilege:
		return apperrors.Permanent(apperrors.Wrap(apperrors.ErrSaveRejected, "database rejected product", err))
	case code != "":
		return apperrors.Wrap(apperrors.ErrDatabase, "database error", err)
	}
	return apperrors.Wrap(apperrors.ErrBackendUnavailable, "database unavailable", err)
}
