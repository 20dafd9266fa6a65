package backend

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/shelfscan/backend/internal/errors"
	"github.com/kimhsiao/shelfscan/backend/internal/savequeue"
)

type execCall struct {
	sql  string
	args []any
}

// fakeExecer records statements and fails those whose SQL contains a key of errs.
type fakeExecer struct {
	calls []execCall
	errs  map[string]error
}

func (f *fakeExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	for fragment, err := range f.errs {
		if strings.Contains(sql, fragment) {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func newFakePersister(errs map[string]error) (*PostgresPersister, *fakeExecer) {
	fake := &fakeExecer{errs: errs}
	p := newPostgresPersister(fake)
	p.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return p, fake
}

func TestPostgresPersister_Save_upsert(t *testing.T) {
	p, fake := newFakePersister(nil)

	payload := json.RawMessage(`{"name":"Rice 5kg","barcode":"885","price":9.9,"quantity":2,"expiry_date":"2027-01-31"}`)
	outcome, err := p.Save(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, savequeue.OutcomeSaved, outcome)

	require.Len(t, fake.calls, 1)
	call := fake.calls[0]
	assert.Contains(t, call.sql, "INSERT INTO products")
	assert.Contains(t, call.sql, "ON CONFLICT (barcode) DO UPDATE")
	require.Len(t, call.args, 7)
	assert.Equal(t, "Rice 5kg", call.args[0])
	assert.Equal(t, "885", *call.args[1].(*string))
	assert.Equal(t, 9.9, call.args[2])
	assert.Equal(t, 2, call.args[3])
	assert.Nil(t, call.args[4].(*string))
	assert.Equal(t, time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC), *call.args[5].(*time.Time))
}

func TestPostgresPersister_Save_stageOnly(t *testing.T) {
	p, fake := newFakePersister(nil)

	payload := json.RawMessage(`{"name":"Unknown snack","barcode":"991","stage_only":true}`)
	ctx := savequeue.WithItemID(context.Background(), "item-1")
	outcome, err := p.Save(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, savequeue.OutcomeQueued, outcome)

	require.Len(t, fake.calls, 1)
	assert.Contains(t, fake.calls[0].sql, "INSERT INTO product_staging")
	assert.Contains(t, fake.calls[0].sql, "ON CONFLICT (item_id)")
	assert.Equal(t, "item-1", fake.calls[0].args[0])
	assert.Equal(t, string(payload), fake.calls[0].args[3])
}

// TestPostgresPersister_Save_noBarcodeReplayIsKeyed verifies a draft without
// a barcode never reaches the barcode upsert and replays onto the same staging row.
func TestPostgresPersister_Save_noBarcodeReplayIsKeyed(t *testing.T) {
	p, fake := newFakePersister(nil)
	payload := json.RawMessage(`{"name":"Loose apples","price":0.4}`)
	ctx := savequeue.WithItemID(context.Background(), "item-7")

	for i := 0; i < 2; i++ {
		outcome, err := p.Save(ctx, payload)
		require.NoError(t, err)
		assert.Equal(t, savequeue.OutcomeQueued, outcome)
	}

	require.Len(t, fake.calls, 2)
	for _, call := range fake.calls {
		assert.NotContains(t, call.sql, "INTO products")
		assert.Contains(t, call.sql, "ON CONFLICT (item_id)")
		assert.Equal(t, "item-7", call.args[0])
		assert.Nil(t, call.args[2].(*string))
	}
}

func TestPostgresPersister_ensureStaging(t *testing.T) {
	p, fake := newFakePersister(nil)
	require.NoError(t, p.ensureStaging(context.Background()))

	require.Len(t, fake.calls, len(stagingSchema))
	assert.Contains(t, fake.calls[2].sql, "UNIQUE INDEX IF NOT EXISTS product_staging_item_id")

	p, _ = newFakePersister(map[string]error{"ALTER TABLE": errors.New("permission denied")})
	assert.Error(t, p.ensureStaging(context.Background()))
}

func TestPostgresPersister_Save_missingTableFallsBackToStaging(t *testing.T) {
	p, fake := newFakePersister(map[string]error{
		"INTO products": &pgconn.PgError{Code: "42P01", Message: `relation "products" does not exist`},
	})

	outcome, err := p.Save(context.Background(), milkPayload)
	require.NoError(t, err)
	assert.Equal(t, savequeue.OutcomeQueued, outcome)
	require.Len(t, fake.calls, 2)
	assert.Contains(t, fake.calls[1].sql, "product_staging")
}

func TestPostgresPersister_Save_errorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
		code      apperrors.ErrorCode
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, true, apperrors.ErrSaveRejected},
		{"check violation", &pgconn.PgError{Code: "23514"}, true, apperrors.ErrSaveRejected},
		{"numeric out of range", &pgconn.PgError{Code: "22003"}, true, apperrors.ErrSaveRejected},
		{"permission denied", &pgconn.PgError{Code: "42501"}, true, apperrors.ErrSaveRejected},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, false, apperrors.ErrDatabase},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, false, apperrors.ErrDatabase},
		{"connection refused", errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), false, apperrors.ErrBackendUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newFakePersister(map[string]error{"INTO products": tt.err})

			_, err := p.Save(context.Background(), milkPayload)
			require.Error(t, err)
			assert.Equal(t, tt.permanent, apperrors.IsPermanent(err))
			assert.True(t, apperrors.Is(err, tt.code), "error %v should carry %s", err, tt.code)
		})
	}
}

func TestPostgresPersister_Save_stagingFailure(t *testing.T) {
	p, _ := newFakePersister(map[string]error{
		"INTO products":        &pgconn.PgError{Code: "42P01"},
		"INTO product_staging": errors.New("connection reset"),
	})

	_, err := p.Save(context.Background(), milkPayload)
	require.Error(t, err)
	assert.False(t, apperrors.IsPermanent(err))
}

func TestPostgresPersister_Save_badExpiry(t *testing.T) {
	p, fake := newFakePersister(nil)

	_, err := p.Save(context.Background(), json.RawMessage(`{"name":"x","expiry_date":"31/01/2027"}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsPermanent(err))
	assert.Empty(t, fake.calls)
}

func TestNewPostgresPersister_invalidConnString(t *testing.T) {
	_, err := NewPostgresPersister(context.Background(), "postgres://%zz")
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig), "got %v", err)
}

// TestPersisters_implementInterface keeps both persisters assignable to the queue.
func TestPersisters_implementInterface(t *testing.T) {
	var _ savequeue.Persister = (*RESTPersister)(nil)
	var _ savequeue.Persister = (*PostgresPersister)(nil)
}
