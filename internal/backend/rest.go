// Package backend implements savequeue.Persister against the remote product store.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/shelfscan/backend/internal/errors"
	"github.com/kimhsiao/shelfscan/backend/internal/savequeue"
)

// DefaultTable is the table products are written to.
const DefaultTable = "products"

// maxErrorBody bounds how much of a rejected response is kept in the error.
const maxErrorBody = 512

// RESTConfig configures a RESTPersister.
type RESTConfig struct {
	BaseURL string // e.g. https://xyz.supabase.co
	APIKey  string
	Table   string // default "products"
	Timeout time.Duration
}

// RESTPersister upserts products through a PostgREST-style endpoint.
type RESTPersister struct {
	config     RESTConfig
	endpoint   string
	httpClient *http.Client
}

// NewRESTPersister creates a persister for the given endpoint.
func NewRESTPersister(config RESTConfig) (*RESTPersister, error) {
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperrors.New(apperrors.ErrConfig, fmt.Sprintf("invalid backend url %q", config.BaseURL))
	}
	if config.Table == "" {
		config.Table = DefaultTable
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	endpoint := base.JoinPath("rest", "v1", config.Table)
	endpoint.RawQuery = url.Values{"on_conflict": {"barcode"}}.Encode()

	return &RESTPersister{
		config:   config,
		endpoint: endpoint.String(),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Endpoint returns the URL products are posted to.
func (p *RESTPersister) Endpoint() string {
	return p.endpoint
}

// Save implements savequeue.Persister.
func (p *RESTPersister) Save(ctx context.Context, payload json.RawMessage) (savequeue.Outcome, error) {
	body, err := productRow(payload)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, apperrors.Permanent(apperrors.Wrap(apperrors.ErrConfig, "build backend request", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")
	if id, ok := savequeue.ItemID(ctx); ok {
		req.Header.Set("Idempotency-Key", id)
	}
	if p.config.APIKey != "" {
		req.Header.Set("apikey", p.config.APIKey)
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrBackendUnavailable, "backend request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		io.Copy(io.Discard, resp.Body)
		return savequeue.OutcomeSaved, nil
	case http.StatusAccepted:
		io.Copy(io.Discard, resp.Body)
		return savequeue.OutcomeQueued, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := fmt.Errorf("backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if isRejection(resp.StatusCode) {
		return 0, apperrors.Permanent(apperrors.Wrap(apperrors.ErrSaveRejected, "backend rejected product", statusErr))
	}
	return 0, apperrors.Wrap(apperrors.ErrBackendUnavailable, "backend unavailable", statusErr)
}

// isRejection reports whether retrying the same request cannot succeed.
func isRejection(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}
