package backend

import (
	"encoding/json"

	apperrors "github.com/kimhsiao/shelfscan/backend/internal/errors"
	"github.com/kimhsiao/shelfscan/backend/internal/models"
)

// productRecord is the column layout of the products and product_staging tables.
// Empty optional fields are sent as NULL so the unique barcode index ignores them.
type productRecord struct {
	Name       string  `json:"name"`
	Barcode    *string `json:"barcode"`
	Price      float64 `json:"price"`
	Quantity   int     `json:"quantity"`
	Category   *string `json:"category"`
	ExpiryDate *string `json:"expiry_date"`
	ImageURL   *string `json:"image_url"`
}

// decodeDraft parses a queued payload. A payload that is not a valid product
// can never be saved, so the error is permanent.
func decodeDraft(payload json.RawMessage) (models.ProductDraft, error) {
	var draft models.ProductDraft
	if err := json.Unmarshal(payload, &draft); err != nil {
		return draft, apperrors.Permanent(apperrors.Wrap(apperrors.ErrInvalid, "payload is not a product", err))
	}
	draft.Normalize()
	if err := draft.Validate(); err != nil {
		return draft, apperrors.Permanent(apperrors.Wrap(apperrors.ErrInvalid, "invalid product", err))
	}
	return draft, nil
}

func toRecord(d models.ProductDraft) productRecord {
	return productRecord{
		Name:       d.Name,
		Barcode:    nullable(d.Barcode),
		Price:      d.Price,
		Quantity:   d.Quantity,
		Category:   nullable(d.Category),
		ExpiryDate: nullable(d.ExpiryDate),
		ImageURL:   nullable(d.ImageURL),
	}
}

// productRow decodes a payload and renders it as a products row.
func productRow(payload json.RawMessage) ([]byte, error) {
	draft, err := decodeDraft(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(toRecord(draft))
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
