// Package models provides data model definitions for the shelfscan backend.
package models

import (
	"database/sql/driver"
	"fmt"
	"math"
	"strings"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// ProductDraft is a scanned or hand-entered product waiting to be written to the backend.
type ProductDraft struct {
	Name       string  `json:"name"`
	Barcode    string  `json:"barcode"`
	Price      float64 `json:"price"`
	Quantity   int     `json:"quantity"`
	Category   string  `json:"category,omitempty"`
	ExpiryDate string  `json:"expiry_date,omitempty"` // YYYY-MM-DD
	ImageURL   string  `json:"image_url,omitempty"`

	// StageOnly asks the persister to write to the staging table instead of products.
	StageOnly bool `json:"stage_only,omitempty"`
}

// Normalize trims whitespace from the descriptive fields.
func (p *ProductDraft) Normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.Barcode = strings.TrimSpace(p.Barcode)
	p.Category = strings.TrimSpace(p.Category)
	p.ExpiryDate = strings.TrimSpace(p.ExpiryDate)
}

// Validate checks the draft can identify a product.
func (p *ProductDraft) Validate() error {
	if p.Name == "" && p.Barcode == "" {
		return fmt.Errorf("product needs a name or a barcode")
	}
	if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) {
		return fmt.Errorf("price must be a finite number")
	}
	if p.Price < 0 {
		return fmt.Errorf("price must not be negative")
	}
	if p.Quantity < 0 {
		return fmt.Errorf("quantity must not be negative")
	}
	return nil
}
