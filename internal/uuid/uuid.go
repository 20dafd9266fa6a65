// Package uuid generates and validates save queue item identifiers.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Item IDs are canonical lowercase UUID v4 strings.
var itemIDRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// New generates a new item ID.
func New() string {
	return uuid.New().String()
}

// Normalize parses s as a UUID v4 and returns its canonical form.
// Callers use it on IDs that arrive from URLs, which may be upper case.
func Normalize(s string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid item id %q: %w", s, err)
	}
	if id.Version() != 4 {
		return "", fmt.Errorf("invalid item id %q: expected UUID v4, got v%d", s, id.Version())
	}
	return id.String(), nil
}

// IsValid reports whether s is already a canonical item ID.
func IsValid(s string) bool {
	return itemIDRegex.MatchString(s)
}
