package uuid

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("New() = %q, not a canonical item id", id)
		}
		if seen[id] {
			t.Fatalf("New() returned duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestNormalize(t *testing.T) {
	id := New()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"canonical", id, id, false},
		{"upper case", strings.ToUpper(id), id, false},
		{"surrounding space", "  " + id + " ", id, false},
		{"empty", "", "", true},
		{"garbage", "not-a-uuid", "", true},
		{"version 1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Normalize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsValid(t *testing.T) {
	if IsValid("550E8400-E29B-41D4-A716-446655440000") {
		t.Error("IsValid() should reject upper case ids")
	}
	if !IsValid("550e8400-e29b-41d4-a716-446655440000") {
		t.Error("IsValid() should accept canonical v4 ids")
	}
	if IsValid("550e8400-e29b-41d4-c716-446655440000") {
		t.Error("IsValid() should reject wrong variant bits")
	}
}
