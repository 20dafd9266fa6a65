// Package errors tests for error codes and retry classification.
package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrSaveFailed, Message: "save product", Err: errors.New("connection reset")},
			want:     "[SAVE_FAILED] save product: connection reset",
		},
		{
			name:     "item not failed",
			appError: &AppError{Code: ErrItemNotFailed, Message: "item is saving"},
			want:     "[ITEM_NOT_FAILED] item is saving",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestWrap verifies error wrapping.
func TestWrap(t *testing.T) {
	underlyingErr := errors.New("underlying")

	err := Wrap(ErrDatabase, "query failed", underlyingErr)
	if err.Code != ErrDatabase {
		t.Errorf("Wrap() code = %q, want %q", err.Code, ErrDatabase)
	}
	if err.Message != "query failed" {
		t.Errorf("Wrap() message = %q, want 'query failed'", err.Message)
	}
	if !errors.Is(err, underlyingErr) {
		t.Error("Wrap() result should unwrap to the underlying error")
	}
}

// TestIs verifies error code checking through wrapped chains.
func TestIs(t *testing.T) {
	inner := New(ErrSaveRejected, "bad payload")

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching AppError", New(ErrNotFound, "not found"), ErrNotFound, true},
		{"non-matching AppError", New(ErrNotFound, "not found"), ErrInternal, false},
		{"wrapped by fmt", fmt.Errorf("attempt 3: %w", inner), ErrSaveRejected, true},
		{"nested AppError", Wrap(ErrSaveFailed, "save", inner), ErrSaveRejected, true},
		{"non-AppError", errors.New("standard error"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCodeOf verifies the outermost code is reported.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(Wrap(ErrSaveTimeout, "save", New(ErrSaveFailed, "x"))); got != ErrSaveTimeout {
		t.Errorf("CodeOf() = %q, want %q", got, ErrSaveTimeout)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %q, want %q", got, ErrInternal)
	}
}

// TestPermanent verifies retry classification.
func TestPermanent(t *testing.T) {
	base := New(ErrSaveRejected, "duplicate barcode")

	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}

	perm := Permanent(base)
	if !IsPermanent(perm) {
		t.Error("IsPermanent() = false for Permanent error")
	}
	if !IsPermanent(fmt.Errorf("wrapped: %w", perm)) {
		t.Error("IsPermanent() should see through fmt wrapping")
	}
	if IsPermanent(base) {
		t.Error("IsPermanent() = true for unmarked error")
	}
	if perm.Error() != base.Error() {
		t.Errorf("Permanent() changed message: %q", perm.Error())
	}
	if !Is(perm, ErrSaveRejected) {
		t.Error("Permanent() should keep the code visible")
	}
	if Permanent(perm) != perm {
		t.Error("Permanent() should not double wrap")
	}
}

// TestErrorCodes_areUnique verifies all error codes are unique.
func TestErrorCodes_areUnique(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound, ErrConfig,
		ErrDatabase, ErrMigration,
		ErrSaveFailed, ErrSaveRejected, ErrSaveTimeout, ErrItemNotFailed, ErrBackendUnavailable,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if code == "" {
			t.Error("ErrorCode should not be empty")
		}
		if seen[code] {
			t.Errorf("ErrorCode %q is duplicated", code)
		}
		seen[code] = true
	}
}
