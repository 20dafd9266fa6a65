// Package handlers provides REST API handlers for the save queue.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/kimhsiao/shelfscan/backend/internal/errors"
	"github.com/kimhsiao/shelfscan/backend/internal/logging"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, status int, code apperrors.ErrorCode, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: string(code)})
}

// writeAppError maps an error code to its HTTP status.
func writeAppError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrInvalid:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrItemNotFailed:
		status = http.StatusConflict
	}

	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	writeError(w, status, code, message)
}
