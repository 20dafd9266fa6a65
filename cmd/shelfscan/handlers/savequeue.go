package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/shelfscan/backend/internal/errors"
	"github.com/kimhsiao/shelfscan/backend/internal/models"
	"github.com/kimhsiao/shelfscan/backend/internal/savequeue"
	"github.com/kimhsiao/shelfscan/backend/internal/uuid"
)

// maxDraftBytes bounds a product submission; images travel as URLs, not inline.
const maxDraftBytes = 64 << 10

// SaveQueueHandler exposes the save queue over HTTP.
type SaveQueueHandler struct {
	queue *savequeue.Queue
}

// NewSaveQueueHandler creates a new SaveQueueHandler.
func NewSaveQueueHandler(queue *savequeue.Queue) *SaveQueueHandler {
	return &SaveQueueHandler{queue: queue}
}

// Register adds the save queue routes to mux.
func (h *SaveQueueHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/save-queue", h.Enqueue)
	mux.HandleFunc("GET /api/save-queue", h.List)
	mux.HandleFunc("GET /api/save-queue/stats", h.Stats)
	mux.HandleFunc("GET /api/save-queue/failed", h.Failed)
	mux.HandleFunc("POST /api/save-queue/retry-failed", h.RetryAllFailed)
	mux.HandleFunc("GET /api/save-queue/{id}", h.Get)
	mux.HandleFunc("POST /api/save-queue/{id}/retry", h.Retry)
}

// Enqueue handles POST /api/save-queue
// Accepts a product draft and returns its queue id without waiting for the backend.
func (h *SaveQueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var draft models.ProductDraft
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDraftBytes)).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.ErrInvalid, "Invalid request body")
		return
	}

	draft.Normalize()
	if err := draft.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.ErrInvalid, err.Error())
		return
	}

	id, err := h.queue.Enqueue(draft)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     id,
		"status": savequeue.StatusPending,
	})
}

// List handles GET /api/save-queue
func (h *SaveQueueHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.List())
}

// Stats handles GET /api/save-queue/stats
func (h *SaveQueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Stats())
}

// Failed handles GET /api/save-queue/failed
// Returns the items waiting for a manual retry.
func (h *SaveQueueHandler) Failed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.FailedItems())
}

// Get handles GET /api/save-queue/{id}
func (h *SaveQueueHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	item, found := h.queue.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, apperrors.ErrNotFound, "Save queue item not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// Retry handles POST /api/save-queue/{id}/retry
// Only failed items can be retried; anything else is a conflict.
func (h *SaveQueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.queue.RetryFailed(id); err != nil {
		writeAppError(w, err)
		return
	}

	item, _ := h.queue.Get(id)
	writeJSON(w, http.StatusOK, item)
}

// RetryAllFailed handles POST /api/save-queue/retry-failed
func (h *SaveQueueHandler) RetryAllFailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reset": h.queue.RetryAllFailed(),
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Normalize(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, apperrors.ErrInvalid, "Invalid save queue item id")
		return "", false
	}
	return id, true
}
