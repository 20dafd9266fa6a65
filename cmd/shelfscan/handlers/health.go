package handlers

import (
	"net/http"

	"github.com/kimhsiao/shelfscan/backend/internal/savequeue"
)

// HealthHandler reports liveness and the queue processor's state.
type HealthHandler struct {
	queue   *savequeue.Queue
	clients func() int
}

// NewHealthHandler creates a HealthHandler. clients may be nil.
func NewHealthHandler(queue *savequeue.Queue, clients func() int) *HealthHandler {
	return &HealthHandler{queue: queue, clients: clients}
}

// ServeHTTP handles GET /api/health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		return
	}

	status := h.queue.Status()
	response := map[string]interface{}{
		"status":  "ok",
		"service": "shelfscan",
		"queue":   status,
	}
	if !status.IsRunning {
		response["status"] = "degraded"
	}
	if h.clients != nil {
		response["ws_clients"] = h.clients()
	}
	writeJSON(w, http.StatusOK, response)
}
