package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/kimhsiao/shelfscan/backend/cmd/shelfscan/handlers"
	"github.com/kimhsiao/shelfscan/backend/internal/events"
	"github.com/kimhsiao/shelfscan/backend/internal/logging"
	"github.com/kimhsiao/shelfscan/backend/internal/savequeue"
)

type middleware func(http.Handler) http.Handler
type middlewares []middleware

func (mws middlewares) apply(handler http.Handler) http.Handler {
	if len(mws) == 0 {
		return handler
	}
	return mws[1:].apply(mws[0](handler))
}

// newHandler builds the routed, logged HTTP handler.
func newHandler(q *savequeue.Queue, hub *events.Hub) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/health", handlers.NewHealthHandler(q, hub.ClientCount))
	handlers.NewSaveQueueHandler(q).Register(mux)
	mux.Handle("GET /ws", hub)

	return middlewares{recoverPanics, logRequests}.apply(mux)
}

// statusRecorder captures the response code for request logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for WebSocket upgrades.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/ws" {
			next.ServeHTTP(w, req)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func(start time.Time) {
			logging.Debug("HTTP request", map[string]interface{}{
				"method":      req.Method,
				"path":        req.URL.Path,
				"status":      rec.status,
				"remote_addr": req.RemoteAddr,
				"elapsed_ms":  time.Since(start).Milliseconds(),
			})
		}(time.Now())
		next.ServeHTTP(rec, req)
	})
}

func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if r := recover(); r != nil {
				if r == http.ErrAbortHandler {
					panic(r)
				}
				logging.Error("HTTP handler panicked", fmt.Errorf("%v", r), map[string]interface{}{
					"method": req.Method,
					"path":   req.URL.Path,
				})
				http.Error(w, `{"error":"internal error","code":"INTERNAL_ERROR"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}
