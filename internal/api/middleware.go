package api

import (
	"net/http"
	"time"

	"github.com/oriys/nova/internal/logging"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// accessLogMiddleware records one AccessLog entry per request, matching
// the teacher's request-logging idiom.
func (h *Handler) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		requestID := newRequestID()

		next.ServeHTTP(rec, r)

		h.AccessLog.Log(&logging.AccessLog{
			RequestID:  requestID,
			Method:     r.Method,
			Path:       r.URL.Path,
			VMID:       r.PathValue("vmid"),
			StatusCode: rec.status,
			DurationMs: time.Since(start).Milliseconds(),
		})
	})
}
