package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/factoryos/auditledger/internal/audit"
	"github.com/factoryos/auditledger/internal/metrics"
)

type errorBody struct {
	Error      string `json:"error"`
	Class      string `json:"class"`
	Retryable  bool   `json:"retryable"`
	FailClosed *bool  `json:"fail_closed,omitempty"`
}

// statusFor maps an error class to an HTTP status code.
func statusFor(class audit.ErrorClass) int {
	switch class {
	case audit.ClassInvalid:
		return http.StatusBadRequest
	case audit.ClassNotFound:
		return http.StatusNotFound
	case audit.ClassConflict, audit.ClassImmutability:
		return http.StatusConflict
	case audit.ClassUnavailable:
		return http.StatusServiceUnavailable
	case audit.ClassTooLarge:
		return http.StatusRequestEntityTooLarge
	case audit.ClassCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorBody(w, err, nil)
}

// writeErrorBody reports err with its class. Internal errors are logged
// and answered with a generic message.
func writeErrorBody(w http.ResponseWriter, err error, failClosed *bool) {
	class := audit.Classify(err)
	body := errorBody{
		Error:      err.Error(),
		Class:      class.String(),
		Retryable:  audit.Retryable(err),
		FailClosed: failClosed,
	}
	if class == audit.ClassInternal {
		slog.Error("api request failed", "error", err)
		body.Error = "internal error"
	}
	writeJSON(w, statusFor(class), body)
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}

// observe records request counts and latency per route pattern, so
// /api/entries/1 and /api/entries/2 share one series.
func observe(rec *metrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			rec.ObserveHTTP(r.Method, route, status, time.Since(start))
		})
	}
}
