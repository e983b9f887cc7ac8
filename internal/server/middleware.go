package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// reqID returns the ID chi's RequestID middleware assigned to r.
func reqID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// exposeRequestID echoes the request ID in the response so clients can
// match a response envelope to server logs.
func exposeRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := reqID(r); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs each request after it completes. Requests addressed to
// one run carry its run_id.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
				"request_id", reqID(r),
			}
			if id := chi.URLParam(r, "id"); id != "" {
				attrs = append(attrs, "run_id", id)
			}
			logger.Info("request", attrs...)
		})
	}
}
