package api

import (
	"net/http"
	"time"

	"github.com/goorm-sudo/raillo/settlement/internal/metrics"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type logResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *logResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// MiddlewareLog records every request in the metrics registry under its route template
// and logs server errors.
func MiddlewareLog(m *metrics.Registry, logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqtime := time.Now()
			logrw := &logResponseWriter{w, http.StatusOK}
			next.ServeHTTP(logrw, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					path = tpl
				}
			}
			took := time.Since(reqtime)
			m.ObserveHTTP(path, logrw.status, took)
			if logrw.status >= http.StatusInternalServerError {
				logger.Error("Request failed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("code", logrw.status),
					zap.Duration("took", took),
				)
			}
		})
	}
}
