package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// MetricsSink records per-request metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	HTTPRequestObserved(route, method string, status int, duration time.Duration)
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe reports each matched request under its route template so that
// path parameters do not explode label cardinality.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		h.metrics.HTTPRequestObserved(route, r.Method, rec.status, time.Since(start))
	})
}
