package restapi

import (
	"net/http"
	"strconv"
	"time"

	"buswatch.org/internal/metrics"
)

// MetricsHandler returns middleware that records HTTP metrics. It must wrap
// the mux directly so that r.Pattern is set when it is read. A nil m gives
// a pass-through.
func MetricsHandler(m *metrics.Metrics) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newStatusRecorder(w)

			next.ServeHTTP(wrapped, r)

			// Patterns, not paths, keep label cardinality bounded.
			path := r.Pattern
			if path == "" {
				path = "unmatched"
			}
			m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			if wrapped.statusCode != http.StatusSwitchingProtocols {
				m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
			}
		})
	}
}
