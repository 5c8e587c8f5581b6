package middleware

import (
	"net/http"

	"github.com/andrewpaige1/ideaflow-api/metrics"

	"github.com/felixge/httpsnoop"
	"go.uber.org/zap"
)

// RequestLogger logs every request and records its status and duration.
// The route label is the matched ServeMux pattern, so path parameters do not
// explode metric cardinality.
func RequestLogger(logger *zap.Logger, m *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snoop := httpsnoop.CaptureMetrics(next, w, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			m.RecordHTTPRequest(r.Method, route, snoop.Code, snoop.Duration)
			logger.Info("handled",
				zap.String("method", r.Method),
				zap.String("url", r.URL.String()),
				zap.String("route", route),
				zap.Int("status", snoop.Code),
				zap.Duration("duration", snoop.Duration),
				zap.Int64("bytes", snoop.Written),
			)
		})
	}
}
