package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "usage_metering",
			Name:      "http_requests_total",
			Help:      "Number of HTTP requests by route and status code.",
		},
		[]string{"code", "method", "route"},
	)

	httpRequestDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "usage_metering",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests by route.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsCounter)
	prometheus.MustRegister(httpRequestDurationHistogram)
}

// prometheusMiddleware records every request under its chi route pattern.
func prometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && len(rctx.RoutePatterns) > 0 {
			route = strings.Join(rctx.RoutePatterns, "")
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsCounter.WithLabelValues(strconv.Itoa(status), r.Method, route).Inc()
		httpRequestDurationHistogram.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
