package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routeUnmatched labels requests no route claimed, such as 404s.
const routeUnmatched = "unmatched"

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busytex_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		},
		[]string{"method", "route", "status"},
	)

	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "busytex_http_request_duration_seconds",
			Help:    "HTTP request latency. Sync compiles run for the whole compile.",
			Buckets: []float64{.005, .025, .1, .5, 1, 2.5, 5, 15, 30, 60, 120},
		},
		[]string{"method", "route"},
	)

	httpResponseBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "busytex_http_response_bytes",
			Help:    "HTTP response body size. PDF downloads dominate the upper buckets.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 9),
		},
		[]string{"route"},
	)

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "busytex_http_requests_in_flight",
			Help: "HTTP requests being served, including open log streams.",
		},
	)

	rateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "busytex_http_rate_limited_total",
			Help: "Compile submissions rejected by the rate limiter.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequests, httpLatency, httpResponseBytes, httpInFlight, rateLimitHits)
}

// metricsMiddleware records every request under its chi route pattern, so
// compile ids do not become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routeOf(r)
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		httpResponseBytes.WithLabelValues(route).Observe(float64(ww.BytesWritten()))
	})
}

func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return routeUnmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
