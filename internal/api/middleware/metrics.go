// metrics.go: Prometheus HTTP метрики портала.
// Регистрирует метрики: fr_http_requests_total, fr_http_request_duration_seconds.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fr_http_requests_total",
			Help: "Общее количество HTTP-запросов к relay-порталу",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fr_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к relay-порталу в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(time.Since(start).Seconds())
		})
	}
}

// normalizePath заменяет идентификаторы в пути на плейсхолдеры,
// чтобы кардинальность лейблов не росла.
// /api/v1/transfers/a1b2c3d4-... → /api/v1/transfers/{id}
// /api/v1/destinations/acme/test → /api/v1/destinations/{tenantID}/test
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/relays",
		"/api/v1/transfers",
		"/api/v1/transfers/latest",
		"/api/v1/transfers/stale",
		"/api/v1/destinations":
		return path
	}

	if rest, ok := strings.CutPrefix(path, "/api/v1/transfers/"); ok && rest != "" {
		return "/api/v1/transfers/{id}"
	}

	if rest, ok := strings.CutPrefix(path, "/api/v1/destinations/"); ok && rest != "" {
		if strings.HasSuffix(rest, "/test") {
			return "/api/v1/destinations/{tenantID}/test"
		}
		return "/api/v1/destinations/{tenantID}"
	}

	return "other"
}
