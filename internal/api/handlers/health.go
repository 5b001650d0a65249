// health.go: обработчики health endpoints.
// /health/live: liveness probe (процесс жив)
// /health/ready: readiness probe (PostgreSQL + JWKS доступны)
// /metrics: Prometheus метрики
package handlers

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fileflow/relay-portal/internal/config"
)

const serviceName = "relay-portal"

// ReadinessChecker: интерфейс проверки готовности зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status string, message string)
}

// HealthHandler: обработчик health endpoints.
type HealthHandler struct {
	pgChecker   ReadinessChecker
	jwksChecker ReadinessChecker
	promHandler http.Handler
}

// NewHealthHandler создаёт обработчик health endpoints.
// nil-checker означает "fail" для соответствующей зависимости.
func NewHealthHandler(pgChecker, jwksChecker ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		pgChecker:   pgChecker,
		jwksChecker: jwksChecker,
		promHandler: promhttp.Handler(),
	}
}

type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

type healthReadyResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
	Checks    struct {
		PostgreSQL healthCheckResult `json:"postgresql"`
		JWKS       healthCheckResult `json:"jwks"`
	} `json:"checks"`
}

// HealthLive: liveness probe. Возвращает 200 если процесс жив.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthLiveResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	})
}

// HealthReady: readiness probe. 200 (ok/degraded) или 503 (fail).
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	resp := healthReadyResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	}
	resp.Checks.PostgreSQL = check(h.pgChecker)
	resp.Checks.JWKS = check(h.jwksChecker)
	resp.Status = overallStatus(resp.Checks.PostgreSQL.Status, resp.Checks.JWKS.Status)

	status := http.StatusOK
	if resp.Status == "fail" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// GetMetrics: Prometheus метрики.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

func check(c ReadinessChecker) healthCheckResult {
	if c == nil {
		return healthCheckResult{Status: "fail", Message: "не инициализирован"}
	}
	status, msg := c.CheckReady()
	return healthCheckResult{Status: status, Message: msg}
}

// overallStatus даёт fail, если хоть одна зависимость fail, иначе degraded, если хоть одна degraded.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == "fail" {
			return "fail"
		}
		if s == "degraded" {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return "degraded"
	}
	return "ok"
}
