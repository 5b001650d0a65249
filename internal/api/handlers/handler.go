// handler.go: основной обработчик API relay-портала.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/fileflow/relay-portal/internal/api/errors"
	"github.com/fileflow/relay-portal/internal/api/middleware"
	"github.com/fileflow/relay-portal/internal/domain/model"
	"github.com/fileflow/relay-portal/internal/service"
)

// Relayer выполняет одну попытку relay.
type Relayer interface {
	Relay(ctx context.Context, req service.RelayRequest) (*service.RelayResult, error)
}

// TransferReader: чтение истории relay.
type TransferReader interface {
	List(ctx context.Context, caller service.Caller, filter model.TransferFilter, limit, offset int) (*service.TransferPage, error)
	Get(ctx context.Context, caller service.Caller, id string) (*model.TransferRecord, error)
	Latest(ctx context.Context, caller service.Caller, key model.FileKey) (*model.TransferRecord, error)
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*model.TransferRecord, error)
}

// DestinationManager: управление FTP-назначениями.
type DestinationManager interface {
	List(ctx context.Context) ([]*model.Destination, error)
	Get(ctx context.Context, tenantID string) (*model.Destination, error)
	Create(ctx context.Context, params service.CreateDestinationParams) (*model.Destination, error)
	Update(ctx context.Context, tenantID string, params service.UpdateDestinationParams) (*model.Destination, error)
	Delete(ctx context.Context, tenantID string) error
	TestConnection(ctx context.Context, tenantID string) (*service.ConnectionCheck, error)
}

// APIHandler: основной обработчик API relay-портала.
type APIHandler struct {
	health       *HealthHandler
	relays       Relayer
	transfers    TransferReader
	destinations DestinationManager
	maxFileSize  int64
	logger       *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
// maxFileSize ограничивает размер файла до декодирования base64.
func NewAPIHandler(
	health *HealthHandler,
	relays Relayer,
	transfers TransferReader,
	destinations DestinationManager,
	maxFileSize int64,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:       health,
		relays:       relays,
		transfers:    transfers,
		destinations: destinations,
		maxFileSize:  maxFileSize,
		logger:       logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive: liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady: readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics: Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// callerFromRequest возвращает инициатора запроса из JWT claims.
func callerFromRequest(r *http.Request) (service.Caller, bool) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		return service.Caller{}, false
	}
	return service.Caller{IdentityID: claims.Subject, Role: claims.Role}, true
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
// Неизвестные ошибки логируются и отдаются как 500 без деталей.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	default:
		h.logger.Error(msg,
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, msg)
	}
}
