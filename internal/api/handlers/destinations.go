// destinations.go: обработчики /api/v1/destinations endpoints.
// CRUD FTP-назначений и проверка соединения. Доступ: staff (проверяется в роутере).
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/fileflow/relay-portal/internal/api/errors"
	"github.com/fileflow/relay-portal/internal/domain/model"
	"github.com/fileflow/relay-portal/internal/service"
)

// destinationResponse: пароль наружу не отдаётся, только признак has_secret.
type destinationResponse struct {
	TenantID  string    `json:"tenant_id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	HasSecret bool      `json:"has_secret"`
	BasePath  string    `json:"base_path"`
	UseTLS    bool      `json:"use_tls"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type destinationCreateRequest struct {
	TenantID string  `json:"tenant_id"`
	Host     string  `json:"host"`
	Port     *int    `json:"port"`
	Username string  `json:"username"`
	Secret   string  `json:"secret"`
	BasePath *string `json:"base_path"`
	UseTLS   *bool   `json:"use_tls"`
}

type destinationUpdateRequest struct {
	Host     *string `json:"host"`
	Port     *int    `json:"port"`
	Username *string `json:"username"`
	Secret   *string `json:"secret"`
	BasePath *string `json:"base_path"`
	UseTLS   *bool   `json:"use_tls"`
}

type connectionCheckResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func mapDestination(d *model.Destination) destinationResponse {
	return destinationResponse{
		TenantID:  d.TenantID,
		Host:      d.Host,
		Port:      d.Port,
		Username:  d.Username,
		HasSecret: d.Secret != "",
		BasePath:  d.BasePath,
		UseTLS:    d.UseTLS,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// ListDestinations: GET /api/v1/destinations.
func (h *APIHandler) ListDestinations(w http.ResponseWriter, r *http.Request) {
	list, err := h.destinations.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка получения списка назначений")
		return
	}

	items := make([]destinationResponse, 0, len(list))
	for _, d := range list {
		items = append(items, mapDestination(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// CreateDestination: POST /api/v1/destinations.
func (h *APIHandler) CreateDestination(w http.ResponseWriter, r *http.Request) {
	var req destinationCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	dest, err := h.destinations.Create(r.Context(), service.CreateDestinationParams{
		TenantID: req.TenantID,
		Host:     req.Host,
		Port:     req.Port,
		Username: req.Username,
		Secret:   req.Secret,
		BasePath: req.BasePath,
		UseTLS:   req.UseTLS,
	})
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка создания назначения")
		return
	}
	writeJSON(w, http.StatusCreated, mapDestination(dest))
}

// GetDestination: GET /api/v1/destinations/{tenantID}.
func (h *APIHandler) GetDestination(w http.ResponseWriter, r *http.Request) {
	dest, err := h.destinations.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка получения назначения")
		return
	}
	writeJSON(w, http.StatusOK, mapDestination(dest))
}

// UpdateDestination: PUT /api/v1/destinations/{tenantID}. Отсутствующие поля не меняются.
func (h *APIHandler) UpdateDestination(w http.ResponseWriter, r *http.Request) {
	var req destinationUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	dest, err := h.destinations.Update(r.Context(), chi.URLParam(r, "tenantID"), service.UpdateDestinationParams{
		Host:     req.Host,
		Port:     req.Port,
		Username: req.Username,
		Secret:   req.Secret,
		BasePath: req.BasePath,
		UseTLS:   req.UseTLS,
	})
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка обновления назначения")
		return
	}
	writeJSON(w, http.StatusOK, mapDestination(dest))
}

// DeleteDestination: DELETE /api/v1/destinations/{tenantID}.
func (h *APIHandler) DeleteDestination(w http.ResponseWriter, r *http.Request) {
	if err := h.destinations.Delete(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		h.writeServiceError(w, r, err, "Ошибка удаления назначения")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestDestination: POST /api/v1/destinations/{tenantID}/test.
// Недоступный FTP: 200 с ok=false, а не ошибка.
func (h *APIHandler) TestDestination(w http.ResponseWriter, r *http.Request) {
	res, err := h.destinations.TestConnection(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка проверки соединения")
		return
	}
	writeJSON(w, http.StatusOK, connectionCheckResponse{OK: res.OK, Message: res.Message})
}
