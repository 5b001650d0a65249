// transfers.go: обработчики /api/v1/transfers endpoints.
// История relay, последний статус файла и зависшие записи.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/fileflow/relay-portal/internal/api/errors"
	"github.com/fileflow/relay-portal/internal/domain/model"
	"github.com/fileflow/relay-portal/internal/domain/transfer"
)

type transferResponse struct {
	ID             string    `json:"id"`
	IdentityID     string    `json:"identity_id"`
	TenantID       string    `json:"tenant_id"`
	DocumentTypeID string    `json:"document_type_id"`
	ReferenceMonth string    `json:"reference_month"`
	FileName       string    `json:"file_name"`
	FileSizeBytes  int64     `json:"file_size_bytes"`
	State          string    `json:"state"`
	ErrorDetail    *string   `json:"error_detail,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type transferListResponse struct {
	Items  []transferResponse `json:"items"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

func mapTransfer(rec *model.TransferRecord) transferResponse {
	return transferResponse{
		ID:             rec.ID,
		IdentityID:     rec.IdentityID,
		TenantID:       rec.TenantID,
		DocumentTypeID: rec.DocumentTypeID,
		ReferenceMonth: rec.ReferenceMonth,
		FileName:       rec.FileName,
		FileSizeBytes:  rec.FileSizeBytes,
		State:          string(rec.State),
		ErrorDetail:    rec.ErrorDetail,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func mapTransfers(recs []*model.TransferRecord) []transferResponse {
	items := make([]transferResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, mapTransfer(rec))
	}
	return items
}

// ListTransfers: GET /api/v1/transfers.
// Фильтры: tenant_id, state, reference_month. Пагинация: limit, offset.
func (h *APIHandler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(r)
	if !ok {
		apierrors.Unauthorized(w, "Отсутствуют claims")
		return
	}

	q := r.URL.Query()
	var filter model.TransferFilter
	if v := q.Get("tenant_id"); v != "" {
		filter.TenantID = &v
	}
	if v := q.Get("state"); v != "" {
		st, err := transfer.ParseState(v)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		filter.State = &st
	}
	if v := q.Get("reference_month"); v != "" {
		filter.ReferenceMonth = &v
	}

	limit, err := intParam(q.Get("limit"))
	if err != nil {
		apierrors.ValidationError(w, "limit: ожидается целое число")
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		apierrors.ValidationError(w, "offset: ожидается целое число")
		return
	}

	page, err := h.transfers.List(r.Context(), caller, filter, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка получения истории relay")
		return
	}

	writeJSON(w, http.StatusOK, transferListResponse{
		Items:  mapTransfers(page.Items),
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

// GetTransfer: GET /api/v1/transfers/{id}.
func (h *APIHandler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(r)
	if !ok {
		apierrors.Unauthorized(w, "Отсутствуют claims")
		return
	}

	rec, err := h.transfers.Get(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка получения записи relay")
		return
	}
	writeJSON(w, http.StatusOK, mapTransfer(rec))
}

// GetLatestTransfer: GET /api/v1/transfers/latest.
// Последняя попытка для (tenant_id, document_type_id, reference_month, file_name).
func (h *APIHandler) GetLatestTransfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(r)
	if !ok {
		apierrors.Unauthorized(w, "Отсутствуют claims")
		return
	}

	q := r.URL.Query()
	rec, err := h.transfers.Latest(r.Context(), caller, model.FileKey{
		TenantID:       q.Get("tenant_id"),
		DocumentTypeID: q.Get("document_type_id"),
		ReferenceMonth: q.Get("reference_month"),
		FileName:       q.Get("file_name"),
	})
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка получения статуса файла")
		return
	}
	writeJSON(w, http.StatusOK, mapTransfer(rec))
}

// ListStaleTransfers: GET /api/v1/transfers/stale?older_than=15m.
// Доступ: staff (проверяется в роутере).
func (h *APIHandler) ListStaleTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	olderThan := 15 * time.Minute
	if v := q.Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			apierrors.ValidationError(w, "older_than: ожидается длительность, например 15m")
			return
		}
		olderThan = d
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		apierrors.ValidationError(w, "limit: ожидается целое число")
		return
	}

	items, err := h.transfers.ListStale(r.Context(), olderThan, limit)
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка получения зависших записей")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mapTransfers(items)})
}

// intParam разбирает необязательный целочисленный параметр (пустой: 0).
func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
