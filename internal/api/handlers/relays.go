// relays.go: обработчик POST /api/v1/relays.
// Файл приходит в JSON как base64 и декодируется до передачи в сервис.
package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	apierrors "github.com/fileflow/relay-portal/internal/api/errors"
	"github.com/fileflow/relay-portal/internal/service"
)

// relayBodySlack: запас на JSON-поля помимо file_base64.
const relayBodySlack = 64 << 10

type relayRequest struct {
	TenantID       string  `json:"tenant_id"`
	DocumentTypeID string  `json:"document_type_id"`
	ReferenceMonth string  `json:"reference_month"`
	FileName       string  `json:"file_name"`
	FileBase64     *string `json:"file_base64"`
}

type relayResponse struct {
	RecordID    string `json:"record_id"`
	State       string `json:"state"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

// CreateRelay: POST /api/v1/relays.
// 201: доставлено; 403, отказ доступа; 422, файл не прошёл проверку;
// 502: запись завершена в error (назначение не настроено, сбой FTP).
func (h *APIHandler) CreateRelay(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(r)
	if !ok {
		apierrors.Unauthorized(w, "Отсутствуют claims")
		return
	}

	if limit := h.maxRelayBody(); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.PayloadTooLarge(w, "Размер запроса превышает допустимый")
			return
		}
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	if req.FileBase64 == nil {
		apierrors.ValidationError(w, "file_base64 обязателен")
		return
	}
	payload, err := base64.StdEncoding.DecodeString(*req.FileBase64)
	if err != nil {
		apierrors.ValidationError(w, "file_base64: некорректный base64")
		return
	}

	result, err := h.relays.Relay(r.Context(), service.RelayRequest{
		IdentityID:     caller.IdentityID,
		TenantID:       req.TenantID,
		DocumentTypeID: req.DocumentTypeID,
		ReferenceMonth: req.ReferenceMonth,
		FileName:       req.FileName,
		Payload:        payload,
	})
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка выполнения relay")
		return
	}

	switch result.Outcome {
	case service.OutcomeCompleted:
		writeJSON(w, http.StatusCreated, relayResponse{RecordID: result.RecordID, State: "completed"})
	case service.OutcomeDenied:
		apierrors.AccessDenied(w, result.Reason)
	case service.OutcomeInvalid:
		apierrors.InvalidFile(w, result.Reason)
	case service.OutcomeFailed:
		writeJSON(w, http.StatusBadGateway, relayResponse{
			RecordID:    result.RecordID,
			State:       "error",
			ErrorDetail: result.Reason,
		})
	default:
		h.logger.Error("Неизвестный исход relay", "outcome", string(result.Outcome))
		apierrors.InternalError(w, "Ошибка выполнения relay")
	}
}

// maxRelayBody: размер base64 для maxFileSize плюс запас на остальные поля.
func (h *APIHandler) maxRelayBody() int64 {
	if h.maxFileSize <= 0 {
		return 0
	}
	return int64(base64.StdEncoding.EncodedLen(int(h.maxFileSize))) + relayBodySlack
}
