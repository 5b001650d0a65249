// Пакет errors: конструкторы стандартных ошибок API портала.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors

import (
	"encoding/json"
	"net/http"
)

// Коды ошибок API.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeConflict        = "CONFLICT"
	CodeAccessDenied    = "ACCESS_DENIED"
	CodeInvalidFile     = "INVALID_FILE"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeInternalError   = "INTERNAL_ERROR"
)

// errorBody: структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail: детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode: HTTP статус-код, code, машиночитаемый код, message, описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError: 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound: 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized: 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden: 403 недостаточно прав (роль).
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// Conflict: 409 конфликт (дублирующийся ресурс).
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConflict, message)
}

// AccessDenied: 403 политика доступа отклонила relay.
func AccessDenied(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeAccessDenied, message)
}

// InvalidFile: 422 файл не прошёл проверку.
func InvalidFile(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnprocessableEntity, CodeInvalidFile, message)
}

// PayloadTooLarge: 413 тело запроса превышает лимит.
func PayloadTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, message)
}

// InternalError: 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
