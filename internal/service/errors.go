// errors.go: ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"

	"github.com/fileflow/relay-portal/internal/domain/transfer"
)

var (
	// ErrNotFound: ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict: конфликт (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт: ресурс уже существует")
	// ErrValidation: ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrDestinationNotFound: для компании не настроено FTP-назначение.
	ErrDestinationNotFound = errors.New("destination not configured")
	// ErrInvalidTransition: попытка недопустимого перехода состояния записи.
	// Ошибка программиста: никогда не подавляется.
	ErrInvalidTransition = transfer.ErrInvalidTransition
	// ErrDestinationUnavailable: FTP-назначение недоступно (проверка соединения).
	ErrDestinationUnavailable = errors.New("FTP-назначение недоступно")
)
