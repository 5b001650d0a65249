// Пакет transfer: конечный автомат жизненного цикла попытки relay.
//
// Жизненный цикл только вперёд:
//
//	pending → processing → completed
//	pending → processing → error
//
// completed и error: терминальные. Регрессия и повторный переход
// в то же состояние запрещены. error допускает переход напрямую из pending,
// чтобы запись, сбой которой случился до processing, не оставалась висеть.
package transfer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fileflow/relay-portal/internal/domain/model"
)

// ErrInvalidTransition: сентинел для errors.Is над *TransitionError.
var ErrInvalidTransition = errors.New("недопустимый переход состояния")

// validTransitions: матрица допустимых переходов.
var validTransitions = map[model.TransferState]map[model.TransferState]bool{
	model.StatePending:    {model.StateProcessing: true, model.StateError: true},
	model.StateProcessing: {model.StateCompleted: true, model.StateError: true},
	model.StateCompleted:  {},
	model.StateError:      {},
}

// TransitionError: ошибка перехода между состояниями.
type TransitionError struct {
	Code    string // INVALID_TRANSITION, INVALID_ERROR_DETAIL
	From    model.TransferState
	To      model.TransferState
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is позволяет errors.Is(err, ErrInvalidTransition).
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// CanTransition проверяет допустимость перехода from → to.
func CanTransition(from, to model.TransferState) bool {
	transitions, ok := validTransitions[from]
	if !ok {
		return false
	}
	return transitions[to]
}

// Check проверяет переход и согласованность errorDetail:
// detail обязателен для error и запрещён для остальных состояний.
func Check(from, to model.TransferState, errorDetail string) error {
	if !IsValid(to) {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			From:    from,
			To:      to,
			Message: fmt.Sprintf("недопустимое целевое состояние: %q", to),
		}
	}

	if !CanTransition(from, to) {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			From:    from,
			To:      to,
			Message: fmt.Sprintf("переход %s → %s недопустим", from, to),
		}
	}

	hasDetail := strings.TrimSpace(errorDetail) != ""
	if to == model.StateError && !hasDetail {
		return &TransitionError{
			Code:    "INVALID_ERROR_DETAIL",
			From:    from,
			To:      to,
			Message: "переход в error требует непустой error_detail",
		}
	}
	if to != model.StateError && hasDetail {
		return &TransitionError{
			Code:    "INVALID_ERROR_DETAIL",
			From:    from,
			To:      to,
			Message: fmt.Sprintf("error_detail допустим только для error, получен переход в %s", to),
		}
	}

	return nil
}

// IsTerminal сообщает, что из состояния нет переходов.
func IsTerminal(s model.TransferState) bool {
	return s == model.StateCompleted || s == model.StateError
}

// IsValid проверяет, является ли значение известным состоянием.
func IsValid(s model.TransferState) bool {
	_, ok := validTransitions[s]
	return ok
}

// ParseState преобразует строку в TransferState.
func ParseState(s string) (model.TransferState, error) {
	st := model.TransferState(s)
	if !IsValid(st) {
		return "", fmt.Errorf("недопустимое состояние: %q, допустимые: pending, processing, completed, error", s)
	}
	return st, nil
}
