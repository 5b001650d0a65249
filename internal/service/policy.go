// policy.go: проверка прав на relay (членство в компании
// и разрешённость типа документа для компании).
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fileflow/relay-portal/internal/repository"
)

// Decision: результат проверки доступа. Отказ, не ошибка.
type Decision struct {
	Allowed bool
	Reason  string
}

// Причины отказа.
const (
	ReasonNotMember          = "пользователь не состоит в компании"
	ReasonDocumentTypeDenied = "тип документа не разрешён для компании"
)

// AccessPolicy: проверка доступа на основе данных подсистемы управления.
type AccessPolicy struct {
	access repository.AccessRepository
	logger *slog.Logger
}

// NewAccessPolicy создаёт проверку доступа.
func NewAccessPolicy(access repository.AccessRepository, logger *slog.Logger) *AccessPolicy {
	return &AccessPolicy{
		access: access,
		logger: logger.With(slog.String("component", "access_policy")),
	}
}

// Authorize проверяет, может ли identity отправлять документы типа
// documentTypeID от имени tenantID. Ошибка возвращается только при сбое хранилища.
func (p *AccessPolicy) Authorize(ctx context.Context, identityID, tenantID, documentTypeID string) (Decision, error) {
	member, err := p.access.IsMember(ctx, identityID, tenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("проверка членства: %w", err)
	}
	if !member {
		p.logger.Debug("Отказ: нет членства",
			slog.String("identity_id", identityID),
			slog.String("tenant_id", tenantID),
		)
		return Decision{Reason: ReasonNotMember}, nil
	}

	enabled, err := p.access.IsDocumentTypeEnabled(ctx, tenantID, documentTypeID)
	if err != nil {
		return Decision{}, fmt.Errorf("проверка типа документа: %w", err)
	}
	if !enabled {
		return Decision{Reason: ReasonDocumentTypeDenied}, nil
	}

	return Decision{Allowed: true}, nil
}
