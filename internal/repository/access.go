package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fileflow/relay-portal/internal/domain/model"
)

// AccessRepository: чтение данных, принадлежащих подсистеме управления:
// членство пользователей, разрешённые типы документов и их правила.
// Relay эти данные только читает.
type AccessRepository interface {
	// IsMember проверяет членство identity в компании.
	IsMember(ctx context.Context, identityID, tenantID string) (bool, error)
	// IsDocumentTypeEnabled проверяет, разрешён ли тип документа компании.
	IsDocumentTypeEnabled(ctx context.Context, tenantID, documentTypeID string) (bool, error)
	// GetDocumentType возвращает правило типа документа. ErrNotFound: неизвестный тип.
	GetDocumentType(ctx context.Context, documentTypeID string) (*model.DocumentTypeRule, error)
	// MemberTenants возвращает компании, в которых состоит identity.
	MemberTenants(ctx context.Context, identityID string) ([]string, error)
}

type accessRepo struct {
	db DBTX
}

// NewAccessRepository создаёт репозиторий данных доступа.
func NewAccessRepository(pool *pgxpool.Pool) AccessRepository {
	return &accessRepo{db: pool}
}

func (r *accessRepo) IsMember(ctx context.Context, identityID, tenantID string) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tenant_members WHERE identity_id = $1 AND tenant_id = $2)`,
		identityID, tenantID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки членства: %w", err)
	}
	return ok, nil
}

func (r *accessRepo) IsDocumentTypeEnabled(ctx context.Context, tenantID, documentTypeID string) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM tenant_document_types
			WHERE tenant_id = $1 AND document_type_id = $2
		)`,
		tenantID, documentTypeID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки типа документа: %w", err)
	}
	return ok, nil
}

func (r *accessRepo) GetDocumentType(ctx context.Context, documentTypeID string) (*model.DocumentTypeRule, error) {
	rule := &model.DocumentTypeRule{}
	err := r.db.QueryRow(ctx,
		`SELECT id, name, description, allowed_extensions FROM document_types WHERE id = $1`,
		documentTypeID,
	).Scan(&rule.ID, &rule.Name, &rule.Description, &rule.AllowedExtensions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения типа документа: %w", err)
	}
	return rule, nil
}

func (r *accessRepo) MemberTenants(ctx context.Context, identityID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT tenant_id FROM tenant_members WHERE identity_id = $1 ORDER BY tenant_id`,
		identityID,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения компаний пользователя: %w", err)
	}
	defer rows.Close()

	tenants := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка сканирования компании: %w", err)
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}
