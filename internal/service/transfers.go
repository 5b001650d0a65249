// transfers.go: история relay, последний статус файла и зависшие записи.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/fileflow/relay-portal/internal/domain/model"
	"github.com/fileflow/relay-portal/internal/domain/rbac"
	"github.com/fileflow/relay-portal/internal/repository"
)

// Пагинация истории.
const (
	DefaultPageLimit = 100
	MaxPageLimit     = 1000
)

// Caller: инициатор запроса к истории.
type Caller struct {
	IdentityID string
	Role       string
}

// IsStaff: сотрудник видит историю всех компаний.
func (c Caller) IsStaff() bool {
	return c.Role == rbac.RoleStaff
}

// TransferPage: страница истории.
type TransferPage struct {
	Items  []*model.TransferRecord
	Total  int
	Limit  int
	Offset int
}

// TransferMembership: компании, доступные клиенту.
type TransferMembership interface {
	MemberTenants(ctx context.Context, identityID string) ([]string, error)
}

// TransferService: чтение истории relay.
type TransferService struct {
	records repository.TransferRecordRepository
	members TransferMembership
	logger  *slog.Logger
}

// NewTransferService создаёт сервис истории.
func NewTransferService(
	records repository.TransferRecordRepository,
	members TransferMembership,
	logger *slog.Logger,
) *TransferService {
	return &TransferService{
		records: records,
		members: members,
		logger:  logger.With(slog.String("component", "transfer_service")),
	}
}

// List возвращает историю relay, новые первыми.
// Клиент видит только компании, в которых состоит.
func (s *TransferService) List(ctx context.Context, caller Caller, filter model.TransferFilter, limit, offset int) (*TransferPage, error) {
	if limit == 0 {
		limit = DefaultPageLimit
	}
	if limit < 1 || limit > MaxPageLimit {
		return nil, fmt.Errorf("%w: limit должен быть в диапазоне 1-%d", ErrValidation, MaxPageLimit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset не может быть отрицательным", ErrValidation)
	}
	if filter.ReferenceMonth != nil && !IsValidReferenceMonth(*filter.ReferenceMonth) {
		return nil, fmt.Errorf("%w: reference_month должен быть в формате YYYY-MM", ErrValidation)
	}

	scoped, err := s.scope(ctx, caller, filter)
	if err != nil {
		return nil, err
	}

	items, err := s.records.List(ctx, scoped, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("получение истории relay: %w", err)
	}
	total, err := s.records.Count(ctx, scoped)
	if err != nil {
		return nil, fmt.Errorf("подсчёт истории relay: %w", err)
	}

	if items == nil {
		items = []*model.TransferRecord{}
	}
	return &TransferPage{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// Get возвращает запись по ID. Чужая запись для клиента: ErrNotFound.
func (s *TransferService) Get(ctx context.Context, caller Caller, id string) (*model.TransferRecord, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: запись relay %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("получение записи relay: %w", err)
	}

	if err := s.checkVisible(ctx, caller, rec.TenantID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: запись relay %s", ErrNotFound, id)
		}
		return nil, err
	}
	return rec, nil
}

// Latest возвращает последнюю попытку relay для файла.
func (s *TransferService) Latest(ctx context.Context, caller Caller, key model.FileKey) (*model.TransferRecord, error) {
	if key.TenantID == "" || key.DocumentTypeID == "" || key.ReferenceMonth == "" || key.FileName == "" {
		return nil, fmt.Errorf("%w: tenant_id, document_type_id, reference_month и file_name обязательны", ErrValidation)
	}
	if err := s.checkVisible(ctx, caller, key.TenantID); err != nil {
		return nil, err
	}

	rec, err := s.records.Latest(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: попыток relay для %s не найдено", ErrNotFound, key.FileName)
		}
		return nil, fmt.Errorf("получение последней попытки: %w", err)
	}
	return rec, nil
}

// ListStale возвращает записи, оставшиеся в pending/processing дольше olderThan.
func (s *TransferService) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*model.TransferRecord, error) {
	if olderThan <= 0 {
		return nil, fmt.Errorf("%w: older_than должен быть положительным", ErrValidation)
	}
	if limit == 0 {
		limit = DefaultPageLimit
	}
	if limit < 1 || limit > MaxPageLimit {
		return nil, fmt.Errorf("%w: limit должен быть в диапазоне 1-%d", ErrValidation, MaxPageLimit)
	}

	items, err := s.records.ListStale(ctx, time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("получение зависших записей: %w", err)
	}
	if len(items) > 0 {
		s.logger.Warn("Найдены зависшие записи relay",
			slog.Int("count", len(items)),
			slog.Duration("older_than", olderThan),
		)
	}
	if items == nil {
		items = []*model.TransferRecord{}
	}
	return items, nil
}

// scope ограничивает фильтр компаниями клиента.
func (s *TransferService) scope(ctx context.Context, caller Caller, filter model.TransferFilter) (model.TransferFilter, error) {
	if caller.IsStaff() {
		return filter, nil
	}
	tenants, err := s.members.MemberTenants(ctx, caller.IdentityID)
	if err != nil {
		return filter, fmt.Errorf("получение компаний пользователя: %w", err)
	}
	if tenants == nil {
		tenants = []string{}
	}
	filter.TenantIDs = tenants
	return filter, nil
}

// checkVisible: ErrNotFound, если клиент не состоит в компании.
func (s *TransferService) checkVisible(ctx context.Context, caller Caller, tenantID string) error {
	if caller.IsStaff() {
		return nil
	}
	tenants, err := s.members.MemberTenants(ctx, caller.IdentityID)
	if err != nil {
		return fmt.Errorf("получение компаний пользователя: %w", err)
	}
	if !slices.Contains(tenants, tenantID) {
		return fmt.Errorf("%w: компания %s", ErrNotFound, tenantID)
	}
	return nil
}
