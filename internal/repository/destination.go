package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fileflow/relay-portal/internal/domain/model"
)

// DestinationRepository: CRUD-операции над FTP-назначениями.
type DestinationRepository interface {
	Create(ctx context.Context, dest *model.Destination) error
	// Get возвращает назначение компании. ErrNotFound: не настроено.
	Get(ctx context.Context, tenantID string) (*model.Destination, error)
	List(ctx context.Context) ([]*model.Destination, error)
	Update(ctx context.Context, dest *model.Destination) error
	Delete(ctx context.Context, tenantID string) error
}

type destinationRepo struct {
	db DBTX
}

// NewDestinationRepository создаёт репозиторий назначений.
func NewDestinationRepository(pool *pgxpool.Pool) DestinationRepository {
	return &destinationRepo{db: pool}
}

const destinationColumns = `tenant_id, host, port, username, secret, base_path, use_tls, created_at, updated_at`

func scanDestination(row pgx.Row) (*model.Destination, error) {
	d := &model.Destination{}
	err := row.Scan(&d.TenantID, &d.Host, &d.Port, &d.Username, &d.Secret,
		&d.BasePath, &d.UseTLS, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *destinationRepo) Create(ctx context.Context, dest *model.Destination) error {
	query := `
		INSERT INTO destinations (tenant_id, host, port, username, secret, base_path, use_tls)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		dest.TenantID, dest.Host, dest.Port, dest.Username, dest.Secret,
		dest.BasePath, dest.UseTLS,
	).Scan(&dest.CreatedAt, &dest.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: назначение для %s уже существует", ErrConflict, dest.TenantID)
		}
		return fmt.Errorf("ошибка создания назначения: %w", err)
	}
	return nil
}

func (r *destinationRepo) Get(ctx context.Context, tenantID string) (*model.Destination, error) {
	query := `SELECT ` + destinationColumns + ` FROM destinations WHERE tenant_id = $1`

	d, err := scanDestination(r.db.QueryRow(ctx, query, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения назначения: %w", err)
	}
	return d, nil
}

func (r *destinationRepo) List(ctx context.Context) ([]*model.Destination, error) {
	rows, err := r.db.Query(ctx, `SELECT `+destinationColumns+` FROM destinations ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка назначений: %w", err)
	}
	defer rows.Close()

	var result []*model.Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования назначения: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (r *destinationRepo) Update(ctx context.Context, dest *model.Destination) error {
	query := `
		UPDATE destinations
		SET host = $2, port = $3, username = $4, secret = $5,
			base_path = $6, use_tls = $7, updated_at = NOW()
		WHERE tenant_id = $1
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		dest.TenantID, dest.Host, dest.Port, dest.Username, dest.Secret,
		dest.BasePath, dest.UseTLS,
	).Scan(&dest.CreatedAt, &dest.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка обновления назначения: %w", err)
	}
	return nil
}

func (r *destinationRepo) Delete(ctx context.Context, tenantID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM destinations WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("ошибка удаления назначения: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
