package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fileflow/relay-portal/internal/domain/model"
	"github.com/fileflow/relay-portal/internal/domain/transfer"
)

// TransferRecordRepository: хранилище записей о попытках relay.
type TransferRecordRepository interface {
	// Create сохраняет новую запись в состоянии pending.
	Create(ctx context.Context, rec *model.TransferRecord) error
	// Get возвращает запись по UUID.
	Get(ctx context.Context, id string) (*model.TransferRecord, error)
	// Transition переводит запись в новое состояние.
	// Переходы одной записи сериализуются блокировкой строки.
	Transition(ctx context.Context, id string, to model.TransferState, errorDetail string) error
	// List возвращает историю relay, новые первыми.
	List(ctx context.Context, filter model.TransferFilter, limit, offset int) ([]*model.TransferRecord, error)
	// Count возвращает количество записей по фильтру.
	Count(ctx context.Context, filter model.TransferFilter) (int, error)
	// Latest возвращает самую свежую попытку для файла.
	Latest(ctx context.Context, key model.FileKey) (*model.TransferRecord, error)
	// ListStale возвращает нетерминальные записи старше before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*model.TransferRecord, error)
}

type transferRecordRepo struct {
	db DBTX
	tx *TxRunner
}

// NewTransferRecordRepository создаёт репозиторий записей relay.
func NewTransferRecordRepository(pool *pgxpool.Pool) TransferRecordRepository {
	return &transferRecordRepo{db: pool, tx: NewTxRunner(pool)}
}

const transferColumns = `id, identity_id, tenant_id, document_type_id, reference_month,
	file_name, file_size_bytes, state, error_detail, created_at, updated_at`

func scanTransfer(row pgx.Row) (*model.TransferRecord, error) {
	rec := &model.TransferRecord{}
	err := row.Scan(
		&rec.ID, &rec.IdentityID, &rec.TenantID, &rec.DocumentTypeID, &rec.ReferenceMonth,
		&rec.FileName, &rec.FileSizeBytes, &rec.State, &rec.ErrorDetail,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *transferRecordRepo) Create(ctx context.Context, rec *model.TransferRecord) error {
	query := `
		INSERT INTO transfer_records (id, identity_id, tenant_id, document_type_id,
			reference_month, file_name, file_size_bytes, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		RETURNING state, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		rec.ID, rec.IdentityID, rec.TenantID, rec.DocumentTypeID,
		rec.ReferenceMonth, rec.FileName, rec.FileSizeBytes,
	).Scan(&rec.State, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запись relay %s уже существует", ErrConflict, rec.ID)
		}
		return fmt.Errorf("ошибка создания записи relay: %w", err)
	}
	rec.ErrorDetail = nil
	return nil
}

func (r *transferRecordRepo) Get(ctx context.Context, id string) (*model.TransferRecord, error) {
	query := `SELECT ` + transferColumns + ` FROM transfer_records WHERE id = $1`

	rec, err := scanTransfer(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи relay: %w", err)
	}
	return rec, nil
}

func (r *transferRecordRepo) Transition(ctx context.Context, id string, to model.TransferState, errorDetail string) error {
	return r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		// FOR UPDATE: единственный писатель на запись в каждый момент
		var current model.TransferState
		err := tx.QueryRow(ctx,
			`SELECT state FROM transfer_records WHERE id = $1 FOR UPDATE`, id,
		).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
				return ErrNotFound
			}
			return fmt.Errorf("ошибка блокировки записи relay: %w", err)
		}

		if err := transfer.Check(current, to, errorDetail); err != nil {
			return err
		}

		var detail *string
		if to == model.StateError {
			detail = &errorDetail
		}

		_, err = tx.Exec(ctx,
			`UPDATE transfer_records
			SET state = $2, error_detail = $3, updated_at = NOW()
			WHERE id = $1`,
			id, to, detail,
		)
		if err != nil {
			return fmt.Errorf("ошибка обновления состояния relay: %w", err)
		}
		return nil
	})
}

// buildTransferWhere строит WHERE по фильтру, начиная нумерацию с argNum.
func buildTransferWhere(filter model.TransferFilter, argNum int) (string, []any, int) {
	var conditions []string
	var args []any

	if filter.TenantIDs != nil {
		conditions = append(conditions, fmt.Sprintf("tenant_id = ANY($%d)", argNum))
		args = append(args, filter.TenantIDs)
		argNum++
	}
	if filter.TenantID != nil {
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", argNum))
		args = append(args, *filter.TenantID)
		argNum++
	}
	if filter.State != nil {
		conditions = append(conditions, fmt.Sprintf("state = $%d", argNum))
		args = append(args, string(*filter.State))
		argNum++
	}
	if filter.ReferenceMonth != nil {
		conditions = append(conditions, fmt.Sprintf("reference_month = $%d", argNum))
		args = append(args, *filter.ReferenceMonth)
		argNum++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args, argNum
}

func (r *transferRecordRepo) List(ctx context.Context, filter model.TransferFilter, limit, offset int) ([]*model.TransferRecord, error) {
	where, args, argNum := buildTransferWhere(filter, 1)

	query := fmt.Sprintf(`
		SELECT %s
		FROM transfer_records
		%s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d`, transferColumns, where, argNum, argNum+1)
	args = append(args, limit, offset)

	return r.queryMany(ctx, query, args...)
}

func (r *transferRecordRepo) Count(ctx context.Context, filter model.TransferFilter) (int, error) {
	where, args, _ := buildTransferWhere(filter, 1)

	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM transfer_records `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта записей relay: %w", err)
	}
	return count, nil
}

func (r *transferRecordRepo) Latest(ctx context.Context, key model.FileKey) (*model.TransferRecord, error) {
	query := `SELECT ` + transferColumns + `
		FROM transfer_records
		WHERE tenant_id = $1 AND document_type_id = $2
			AND reference_month = $3 AND file_name = $4
		ORDER BY created_at DESC
		LIMIT 1`

	rec, err := scanTransfer(r.db.QueryRow(ctx, query,
		key.TenantID, key.DocumentTypeID, key.ReferenceMonth, key.FileName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения последней попытки: %w", err)
	}
	return rec, nil
}

func (r *transferRecordRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]*model.TransferRecord, error) {
	query := `SELECT ` + transferColumns + `
		FROM transfer_records
		WHERE state IN ('pending', 'processing') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`

	return r.queryMany(ctx, query, before, limit)
}

func (r *transferRecordRepo) queryMany(ctx context.Context, query string, args ...any) ([]*model.TransferRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки записей relay: %w", err)
	}
	defer rows.Close()

	var result []*model.TransferRecord
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи relay: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}
