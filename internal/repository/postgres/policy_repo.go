package postgres

/*
Файл policy_repo.go отвечает за append-only историю версий политики.
Слой отделяет долговременное хранение версий в PostgreSQL от их мгновенного
применения в оперативной памяти шлюза (atomic snapshot в policy.Engine).
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/fraudgate/internal/domain"
)

type PolicyRepo struct {
	pool *pgxpool.Pool
}

func NewPolicyRepo(pool *pgxpool.Pool) *PolicyRepo {
	return &PolicyRepo{pool: pool}
}

// ActiveVersion возвращает текущую активную версию; (nil, nil) — история пуста.
func (r *PolicyRepo) ActiveVersion(ctx context.Context) (*domain.PolicyVersion, error) {
	query := `
		SELECT id, document, hash, change_type, change_summary, changed_by, created_at, is_active, rollback_of
		FROM policy_versions
		WHERE is_active = true
		ORDER BY id DESC
		LIMIT 1`

	v, err := r.scanVersion(r.pool.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

// SaveVersion атомарно деактивирует прежнюю версию и вставляет новую.
// Обе операции в одной транзакции: активная версия всегда ровно одна.
func (r *PolicyRepo) SaveVersion(ctx context.Context, v *domain.PolicyVersion) (int64, error) {
	doc, err := json.Marshal(v.Document)
	if err != nil {
		return 0, fmt.Errorf("postgres: marshal policy document: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE policy_versions SET is_active = false WHERE is_active = true`); err != nil {
		return 0, err
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO policy_versions (document, hash, change_type, change_summary, changed_by, created_at, is_active, rollback_of)
		VALUES ($1, $2, $3, $4, $5, $6, true, $7)
		RETURNING id`,
		doc, v.Hash, v.ChangeType, v.ChangeSummary, v.ChangedBy, v.CreatedAt, nullableID(v.RollbackOf),
	).Scan(&id)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

// GetVersion — точечная выборка из истории; (nil, nil) если версии нет.
func (r *PolicyRepo) GetVersion(ctx context.Context, id int64) (*domain.PolicyVersion, error) {
	query := `
		SELECT id, document, hash, change_type, change_summary, changed_by, created_at, is_active, rollback_of
		FROM policy_versions
		WHERE id = $1`

	v, err := r.scanVersion(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

// ListVersions — история для админки, новые сверху.
func (r *PolicyRepo) ListVersions(ctx context.Context, limit int) ([]domain.PolicyVersion, error) {
	query := `
		SELECT id, document, hash, change_type, change_summary, changed_by, created_at, is_active, rollback_of
		FROM policy_versions
		ORDER BY id DESC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PolicyVersion
	for rows.Next() {
		v, err := r.scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PolicyRepo) scanVersion(row rowScanner) (*domain.PolicyVersion, error) {
	var v domain.PolicyVersion
	var doc []byte
	var rollbackOf *int64

	if err := row.Scan(&v.ID, &doc, &v.Hash, &v.ChangeType, &v.ChangeSummary,
		&v.ChangedBy, &v.CreatedAt, &v.Active, &rollbackOf); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(doc, &v.Document); err != nil {
		return nil, fmt.Errorf("postgres: corrupt policy document v%d: %w", v.ID, err)
	}
	if rollbackOf != nil {
		v.RollbackOf = *rollbackOf
	}
	return &v, nil
}

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
