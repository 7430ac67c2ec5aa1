package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyRepo — надежный ярус дедупликации решений. Redis может
// потерять ключ (eviction, рестарт), Postgres хранит его до истечения TTL.
type IdempotencyRepo struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepo(pool *pgxpool.Pool) *IdempotencyRepo {
	return &IdempotencyRepo{pool: pool}
}

// Lookup возвращает (nil, nil) если ключа нет или он уже истек.
// Истекшие строки вычищает периодика в БД, здесь достаточно фильтра.
func (r *IdempotencyRepo) Lookup(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := r.pool.QueryRow(ctx, `
		SELECT payload
		FROM idempotency_keys
		WHERE key = $1 AND expires_at > now()`, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return payload, nil
}

// Save пишет идемпотентно: повторная запись того же ключа не ошибка —
// два конкурирующих запроса с одним transaction_id оба должны завершиться.
func (r *IdempotencyRepo) Save(ctx context.Context, key string, payload []byte, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key, payload, expires_at, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO NOTHING`, key, payload, expiresAt)
	return err
}
