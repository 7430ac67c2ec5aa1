package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/fraudgate/internal/domain"
)

// OutcomeRepo хранит сырые исходы транзакций. Velocity-счетчики в Redis
// живут скользящими окнами, а эта таблица — долговременный след для
// разбора инцидентов и переобучения порогов.
type OutcomeRepo struct {
	pool *pgxpool.Pool
}

func NewOutcomeRepo(pool *pgxpool.Pool) *OutcomeRepo {
	return &OutcomeRepo{pool: pool}
}

func (r *OutcomeRepo) Save(ctx context.Context, o *domain.Outcome) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO outcomes (transaction_id, outcome_type, card_token, user_id, device_id, amount_cents, reason_code, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		o.TransactionID, string(o.OutcomeType), o.CardToken, o.UserID, o.DeviceID,
		o.AmountCents, o.ReasonCode, o.OutcomeTime())
	return err
}

// ListByEntity — выборка исходов по карте или пользователю для админ-разбора.
func (r *OutcomeRepo) ListByEntity(ctx context.Context, cardToken, userID string, limit int) ([]domain.Outcome, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT transaction_id, outcome_type, card_token, user_id, device_id, amount_cents, reason_code, occurred_at
		FROM outcomes
		WHERE ($1 = '' OR card_token = $1) AND ($2 = '' OR user_id = $2)
		ORDER BY occurred_at DESC
		LIMIT $3`, cardToken, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Outcome
	for rows.Next() {
		var o domain.Outcome
		var otype string
		if err := rows.Scan(&o.TransactionID, &otype, &o.CardToken, &o.UserID,
			&o.DeviceID, &o.AmountCents, &o.ReasonCode, &o.Timestamp); err != nil {
			return nil, err
		}
		o.OutcomeType = domain.OutcomeType(otype)
		out = append(out, o)
	}
	return out, rows.Err()
}
