package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/fraudgate/internal/evidence"
)

// EvidenceRepo — приемник пакетных вставок evidence-конвейера.
type EvidenceRepo struct {
	pool *pgxpool.Pool
}

func NewEvidenceRepo(pool *pgxpool.Pool) *EvidenceRepo {
	return &EvidenceRepo{pool: pool}
}

func (r *EvidenceRepo) WriteBatch(ctx context.Context, records []evidence.Record) error {
	if len(records) == 0 {
		return nil
	}

	// Количество колонок в таблице evidence_records
	numFields := 17
	placeholderStr := ""
	vals := make([]interface{}, 0, len(records)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, rec := range records {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11, p+12, p+13, p+14, p+15, p+16, p+17)

		reasons, _ := json.Marshal(rec.Reasons)
		scores, _ := json.Marshal(rec.Scores)
		features, _ := json.Marshal(rec.Features)

		vals = append(vals,
			rec.ID, rec.TransactionID, rec.IdempotencyKey, rec.TraceID,
			rec.CardToken, rec.UserID, rec.DeviceHash, rec.IPHash,
			rec.AmountCents, rec.Currency,
			rec.Decision, reasons, scores, features,
			rec.PolicyVersion, rec.SafeMode, rec.Timestamp,
		)
	}

	// Убираем лишнюю запятую в конце. Повтор с той же парой
	// (transaction_id, idempotency_key) — не новая запись, а ретрай:
	// такие строки молча пропускаем.
	query := fmt.Sprintf(
		`INSERT INTO evidence_records
			(id, transaction_id, idempotency_key, trace_id, card_token, user_id, device_hash, ip_hash,
			 amount_cents, currency, decision, reasons, scores, features, policy_version, safe_mode, created_at)
		 VALUES %s
		 ON CONFLICT (transaction_id, idempotency_key) DO NOTHING`,
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.pool.Exec(ctx, query, vals...)
	return err
}

// ListByTransaction — выборка для расследований и representment.
func (r *EvidenceRepo) ListByTransaction(ctx context.Context, transactionID string) ([]evidence.Record, error) {
	query := `
		SELECT id, transaction_id, idempotency_key, trace_id, card_token, user_id, device_hash, ip_hash,
		       amount_cents, currency, decision, reasons, scores, features, policy_version, safe_mode, created_at
		FROM evidence_records
		WHERE transaction_id = $1
		ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []evidence.Record
	for rows.Next() {
		var rec evidence.Record
		var reasons, scores, features []byte
		if err := rows.Scan(
			&rec.ID, &rec.TransactionID, &rec.IdempotencyKey, &rec.TraceID,
			&rec.CardToken, &rec.UserID, &rec.DeviceHash, &rec.IPHash,
			&rec.AmountCents, &rec.Currency,
			&rec.Decision, &reasons, &scores, &features,
			&rec.PolicyVersion, &rec.SafeMode, &rec.Timestamp,
		); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(reasons, &rec.Reasons)
		_ = json.Unmarshal(scores, &rec.Scores)
		_ = json.Unmarshal(features, &rec.Features)
		out = append(out, rec)
	}
	return out, rows.Err()
}
