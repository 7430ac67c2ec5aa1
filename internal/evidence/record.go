package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/xela07ax/fraudgate/internal/domain"
)

// Record — полный слепок одного решения для аудита, диспутов (representment)
// и оффлайн-replay. Содержит ровно те фичи и ту версию политики, на которых
// решение было принято: по записи решение можно воспроизвести байт-в-байт.
type Record struct {
	ID             string `json:"id"`
	TransactionID  string `json:"transaction_id"`
	IdempotencyKey string `json:"idempotency_key"`
	TraceID        string `json:"trace_id,omitempty"`

	// Прямые идентификаторы устройств и сетей не храним — только хэши:
	// для матчинга при расследовании этого достаточно
	CardToken  string `json:"card_token"`
	UserID     string `json:"user_id,omitempty"`
	DeviceHash string `json:"device_hash,omitempty"`
	IPHash     string `json:"ip_hash,omitempty"`

	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`

	Decision       domain.Decision   `json:"decision"`
	Reasons        []domain.Reason   `json:"reasons"`
	Scores         domain.RiskScores `json:"scores"`
	TriggeredRules []string          `json:"triggered_rules,omitempty"`
	PolicyVersion  string            `json:"policy_version"`

	Features *domain.FeatureSet `json:"features,omitempty"`

	SafeMode bool `json:"safe_mode,omitempty"`
	Cached   bool `json:"cached,omitempty"`

	ProcessingTimeMS float64   `json:"processing_time_ms"`
	Timestamp        time.Time `json:"timestamp"`
}

// Build собирает запись из события и готового ответа.
func Build(ev *domain.PaymentEvent, resp *domain.DecisionResponse, fs *domain.FeatureSet, traceID string) Record {
	return Record{
		ID:             uuid.NewString(),
		TransactionID:  ev.TransactionID,
		IdempotencyKey: ev.IdempotencyKey,
		TraceID:        traceID,

		CardToken:  ev.CardToken,
		UserID:     ev.UserID,
		DeviceHash: hashIdentifier(ev.DeviceID),
		IPHash:     hashIdentifier(ev.IPAddress()),

		AmountCents: ev.AmountCents,
		Currency:    ev.Currency,

		Decision:       resp.Decision,
		Reasons:        resp.Reasons,
		Scores:         resp.Scores,
		TriggeredRules: resp.TriggeredRules,
		PolicyVersion:  resp.PolicyVersion,

		Features: fs,

		SafeMode: resp.SafeMode,
		Cached:   resp.Cached,

		ProcessingTimeMS: resp.ProcessingTimeMS,
		Timestamp:        ev.EventTime(),
	}
}

func hashIdentifier(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:16])
}
