package policy

import (
	"encoding/json"
	"time"

	"github.com/xela07ax/fraudgate/internal/domain"
)

// FallbackDocument — захардкоженная политика на случай, когда ни БД,
// ни configs/policy.json недоступны при старте. Лучше консервативные
// дефолты, чем отказ принимать трафик.
func FallbackDocument() domain.PolicyDocument {
	return domain.PolicyDocument{
		Description:   "built-in fallback policy",
		DefaultAction: domain.ActionAllow,
		Thresholds: map[string]domain.ScoreThreshold{
			"risk":     {BlockThreshold: 0.9, ReviewThreshold: 0.7, FrictionThreshold: 0.5},
			"criminal": {BlockThreshold: 0.85, ReviewThreshold: 0.65, FrictionThreshold: 0.45},
			"friendly": {BlockThreshold: 0.95, ReviewThreshold: 0.6, FrictionThreshold: 0.4},
		},
		Scoring: DefaultScoring(),
		Rules: []domain.PolicyRule{
			{
				ID:       "emulator_block",
				Name:     "block payments from emulators",
				Enabled:  true,
				Priority: 10,
				Conditions: []domain.Predicate{
					{Field: "device_is_emulator", Op: domain.CmpEq, Value: rawBool(true)},
				},
				Action: domain.ActionBlock,
			},
			{
				ID:       "tor_review",
				Name:     "manual review for Tor traffic",
				Enabled:  true,
				Priority: 20,
				Conditions: []domain.Predicate{
					{Field: "ip_is_tor", Op: domain.CmpEq, Value: rawBool(true)},
				},
				Action:         domain.ActionReview,
				ReviewPriority: "HIGH",
			},
			{
				ID:       "high_value_new_account",
				Name:     "step-up for high value on fresh accounts",
				Enabled:  true,
				Priority: 50,
				Conditions: []domain.Predicate{
					{Field: "is_high_value", Op: domain.CmpEq, Value: rawBool(true)},
					{Field: "user_is_new", Op: domain.CmpEq, Value: rawBool(true)},
				},
				Action:       domain.ActionFriction,
				FrictionType: domain.Friction3DS,
			},
		},
	}
}

// DefaultScoring — штатные веса и константы приглушения.
func DefaultScoring() domain.ScoringConstants {
	return domain.ScoringConstants{
		CardTestingWeight:    1.0,
		VelocityWeight:       0.9,
		GeoWeight:            0.7,
		BotWeight:            1.0,
		ConfidenceFloor:      0.3,
		ConfidenceCutoff:     0.5,
		ConfidenceMultiplier: 2.0,
	}
}

// FallbackVersion оборачивает fallback-документ в псевдоверсию с ID 0:
// настоящие версии из БД начинаются с 1, так что происхождение решения
// всегда видно по метке "v0".
func FallbackVersion() *domain.PolicyVersion {
	doc := FallbackDocument()
	return &domain.PolicyVersion{
		ID:            0,
		Document:      doc,
		Hash:          doc.Hash(),
		ChangeType:    domain.ChangeInitial,
		ChangeSummary: "built-in fallback",
		ChangedBy:     "system",
		CreatedAt:     time.Now().UTC(),
		Active:        true,
	}
}

func rawBool(b bool) json.RawMessage {
	if b {
		return json.RawMessage("true")
	}
	return json.RawMessage("false")
}
