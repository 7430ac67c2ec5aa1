package domain

/*
Файл policy.go описывает версионируемый документ политики.

Ключевые инварианты:
- Документ иммутабелен: любое изменение (правило, порог, список, откат)
  порождает НОВУЮ версию с монотонно растущим ID. Историю не правим и не удаляем.
- Условия правил — типизированное дерево предикатов (поле, компаратор, литерал)
  вместо свободных key/value мап: hot-reload сохраняем, stringly-typed ключи — нет.
- Некорректный предикат никогда не матчится (fail-closed на уровне правила,
  а не всего решения).
*/

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// RuleAction — что делает правило при срабатывании.
type RuleAction string

const (
	ActionAllow    RuleAction = "ALLOW"
	ActionFriction RuleAction = "FRICTION"
	ActionReview   RuleAction = "REVIEW"
	ActionBlock    RuleAction = "BLOCK"
	ActionContinue RuleAction = "CONTINUE" // зафиксировать факт, но продолжить оценку
)

// Comparator — оператор предиката.
type Comparator string

const (
	CmpEq  Comparator = "eq"
	CmpNe  Comparator = "ne"
	CmpGt  Comparator = "gt"
	CmpGte Comparator = "gte"
	CmpLt  Comparator = "lt"
	CmpLte Comparator = "lte"
	CmpIn  Comparator = "in"
)

// Predicate — один лист дерева условий: сравнение именованного поля с литералом.
// Поле резолвится генерически из FeatureSet/RiskScores/события (см. policy.fieldValue).
type Predicate struct {
	Field string     `json:"field"`
	Op    Comparator `json:"op"`
	// Литерал: число, bool, строка либо массив строк для "in"
	Value json.RawMessage `json:"value"`
}

// PolicyRule — одно правило. Правила перебираются по priority по возрастанию,
// первое совпавшее включенное правило выигрывает и останавливает перебор.
type PolicyRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	Priority    int    `json:"priority"`

	// Конъюнкция: должны совпасть все предикаты
	Conditions []Predicate `json:"conditions"`

	Action         RuleAction   `json:"action"`
	FrictionType   FrictionType `json:"friction_type,omitempty"`
	ReviewPriority string       `json:"review_priority,omitempty"`
}

// ScoreThreshold — пороговая лестница для одного типа скора.
// Инвариант (проверяется при валидации): friction < review < block.
type ScoreThreshold struct {
	BlockThreshold    float64 `json:"block_threshold"`
	ReviewThreshold   float64 `json:"review_threshold"`
	FrictionThreshold float64 `json:"friction_threshold"`
}

// ScoringConstants — константы скоринга. Это политика, а не алгоритм:
// держим их в том же версионируемом документе, что и пороги,
// чтобы каждое решение было воспроизводимо при replay.
type ScoringConstants struct {
	CardTestingWeight float64 `json:"card_testing_weight"`
	VelocityWeight    float64 `json:"velocity_weight"`
	GeoWeight         float64 `json:"geo_weight"`
	BotWeight         float64 `json:"bot_weight"`

	ConfidenceFloor      float64 `json:"confidence_floor"`      // 0.3
	ConfidenceCutoff     float64 `json:"confidence_cutoff"`     // 0.5
	ConfidenceMultiplier float64 `json:"confidence_multiplier"` // 2.0
}

// PolicyDocument — полное содержимое одной версии политики.
type PolicyDocument struct {
	Description   string                    `json:"description,omitempty"`
	DefaultAction RuleAction                `json:"default_action"`
	Thresholds    map[string]ScoreThreshold `json:"thresholds"` // risk, criminal, friendly
	Rules         []PolicyRule              `json:"rules"`
	Scoring       ScoringConstants          `json:"scoring"`

	BlocklistCards   []string `json:"blocklist_cards,omitempty"`
	BlocklistDevices []string `json:"blocklist_devices,omitempty"`
	BlocklistIPs     []string `json:"blocklist_ips,omitempty"`
	BlocklistUsers   []string `json:"blocklist_users,omitempty"`

	AllowlistCards    []string `json:"allowlist_cards,omitempty"`
	AllowlistUsers    []string `json:"allowlist_users,omitempty"`
	AllowlistServices []string `json:"allowlist_services,omitempty"`
}

// Hash — контент-хэш документа для аудита и сравнения версий.
func (d *PolicyDocument) Hash() string {
	raw, _ := json.Marshal(d)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Validate проверяет документ ЦЕЛИКОМ до активации.
// Невалидный документ не должен доехать до atomic swap.
func (d *PolicyDocument) Validate() error {
	if !actionValid(d.DefaultAction) || d.DefaultAction == ActionContinue {
		return fmt.Errorf("policy: invalid default_action %q", d.DefaultAction)
	}

	for name, t := range d.Thresholds {
		if t.FrictionThreshold < 0 || t.BlockThreshold > 1 {
			return fmt.Errorf("policy: %s thresholds out of [0,1]", name)
		}
		if t.FrictionThreshold >= t.ReviewThreshold {
			return fmt.Errorf("policy: %s friction_threshold (%.2f) must be below review_threshold (%.2f)",
				name, t.FrictionThreshold, t.ReviewThreshold)
		}
		if t.ReviewThreshold >= t.BlockThreshold {
			return fmt.Errorf("policy: %s review_threshold (%.2f) must be below block_threshold (%.2f)",
				name, t.ReviewThreshold, t.BlockThreshold)
		}
	}

	seen := make(map[string]struct{}, len(d.Rules))
	for _, r := range d.Rules {
		if r.ID == "" {
			return fmt.Errorf("policy: rule without id")
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("policy: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		if !actionValid(r.Action) {
			return fmt.Errorf("policy: rule %q has invalid action %q", r.ID, r.Action)
		}
	}
	return nil
}

func actionValid(a RuleAction) bool {
	switch a {
	case ActionAllow, ActionFriction, ActionReview, ActionBlock, ActionContinue:
		return true
	}
	return false
}

// ChangeType метаданных версии.
const (
	ChangeInitial    = "initial"
	ChangeReload     = "reload"
	ChangeThresholds = "thresholds"
	ChangeRuleAdd    = "rule_add"
	ChangeRuleUpdate = "rule_update"
	ChangeRuleDelete = "rule_delete"
	ChangeListAdd    = "list_add"
	ChangeListRemove = "list_remove"
	ChangeRollback   = "rollback"
)

// PolicyVersion — одна запись в append-only истории версий.
// ID строго возрастает; активна ровно одна версия.
type PolicyVersion struct {
	ID            int64          `json:"id"`
	Document      PolicyDocument `json:"document"`
	Hash          string         `json:"hash"`
	ChangeType    string         `json:"change_type"`
	ChangeSummary string         `json:"change_summary"`
	ChangedBy     string         `json:"changed_by"`
	CreatedAt     time.Time      `json:"created_at"`
	Active        bool           `json:"is_active"`
	// Для rollback — на какую версию откатывались
	RollbackOf int64 `json:"rollback_of,omitempty"`
}

// VersionLabel — человекочитаемый идентификатор версии для ответов и evidence.
func (v *PolicyVersion) VersionLabel() string {
	return fmt.Sprintf("v%d", v.ID)
}
