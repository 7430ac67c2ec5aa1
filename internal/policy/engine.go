package policy

/*
Движок политики. Активная версия хранится в atomic.Pointer: оценка
транзакции делает ровно один деref и дальше работает с иммутабельным
снимком — никакая конкурентная активация не может подменить документ
посреди оценки. Списки карт/девайсов/IP прекомпилируются в set-ы при
активации, чтобы в горячем пути были только map lookup-ы.

Порядок оценки зафиксирован контрактом:
 1. allowlists (обходят всё, кроме safe mode)
 2. blocklists
 3. правила по priority возрастанию, первое совпавшее решает
    (CONTINUE фиксируется и оценка продолжается)
 4. пороговая лестница по скорам
 5. default_action
*/

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/domain"
)

// Outcome — результат применения политики к оцененной транзакции.
type Outcome struct {
	Decision       domain.Decision
	Reasons        []domain.Reason
	TriggeredRules []string
	FrictionType   domain.FrictionType
	ReviewPriority string
	PolicyVersion  string
}

// snapshot — скомпилированная версия политики.
type snapshot struct {
	version *domain.PolicyVersion
	// Отсортированная копия правил (по priority asc), исходный документ не трогаем
	rules []domain.PolicyRule

	blockCards   map[string]struct{}
	blockDevices map[string]struct{}
	blockIPs     map[string]struct{}
	blockUsers   map[string]struct{}

	allowCards    map[string]struct{}
	allowUsers    map[string]struct{}
	allowServices map[string]struct{}
}

// Engine — носитель активной версии.
type Engine struct {
	active atomic.Pointer[snapshot]
	logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.With(zap.String("mod", "policy"))}
}

// Swap валидирует и атомарно активирует версию. При ошибке валидации
// текущая версия остается активной — плохой документ не доезжает до трафика.
func (e *Engine) Swap(v *domain.PolicyVersion) error {
	if v == nil {
		return fmt.Errorf("policy: nil version")
	}
	if err := v.Document.Validate(); err != nil {
		return err
	}

	snap := compile(v)
	e.active.Store(snap)
	e.logger.Info("policy activated",
		zap.Int64("version", v.ID),
		zap.String("hash", v.Hash),
		zap.Int("rules", len(snap.rules)))
	return nil
}

// Active возвращает активную версию (nil до первой активации).
func (e *Engine) Active() *domain.PolicyVersion {
	snap := e.active.Load()
	if snap == nil {
		return nil
	}
	return snap.version
}

func compile(v *domain.PolicyVersion) *snapshot {
	d := &v.Document
	snap := &snapshot{
		version:       v,
		rules:         make([]domain.PolicyRule, len(d.Rules)),
		blockCards:    toSet(d.BlocklistCards),
		blockDevices:  toSet(d.BlocklistDevices),
		blockIPs:      toSet(d.BlocklistIPs),
		blockUsers:    toSet(d.BlocklistUsers),
		allowCards:    toSet(d.AllowlistCards),
		allowUsers:    toSet(d.AllowlistUsers),
		allowServices: toSet(d.AllowlistServices),
	}
	copy(snap.rules, d.Rules)
	sort.SliceStable(snap.rules, func(i, j int) bool {
		return snap.rules[i].Priority < snap.rules[j].Priority
	})
	return snap
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// Evaluate применяет активную политику. Паника невозможна: при отсутствии
// активной версии вызывающий обязан подложить fallback до старта трафика.
func (e *Engine) Evaluate(ev *domain.PaymentEvent, fs *domain.FeatureSet, scores domain.RiskScores) Outcome {
	snap := e.active.Load()
	c := &evalCtx{ev: ev, fs: fs, scores: scores}
	out := Outcome{PolicyVersion: snap.version.VersionLabel()}

	// 1. Allowlists
	if reason, hit := snap.allowHit(ev); hit {
		out.Decision = domain.DecisionAllow
		out.Reasons = append(out.Reasons, reason)
		return out
	}

	// 2. Blocklists
	if reason, hit := snap.blockHit(ev); hit {
		out.Decision = domain.DecisionBlock
		out.Reasons = append(out.Reasons, reason)
		return out
	}

	// 3. Правила
	for i := range snap.rules {
		r := &snap.rules[i]
		if !r.Enabled || !ruleMatches(c, r) {
			continue
		}
		out.TriggeredRules = append(out.TriggeredRules, r.ID)
		if r.Action == domain.ActionContinue {
			continue
		}
		out.Decision = actionToDecision(r.Action)
		out.FrictionType = r.FrictionType
		out.ReviewPriority = r.ReviewPriority
		out.Reasons = append(out.Reasons, domain.Reason{
			Code:        "RULE_" + r.ID,
			Description: r.Name,
			Severity:    severityFor(out.Decision),
			TriggeredBy: "policy_rule",
		})
		return out
	}

	// 4. Пороговая лестница
	if decision, reason, ok := snap.thresholdHit(scores); ok {
		out.Decision = decision
		out.Reasons = append(out.Reasons, reason)
		if decision == domain.DecisionFriction {
			out.FrictionType = domain.Friction3DS
		}
		if decision == domain.DecisionReview {
			out.ReviewPriority = reviewPriorityFor(scores.RiskScore)
		}
		return out
	}

	// 5. Default
	out.Decision = actionToDecision(snap.version.Document.DefaultAction)
	return out
}

func (s *snapshot) allowHit(ev *domain.PaymentEvent) (domain.Reason, bool) {
	if _, ok := s.allowCards[ev.CardToken]; ok {
		return listReason(domain.ReasonAllowlistCard, "card token allowlisted"), true
	}
	if _, ok := s.allowUsers[ev.UserID]; ok && ev.UserID != "" {
		return listReason(domain.ReasonAllowlistUser, "user allowlisted"), true
	}
	if _, ok := s.allowServices[ev.ServiceID]; ok && ev.ServiceID != "" {
		return listReason(domain.ReasonAllowlistSvc, "service allowlisted"), true
	}
	return domain.Reason{}, false
}

func (s *snapshot) blockHit(ev *domain.PaymentEvent) (domain.Reason, bool) {
	if _, ok := s.blockCards[ev.CardToken]; ok {
		return listReason(domain.ReasonBlocklistCard, "card token blocklisted"), true
	}
	if _, ok := s.blockDevices[ev.DeviceID]; ok && ev.DeviceID != "" {
		return listReason(domain.ReasonBlocklistDevice, "device blocklisted"), true
	}
	if ip := ev.IPAddress(); ip != "" {
		if _, ok := s.blockIPs[ip]; ok {
			return listReason(domain.ReasonBlocklistIP, "IP address blocklisted"), true
		}
	}
	if _, ok := s.blockUsers[ev.UserID]; ok && ev.UserID != "" {
		return listReason(domain.ReasonBlocklistUser, "user blocklisted"), true
	}
	return domain.Reason{}, false
}

// Оси пороговой лестницы: имя в документе -> скор.
func (s *snapshot) thresholdHit(scores domain.RiskScores) (domain.Decision, domain.Reason, bool) {
	axes := []struct {
		name  string
		score float64
	}{
		{"risk", scores.RiskScore},
		{"criminal", scores.CriminalScore},
		{"friendly", scores.FriendlyFraudScore},
	}

	var best domain.Decision
	var bestReason domain.Reason
	found := false

	for _, axis := range axes {
		t, ok := s.version.Document.Thresholds[axis.name]
		if !ok {
			continue
		}
		var d domain.Decision
		var limit float64
		switch {
		case axis.score >= t.BlockThreshold:
			d, limit = domain.DecisionBlock, t.BlockThreshold
		case axis.score >= t.ReviewThreshold:
			d, limit = domain.DecisionReview, t.ReviewThreshold
		case axis.score >= t.FrictionThreshold:
			d, limit = domain.DecisionFriction, t.FrictionThreshold
		default:
			continue
		}
		// Между осями побеждает самый строгий вердикт
		if !found || d.Priority() > best.Priority() {
			found = true
			best = d
			bestReason = domain.Reason{
				Code:        "SCORE_THRESHOLD_" + strings.ToUpper(axis.name),
				Description: fmt.Sprintf("%s score over %s threshold", axis.name, d),
				Severity:    severityFor(d),
				TriggeredBy: "policy_threshold",
				Value:       fmt.Sprintf("%.2f", axis.score),
				Threshold:   fmt.Sprintf("%.2f", limit),
			}
		}
	}
	return best, bestReason, found
}

func listReason(code, desc string) domain.Reason {
	return domain.Reason{
		Code:        code,
		Description: desc,
		Severity:    domain.SeverityCritical,
		TriggeredBy: "policy_list",
	}
}

func actionToDecision(a domain.RuleAction) domain.Decision {
	switch a {
	case domain.ActionBlock:
		return domain.DecisionBlock
	case domain.ActionReview:
		return domain.DecisionReview
	case domain.ActionFriction:
		return domain.DecisionFriction
	default:
		return domain.DecisionAllow
	}
}

func severityFor(d domain.Decision) string {
	switch d {
	case domain.DecisionBlock:
		return domain.SeverityCritical
	case domain.DecisionReview:
		return domain.SeverityHigh
	case domain.DecisionFriction:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func reviewPriorityFor(risk float64) string {
	switch {
	case risk >= 0.85:
		return "HIGH"
	case risk >= 0.7:
		return "MEDIUM"
	default:
		return "LOW"
	}
}
