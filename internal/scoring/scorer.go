// Package scoring сводит сигналы детекторов в итоговые скоры.
// Скоринг полностью детерминирован: одинаковые сигналы и константы
// всегда дают одинаковые скоры, иначе replay evidence бессмыслен.
package scoring

import (
	"github.com/xela07ax/fraudgate/internal/detect"
	"github.com/xela07ax/fraudgate/internal/domain"
)

// Scorer — функция без состояния; веса приходят из активной версии политики,
// чтобы их изменение проходило тот же путь audit/rollback, что и пороги.
type Scorer struct{}

func NewScorer() *Scorer { return &Scorer{} }

// Score строит RiskScores из сигналов. Правила сведения:
//   - criminal — взвешенный максимум «криминальных» осей (перебор карт,
//     velocity, гео, автоматизация): одна сильная улика не должна
//     размываться тремя слабыми;
//   - friendly — максимум дружественного фрода и abuse подписок;
//   - risk — максимум обеих осей, приглушенный доверием к данным.
func (s *Scorer) Score(fs *domain.FeatureSet, signals map[string]detect.Signal, c domain.ScoringConstants) domain.RiskScores {
	out := domain.RiskScores{
		CardTestingScore:  signals[detect.DetectorCardTesting].Score,
		VelocityScore:     signals[detect.DetectorVelocity].Score,
		GeoScore:          signals[detect.DetectorGeo].Score,
		BotScore:          signals[detect.DetectorBot].Score,
		FriendlyScore:     signals[detect.DetectorFriendly].Score,
		SubscriptionScore: signals[detect.DetectorSubscription].Score,
	}

	out.CriminalScore = clamp01(max4(
		out.CardTestingScore*c.CardTestingWeight,
		out.VelocityScore*c.VelocityWeight,
		out.GeoScore*c.GeoWeight,
		out.BotScore*c.BotWeight,
	))
	out.FriendlyFraudScore = clamp01(maxF(out.FriendlyScore, out.SubscriptionScore))

	out.Confidence = confidence(fs, signals)

	risk := maxF(out.CriminalScore, out.FriendlyFraudScore)
	// Приглушение при низком доверии: тянем скор к нейтральному уровню,
	// чтобы решение на мусорных данных не было категоричным
	if out.Confidence < c.ConfidenceCutoff {
		risk = c.ConfidenceFloor + (risk-c.ConfidenceFloor)*out.Confidence*c.ConfidenceMultiplier
	}
	out.RiskScore = clamp01(risk)

	return out
}

// confidence — доверие к вердикту [0.1..1.0]: штрафуем деградировавшие
// бэкенды, отсутствие ключевых источников данных и неуверенность самого
// сильного сигнала — вердикт держится именно на нем.
func confidence(fs *domain.FeatureSet, signals map[string]detect.Signal) float64 {
	conf := 1.0
	conf -= 0.15 * float64(len(fs.Degraded))
	if fs.Entity.IPCountryCode == "" && fs.Entity.IPRiskScore == 0 && !fs.Entity.IPIsDatacenter {
		// Нет гео-контекста вообще
		conf -= 0.1
	}

	var domScore, domConf float64
	for _, s := range signals {
		if s.Score > domScore || (s.Score == domScore && s.Confidence > domConf) {
			domScore, domConf = s.Score, s.Confidence
		}
	}
	if domScore > 0 {
		// Тихий снимок (ни один детектор не сработал) уверенность не трогает
		conf *= clamp01(domConf)
	}

	if conf < 0.1 {
		conf = 0.1
	}
	return conf
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func max4(a, b, c, d float64) float64 {
	return maxF(maxF(a, b), maxF(c, d))
}
