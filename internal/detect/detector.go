// Package detect содержит детекторы фрод-паттернов. Каждый детектор —
// чистая функция от снимка фич: никакого I/O, никакого состояния между
// вызовами. Это гарантирует воспроизводимость скора при replay evidence.
package detect

import (
	"context"
	"fmt"

	"github.com/xela07ax/fraudgate/internal/domain"
)

// Имена детекторов — стабильные идентификаторы для breakdown-а и метрик.
const (
	DetectorCardTesting  = "card_testing"
	DetectorVelocity     = "velocity"
	DetectorGeo          = "geo"
	DetectorBot          = "bot"
	DetectorFriendly     = "friendly_fraud"
	DetectorSubscription = "subscription_abuse"
)

// Signal — выход одного детектора: скор [0..1], уверенность детектора
// в собственном вердикте [0..1] и объясняющие причины.
type Signal struct {
	Detector   string
	Score      float64
	Confidence float64
	Reasons    []domain.Reason
}

// Detector — один паттерн фрода.
type Detector interface {
	Name() string
	Detect(ctx context.Context, ev *domain.PaymentEvent, fs *domain.FeatureSet) Signal
}

// hit — сработавшая внутренняя проверка детектора.
type hit struct {
	score  float64
	reason domain.Reason
}

// signalBoost — надбавка за каждую дополнительную сработавшую проверку
// сверх самой сильной: несколько независимых улик усиливают сигнал.
const signalBoost = 0.1

// combine сводит проверки в итоговый скор: max + boost*(n-1), кап 1.0.
func combine(name string, hits []hit) Signal {
	sig := Signal{Detector: name}
	if len(hits) == 0 {
		return sig
	}

	var maxScore float64
	for _, h := range hits {
		if h.score > maxScore {
			maxScore = h.score
		}
		sig.Reasons = append(sig.Reasons, h.reason)
	}

	score := maxScore + signalBoost*float64(len(hits)-1)
	if score > 1 {
		score = 1
	}
	sig.Score = score

	// Уверенность растет с числом независимых улик: одна проверка могла
	// сработать на шуме, три — почти наверняка паттерн
	conf := 0.6 + 0.2*float64(len(hits))
	if conf > 1 {
		conf = 1
	}
	sig.Confidence = conf
	return sig
}

func fmtInt(v int64) string {
	return fmt.Sprintf("%d", v)
}

func fmtFloat(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
