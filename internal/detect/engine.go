package detect

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/domain"
	"github.com/xela07ax/fraudgate/internal/infra"
)

// Engine запускает все детекторы параллельно над одним снимком фич.
//
// Контракт изоляции: паника или сбой одного детектора дает нулевой сигнал
// ЭТОГО детектора и не трогает остальные. Конвейер решения не падает
// из-за бага в одной эвристике.
type Engine struct {
	detectors []Detector
	logger    *zap.Logger
}

func NewEngine(logger *zap.Logger, detectors ...Detector) *Engine {
	return &Engine{
		detectors: detectors,
		logger:    logger.With(zap.String("mod", "detect")),
	}
}

// Run возвращает сигналы по имени детектора. Отсутствие детектора в карте
// невозможно: упавший детектор представлен нулевым сигналом.
func (e *Engine) Run(ctx context.Context, ev *domain.PaymentEvent, fs *domain.FeatureSet) map[string]Signal {
	results := make([]Signal, len(e.detectors))

	var wg sync.WaitGroup
	wg.Add(len(e.detectors))
	for i, d := range e.detectors {
		go func(i int, d Detector) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("detector panicked",
						zap.String("detector", d.Name()),
						zap.String("transaction_id", ev.TransactionID),
						zap.Any("panic", r))
					results[i] = Signal{Detector: d.Name()}
				}
			}()
			results[i] = d.Detect(ctx, ev, fs)
		}(i, d)
	}
	wg.Wait()

	out := make(map[string]Signal, len(results))
	for _, sig := range results {
		out[sig.Detector] = sig
	}
	return out
}

// DefaultDetectors — штатный набор конвейера.
func DefaultDetectors(cfg infra.DetectionConfig) []Detector {
	return []Detector{
		NewCardTestingDetector(cfg),
		NewVelocityDetector(cfg),
		NewGeoDetector(cfg),
		NewBotDetector(),
		NewFriendlyFraudDetector(),
		NewSubscriptionAbuseDetector(),
	}
}
