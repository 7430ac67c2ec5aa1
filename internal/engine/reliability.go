package engine

import (
	"context"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"

	"github.com/xela07ax/fraudgate/internal/evidence"
	"github.com/xela07ax/fraudgate/internal/idempotency"
	"github.com/xela07ax/fraudgate/internal/infra"
)

// newStoreBreaker — общий предохранитель для обращений к Postgres.
// Когда БД деградирует, лучше быстро перейти на fail-open/fail-safe пути
// конвейера, чем копить зависшие запросы в горячем пути решения.
func newStoreBreaker(name string, cfg infra.EngineConfig, metrics *Metrics) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			if metrics == nil {
				return
			}
			val := 0.0
			if to == gobreaker.StateOpen {
				val = 1.0
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(val)
		},
	})
}

// ReliableArchive оборачивает надежный ярус идемпотентности: ретраи на
// короткие сетевые сбои, предохранитель на системную деградацию БД.
type ReliableArchive struct {
	next idempotency.Archive
	cb   *gobreaker.CircuitBreaker
}

func NewReliableArchive(next idempotency.Archive, cfg infra.EngineConfig, metrics *Metrics) *ReliableArchive {
	return &ReliableArchive{
		next: next,
		cb:   newStoreBreaker("idempotency_archive", cfg, metrics),
	}
}

func (a *ReliableArchive) Lookup(ctx context.Context, key string) ([]byte, error) {
	res, err := a.cb.Execute(func() (interface{}, error) {
		var payload []byte
		r := retry.New(retry.Context(ctx), retry.Attempts(2))
		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()

			var callErr error
			payload, callErr = a.next.Lookup(tCtx, key)
			return callErr
		})
		return payload, retryErr
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

func (a *ReliableArchive) Save(ctx context.Context, key string, payload []byte, expiresAt time.Time) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		r := retry.New(retry.Context(ctx), retry.Attempts(2))
		return nil, r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
			defer cancel()
			return a.next.Save(tCtx, key, payload, expiresAt)
		})
	})
	return err
}

// ReliableEvidenceStorage защищает батч-запись evidence. Запись идет из
// фонового воркера, поэтому таймауты здесь щедрее, чем в горячем пути.
type ReliableEvidenceStorage struct {
	next evidence.StorageInterface
	cb   *gobreaker.CircuitBreaker
}

func NewReliableEvidenceStorage(next evidence.StorageInterface, cfg infra.EngineConfig, metrics *Metrics) *ReliableEvidenceStorage {
	return &ReliableEvidenceStorage{
		next: next,
		cb:   newStoreBreaker("evidence_store", cfg, metrics),
	}
}

func (s *ReliableEvidenceStorage) WriteBatch(ctx context.Context, records []evidence.Record) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		r := retry.New(retry.Context(ctx), retry.Attempts(3))
		return nil, r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return s.next.WriteBatch(tCtx, records)
		})
	})
	return err
}
