package velocity

import (
	"context"
	"sync"
	"time"
)

// MemoryStore — реализация Store в памяти процесса. Используется в тестах
// и как запасной вариант для локального запуска без Redis.
// Семантика идентична RedisStore: member уникален, повтор обновляет score.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]time.Time // key -> member -> последний ts
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]time.Time)}
}

func memKey(entityType, entityID, metric string) string {
	return entityType + ":" + entityID + ":" + metric
}

func (s *MemoryStore) Record(_ context.Context, samples []Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, smp := range samples {
		key := memKey(smp.EntityType, smp.EntityID, smp.Metric)
		members, ok := s.data[key]
		if !ok {
			members = make(map[string]time.Time)
			s.data[key] = members
		}
		members[smp.Member] = smp.At

		// Ретеншн: выкидываем то, что выпало из самого длинного окна
		cutoff := smp.At.Add(-MaxWindow)
		for m, ts := range members {
			if ts.Before(cutoff) {
				delete(members, m)
			}
		}
	}
	return nil
}

func (s *MemoryStore) Counts(_ context.Context, now time.Time, queries []Query) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make([]int64, len(queries))
	for i, q := range queries {
		members := s.data[memKey(q.EntityType, q.EntityID, q.Metric)]
		cutoff := now.Add(-q.Window)
		for _, ts := range members {
			// Полуоткрытое окно (now-W, now]: нижняя граница исключена
			if ts.After(cutoff) && !ts.After(now) {
				counts[i]++
			}
		}
	}
	return counts, nil
}

func (s *MemoryStore) Seen(_ context.Context, entityType, entityID, metric, member string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[memKey(entityType, entityID, metric)][member]
	return ok, nil
}

func (s *MemoryStore) SumAmount(_ context.Context, entityType, entityID string, window time.Duration, now time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.data[memKey(entityType, entityID, MetricAmounts)]
	cutoff := now.Add(-window)

	var total int64
	for m, ts := range members {
		if ts.After(cutoff) && !ts.After(now) {
			total += DecodeAmount(m)
		}
	}
	return total, nil
}
