package features

import (
	"context"
	"sync"
)

// MemoryProfileStore — профили в памяти процесса (тесты, локальный запуск).
type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[Ref]*Profile
}

func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{profiles: make(map[Ref]*Profile)}
}

func (s *MemoryProfileStore) GetMulti(_ context.Context, refs []Ref) ([]*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Profile, len(refs))
	for i, ref := range refs {
		if p, ok := s.profiles[ref]; ok {
			cp := *p
			out[i] = &cp
		} else {
			out[i] = &Profile{}
		}
	}
	return out, nil
}

func (s *MemoryProfileStore) Apply(_ context.Context, ref Ref, upd ProfileUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[ref]
	if !ok {
		p = &Profile{}
		s.profiles[ref] = p
	}

	if p.FirstSeen.IsZero() {
		p.FirstSeen = upd.At
	}
	p.LastSeen = upd.At
	p.TxnCount += upd.TxnDelta
	p.ChargebackCount += upd.ChargebackDelta
	p.RefundCount += upd.RefundDelta

	if upd.AmountCents != nil {
		x := float64(*upd.AmountCents)
		p.AmountN++
		delta := x - p.AmountMean
		p.AmountMean += delta / float64(p.AmountN)
		p.AmountM2 += delta * (x - p.AmountMean)
	}

	if upd.Country != "" {
		p.LastCountry = upd.Country
	}
	if upd.Lat != nil && upd.Lon != nil {
		lat, lon := *upd.Lat, *upd.Lon
		p.LastLat, p.LastLon = &lat, &lon
	}
	return nil
}
