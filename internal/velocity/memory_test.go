package velocity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordAttempt(t *testing.T, s Store, id string, at time.Time) {
	t.Helper()
	err := s.Record(context.Background(), []Sample{{
		EntityType: "card",
		EntityID:   "tok_1",
		Metric:     MetricAttempts,
		Member:     id,
		At:         at,
	}})
	require.NoError(t, err)
}

func countAttempts(t *testing.T, s Store, window time.Duration, now time.Time) int64 {
	t.Helper()
	counts, err := s.Counts(context.Background(), now, []Query{{
		EntityType: "card", EntityID: "tok_1", Metric: MetricAttempts, Window: window,
	}})
	require.NoError(t, err)
	return counts[0]
}

func TestSlidingWindowExpiry(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	// Пять попыток в момент T
	for i := 0; i < 5; i++ {
		recordAttempt(t, s, string(rune('a'+i)), base)
	}

	assert.EqualValues(t, 5, countAttempts(t, s, Window10M, base))
	// T+9m — все еще в 10-минутном окне
	assert.EqualValues(t, 5, countAttempts(t, s, Window10M, base.Add(9*time.Minute)))
	// T+11m — из 10-минутного выпали, в часовом остались
	assert.EqualValues(t, 0, countAttempts(t, s, Window10M, base.Add(11*time.Minute)))
	assert.EqualValues(t, 5, countAttempts(t, s, Window1H, base.Add(11*time.Minute)))
}

func TestWindowLowerBoundExclusive(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	recordAttempt(t, s, "tx1", base)

	// Окно полуоткрытое (now-W, now]: событие ровно на нижней границе выпало
	assert.EqualValues(t, 0, countAttempts(t, s, Window10M, base.Add(Window10M)))
	// На миллисекунду раньше границы — еще внутри
	assert.EqualValues(t, 1, countAttempts(t, s, Window10M, base.Add(Window10M-time.Millisecond)))
	// Событие в момент now включено (верхняя граница закрыта)
	assert.EqualValues(t, 1, countAttempts(t, s, Window10M, base))
}

func TestDistinctMemberSemantics(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// Один и тот же device трижды против карты: distinct-счетчик должен дать 1
	for i := 0; i < 3; i++ {
		err := s.Record(ctx, []Sample{{
			EntityType: "card", EntityID: "tok_1", Metric: MetricDevices,
			Member: "dev_42", At: base.Add(time.Duration(i) * time.Minute),
		}})
		require.NoError(t, err)
	}
	err := s.Record(ctx, []Sample{{
		EntityType: "card", EntityID: "tok_1", Metric: MetricDevices,
		Member: "dev_43", At: base,
	}})
	require.NoError(t, err)

	counts, err := s.Counts(ctx, base.Add(5*time.Minute), []Query{{
		EntityType: "card", EntityID: "tok_1", Metric: MetricDevices, Window: Window24H,
	}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts[0])
}

func TestRepeatMemberRefreshesScore(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// member переписан свежим score: из короткого окна не выпадает,
	// пока последнее появление внутри окна
	err := s.Record(ctx, []Sample{{
		EntityType: "ip", EntityID: "10.0.0.1", Metric: MetricCards,
		Member: "tok_9", At: base,
	}})
	require.NoError(t, err)
	err = s.Record(ctx, []Sample{{
		EntityType: "ip", EntityID: "10.0.0.1", Metric: MetricCards,
		Member: "tok_9", At: base.Add(50 * time.Minute),
	}})
	require.NoError(t, err)

	counts, err := s.Counts(ctx, base.Add(70*time.Minute), []Query{{
		EntityType: "ip", EntityID: "10.0.0.1", Metric: MetricCards, Window: Window1H,
	}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[0])
}

func TestSumAmount(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	samples := []Sample{
		{EntityType: "user", EntityID: "u1", Metric: MetricAmounts, Member: AmountMember("tx1", 1500), At: base},
		{EntityType: "user", EntityID: "u1", Metric: MetricAmounts, Member: AmountMember("tx2", 2500), At: base.Add(time.Hour)},
		// Выпадает из суточного окна
		{EntityType: "user", EntityID: "u1", Metric: MetricAmounts, Member: AmountMember("tx0", 99999), At: base.Add(-25 * time.Hour)},
	}
	require.NoError(t, s.Record(ctx, samples))

	total, err := s.SumAmount(ctx, "user", "u1", Window24H, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 4000, total)
}

func TestDecodeAmount(t *testing.T) {
	assert.EqualValues(t, 1500, DecodeAmount("tx1|1500"))
	assert.EqualValues(t, 0, DecodeAmount("no-separator"))
	assert.EqualValues(t, 0, DecodeAmount("tx|not-a-number"))
}
