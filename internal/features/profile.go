// Package features собирает снимок фич для одного решения: velocity-счетчики,
// долгоживущие профили сущностей и производные признаки.
package features

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/infra"
)

// Profile — долгоживущий агрегат по одной сущности (карта, девайс, юзер, сервис).
// Хранится Redis hash-ом; все изменения — fire-and-forget после решения.
type Profile struct {
	FirstSeen       time.Time
	LastSeen        time.Time
	TxnCount        int64
	ChargebackCount int64
	RefundCount     int64

	// Онлайн-статистика сумм по Уэлфорду: среднее и M2 без хранения истории
	AmountN    int64
	AmountMean float64
	AmountM2   float64

	LastCountry string
	LastLat     *float64
	LastLon     *float64

	RiskTier string
}

// Exists — профиль реально был в хранилище (а не нулевой дефолт).
func (p *Profile) Exists() bool {
	return p != nil && !p.FirstSeen.IsZero()
}

// AgeHours — возраст сущности на момент at.
func (p *Profile) AgeHours(at time.Time) int64 {
	if !p.Exists() {
		return 0
	}
	h := int64(at.Sub(p.FirstSeen).Hours())
	if h < 0 {
		return 0
	}
	return h
}

// AmountStdDev — выборочное стандартное отклонение сумм.
func (p *Profile) AmountStdDev() float64 {
	if p == nil || p.AmountN < 2 {
		return 0
	}
	return math.Sqrt(p.AmountM2 / float64(p.AmountN-1))
}

// ZScore — насколько сумма x выбивается из истории этой сущности.
// При недостатке истории (n<2 или нулевая дисперсия) возвращаем 0: нет сигнала.
func (p *Profile) ZScore(x float64) float64 {
	sd := p.AmountStdDev()
	if sd == 0 {
		return 0
	}
	return (x - p.AmountMean) / sd
}

// ProfileUpdate — дельта к профилю после состоявшегося решения или исхода.
type ProfileUpdate struct {
	TxnDelta        int64
	ChargebackDelta int64
	RefundDelta     int64
	AmountCents     *int64 // nil — сумму в статистику не включаем
	Country         string
	Lat             *float64
	Lon             *float64
	At              time.Time
}

// Ref — адрес профиля.
type Ref struct {
	EntityType string
	EntityID   string
}

// ProfileStore — доступ к профилям сущностей.
// GetMulti возвращает срез той же длины, что refs; несуществующий профиль —
// пустая структура (Exists()==false), а не nil и не ошибка.
type ProfileStore interface {
	GetMulti(ctx context.Context, refs []Ref) ([]*Profile, error)
	Apply(ctx context.Context, ref Ref, upd ProfileUpdate) error
}

// --- Redis-реализация ---

// Поля hash-а профиля.
const (
	fldFirstSeen  = "first_seen_ms"
	fldLastSeen   = "last_seen_ms"
	fldTxnCount   = "txn_count"
	fldChargeback = "chargeback_count"
	fldRefund     = "refund_count"
	fldAmountN    = "amount_n"
	fldAmountMean = "amount_mean"
	fldAmountM2   = "amount_m2"
	fldCountry    = "last_country"
	fldLat        = "last_lat"
	fldLon        = "last_lon"
	fldRiskTier   = "risk_tier"
)

type RedisProfileStore struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisProfileStore(rdb *redis.Client, logger *zap.Logger) *RedisProfileStore {
	return &RedisProfileStore{
		rdb:    rdb,
		logger: logger.With(zap.String("mod", "profiles")),
	}
}

func (s *RedisProfileStore) GetMulti(ctx context.Context, refs []Ref) ([]*Profile, error) {
	out := make([]*Profile, len(refs))
	for i := range out {
		out[i] = &Profile{}
	}
	if len(refs) == 0 {
		return out, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(refs))
	for i, ref := range refs {
		cmds[i] = pipe.HGetAll(ctx, infra.ProfileKey(ref.EntityType, ref.EntityID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("profile fetch failed", zap.Int("refs", len(refs)), zap.Error(err))
		return out, err
	}

	for i, cmd := range cmds {
		out[i] = parseProfile(cmd.Val())
	}
	return out, nil
}

func parseProfile(h map[string]string) *Profile {
	p := &Profile{}
	if len(h) == 0 {
		return p
	}
	if ms := parseI(h[fldFirstSeen]); ms > 0 {
		p.FirstSeen = time.UnixMilli(ms).UTC()
	}
	if ms := parseI(h[fldLastSeen]); ms > 0 {
		p.LastSeen = time.UnixMilli(ms).UTC()
	}
	p.TxnCount = parseI(h[fldTxnCount])
	p.ChargebackCount = parseI(h[fldChargeback])
	p.RefundCount = parseI(h[fldRefund])
	p.AmountN = parseI(h[fldAmountN])
	p.AmountMean = parseF(h[fldAmountMean])
	p.AmountM2 = parseF(h[fldAmountM2])
	p.LastCountry = h[fldCountry]
	if v, ok := h[fldLat]; ok && v != "" {
		f := parseF(v)
		p.LastLat = &f
	}
	if v, ok := h[fldLon]; ok && v != "" {
		f := parseF(v)
		p.LastLon = &f
	}
	p.RiskTier = h[fldRiskTier]
	return p
}

// Apply обновляет профиль. Счетчики атомарны (HINCRBY); статистика Уэлфорда —
// read-modify-write без транзакции: гонка двух конкурентных апдейтов одной
// сущности даёт погрешность в одной выборке, что для z-score несущественно.
func (s *RedisProfileStore) Apply(ctx context.Context, ref Ref, upd ProfileUpdate) error {
	key := infra.ProfileKey(ref.EntityType, ref.EntityID)
	nowMS := upd.At.UnixMilli()

	var welford map[string]string
	if upd.AmountCents != nil {
		vals, err := s.rdb.HMGet(ctx, key, fldAmountN, fldAmountMean, fldAmountM2).Result()
		if err != nil {
			s.logger.Warn("profile read for update failed", zap.String("key", key), zap.Error(err))
			return err
		}
		n := parseI(strOrEmpty(vals[0]))
		mean := parseF(strOrEmpty(vals[1]))
		m2 := parseF(strOrEmpty(vals[2]))

		// Инкремент Уэлфорда
		x := float64(*upd.AmountCents)
		n++
		delta := x - mean
		mean += delta / float64(n)
		m2 += delta * (x - mean)

		welford = map[string]string{
			fldAmountN:    strconv.FormatInt(n, 10),
			fldAmountMean: strconv.FormatFloat(mean, 'g', -1, 64),
			fldAmountM2:   strconv.FormatFloat(m2, 'g', -1, 64),
		}
	}

	pipe := s.rdb.Pipeline()
	// first_seen ставим только если его еще нет
	pipe.HSetNX(ctx, key, fldFirstSeen, nowMS)
	pipe.HSet(ctx, key, fldLastSeen, nowMS)
	if upd.TxnDelta != 0 {
		pipe.HIncrBy(ctx, key, fldTxnCount, upd.TxnDelta)
	}
	if upd.ChargebackDelta != 0 {
		pipe.HIncrBy(ctx, key, fldChargeback, upd.ChargebackDelta)
	}
	if upd.RefundDelta != 0 {
		pipe.HIncrBy(ctx, key, fldRefund, upd.RefundDelta)
	}
	if welford != nil {
		pipe.HSet(ctx, key, welford)
	}
	if upd.Country != "" {
		pipe.HSet(ctx, key, fldCountry, upd.Country)
	}
	if upd.Lat != nil && upd.Lon != nil {
		pipe.HSet(ctx, key,
			fldLat, strconv.FormatFloat(*upd.Lat, 'g', -1, 64),
			fldLon, strconv.FormatFloat(*upd.Lon, 'g', -1, 64),
		)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("profile apply failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func parseI(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func strOrEmpty(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
