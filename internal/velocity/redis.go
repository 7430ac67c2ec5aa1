package velocity

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/infra"
)

// RedisStore — продовая реализация Store поверх Redis ZSET.
// Все операции пакуются в один pipeline: бюджет фиче-стора — 50ms на
// ВСЕ счетчики, так что round-trip должен быть ровно один.
type RedisStore struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisStore(rdb *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		logger: logger.With(zap.String("mod", "velocity")),
	}
}

// ttlSlack — запас поверх MaxWindow, чтобы ключ не истек раньше,
// чем событие выпадет из самого длинного окна.
const ttlSlack = 24 * time.Hour

func (s *RedisStore) Record(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}

	pipe := s.rdb.Pipeline()
	for _, smp := range samples {
		key := infra.VelocityKey(smp.EntityType, smp.EntityID, smp.Metric)
		score := float64(smp.At.UnixMilli())

		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: smp.Member})
		// Подчищаем хвост старше ретеншена, чтобы ZSET не рос бесконечно
		pipe.ZRemRangeByScore(ctx, key, "0", formatScore(smp.At.Add(-MaxWindow).UnixMilli()-1))
		pipe.Expire(ctx, key, MaxWindow+ttlSlack)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("velocity record failed", zap.Int("samples", len(samples)), zap.Error(err))
		return err
	}
	return nil
}

func (s *RedisStore) Counts(ctx context.Context, now time.Time, queries []Query) ([]int64, error) {
	counts := make([]int64, len(queries))
	if len(queries) == 0 {
		return counts, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(queries))
	maxScore := formatScore(now.UnixMilli())
	for i, q := range queries {
		key := infra.VelocityKey(q.EntityType, q.EntityID, q.Metric)
		// Полуоткрытое окно (now-W, now]: "(" исключает нижнюю границу
		minScore := "(" + formatScore(now.Add(-q.Window).UnixMilli())
		cmds[i] = pipe.ZCount(ctx, key, minScore, maxScore)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		// Fail-open: нули + ошибка. Решение о деградации — за вызывающим.
		s.logger.Warn("velocity counts failed", zap.Int("queries", len(queries)), zap.Error(err))
		return counts, err
	}

	for i, cmd := range cmds {
		counts[i] = cmd.Val()
	}
	return counts, nil
}

func (s *RedisStore) SumAmount(ctx context.Context, entityType, entityID string, window time.Duration, now time.Time) (int64, error) {
	key := infra.VelocityKey(entityType, entityID, MetricAmounts)
	members, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "(" + formatScore(now.Add(-window).UnixMilli()),
		Max: formatScore(now.UnixMilli()),
	}).Result()
	if err != nil {
		s.logger.Warn("velocity sum failed", zap.String("key", key), zap.Error(err))
		return 0, err
	}

	var total int64
	for _, m := range members {
		total += DecodeAmount(m)
	}
	return total, nil
}

func (s *RedisStore) Seen(ctx context.Context, entityType, entityID, metric, member string) (bool, error) {
	key := infra.VelocityKey(entityType, entityID, metric)
	_, err := s.rdb.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ZCOUNT и ZRANGEBYSCORE принимают границы строками
func formatScore(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
