// Package idempotency — двухъярусная дедупликация запросов на решение.
// Ретрай с тем же idempotency_key обязан получить байт-в-байт тот же ответ:
// иначе PSP увидит ALLOW и BLOCK на одну и ту же транзакцию.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/domain"
	"github.com/xela07ax/fraudgate/internal/infra"
)

// TTL ключа: сутки — дольше любого разумного ретрая PSP.
const DefaultTTL = 24 * time.Hour

// Резервирование ключа держателем конвейера.
const (
	// pendingMarker — «решение считается прямо сейчас». Невалидный JSON,
	// так что с готовым ответом его не перепутать.
	pendingMarker = "PENDING"
	// pendingTTL страхует от умершего держателя: маркер без результата
	// истекает, и ключ забирает следующий дубль.
	pendingTTL   = 10 * time.Second
	pollInterval = 20 * time.Millisecond
	pollBudget   = 3 * time.Second
)

// ErrStoreDown — оба яруса недоступны: дедупликацию гарантировать нельзя.
// Вызывающий переводит решение в консервативный вердикт, а не гадает.
var ErrStoreDown = errors.New("idempotency: both tiers unavailable")

// ErrInFlight — параллельный дубль не дождался результата держателя.
// Вызывающий отдает консервативный вердикт и НЕ перезаписывает ключ.
var ErrInFlight = errors.New("idempotency: duplicate request in flight")

// Cache — быстрый ярус (Redis). SetNX — атомарное резервирование ключа.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, val string, ttl time.Duration) error
	SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error)
}

// Archive — медленный надежный ярус (Postgres). Lookup возвращает (nil, nil)
// при отсутствии записи.
type Archive interface {
	Lookup(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, payload []byte, expiresAt time.Time) error
}

// Guard сшивает ярусы: читаем сначала быстрый, потом надежный;
// пишем в оба. Промах быстрого при попадании надежного — прогреваем быстрый.
//
// Свежий ключ резервируется через SET NX: ровно один вызов получает право
// на полный конвейер, параллельные дубли ждут его результат.
type Guard struct {
	cache   Cache
	archive Archive
	ttl     time.Duration
	logger  *zap.Logger
}

func NewGuard(cache Cache, archive Archive, logger *zap.Logger) *Guard {
	return &Guard{
		cache:   cache,
		archive: archive,
		ttl:     DefaultTTL,
		logger:  logger.With(zap.String("mod", "idempotency")),
	}
}

// Check ищет ранее отданный ответ по ключу и резервирует свежие ключи.
// Возврат (nil, nil) — ключ наш, считаем решение.
// Возврат ErrInFlight — держатель ключа не успел, перезаписывать нельзя.
// Возврат ErrStoreDown — оба яруса легли; решать без дедупликации опасно.
func (g *Guard) Check(ctx context.Context, key string) (*domain.DecisionResponse, error) {
	raw, found, err := g.cache.Get(ctx, key)
	switch {
	case err != nil:
		// Быстрый ярус лег: резервирование недоступно, но завершенные
		// ключи все еще видны через архив
		g.logger.Warn("idempotency cache tier down", zap.Error(err))
		return g.checkArchive(ctx, key, true)
	case found && raw == pendingMarker:
		return g.awaitHolder(ctx, key)
	case found:
		return decode([]byte(raw), g.logger)
	}

	// Промах кэша: ключ мог быть обработан до рестарта Redis
	resp, err := g.checkArchive(ctx, key, false)
	if resp != nil || err != nil {
		return resp, err
	}

	// Свежий ключ: забираем право на конвейер атомарно
	ok, err := g.cache.SetNX(ctx, key, pendingMarker, pendingTTL)
	if err != nil {
		g.logger.Warn("idempotency reserve failed", zap.Error(err))
		return nil, nil
	}
	if !ok {
		// Проиграли гонку параллельному дублю — сходимся на его результате
		return g.awaitHolder(ctx, key)
	}
	return nil, nil
}

// awaitHolder ждет, пока держатель ключа заменит маркер готовым ответом.
func (g *Guard) awaitHolder(ctx context.Context, key string) (*domain.DecisionResponse, error) {
	deadline := time.Now().Add(pollBudget)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ErrInFlight
		case <-time.After(pollInterval):
		}

		raw, found, err := g.cache.Get(ctx, key)
		if err != nil {
			return nil, ErrInFlight
		}
		if found && raw != pendingMarker {
			return decode([]byte(raw), g.logger)
		}
		if !found {
			// Маркер истек без результата: держатель умер, ключ свободен
			ok, err := g.cache.SetNX(ctx, key, pendingMarker, pendingTTL)
			if err == nil && ok {
				return nil, nil
			}
		}
	}
	return nil, ErrInFlight
}

func (g *Guard) checkArchive(ctx context.Context, key string, cacheDown bool) (*domain.DecisionResponse, error) {
	payload, err := g.archive.Lookup(ctx, key)
	if err != nil {
		if cacheDown {
			return nil, ErrStoreDown
		}
		// Быстрый ярус жив и ответа не знает — считаем ключ свежим
		g.logger.Warn("idempotency archive tier down", zap.Error(err))
		return nil, nil
	}
	if payload == nil {
		return nil, nil
	}

	// Попадание в архив при промахе кэша: прогреваем кэш
	if !cacheDown {
		if err := g.cache.Set(ctx, key, string(payload), g.ttl); err != nil {
			g.logger.Warn("idempotency cache warm failed", zap.Error(err))
		}
	}
	return decode(payload, g.logger)
}

// Store фиксирует отданный ответ в обоих ярусах (и снимает pending-маркер).
// Ошибки не фатальны: ответ уже ушел клиенту, мы лишь снижаем гарантию
// дедупликации.
func (g *Guard) Store(ctx context.Context, key string, resp *domain.DecisionResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		g.logger.Error("idempotency marshal failed", zap.String("key", key), zap.Error(err))
		return
	}

	if err := g.cache.Set(ctx, key, string(payload), g.ttl); err != nil {
		g.logger.Warn("idempotency cache store failed", zap.String("key", key), zap.Error(err))
	}
	if err := g.archive.Save(ctx, key, payload, time.Now().UTC().Add(g.ttl)); err != nil {
		g.logger.Warn("idempotency archive store failed", zap.String("key", key), zap.Error(err))
	}
}

func decode(payload []byte, logger *zap.Logger) (*domain.DecisionResponse, error) {
	var resp domain.DecisionResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		// Битый кэш трактуем как промах, а не как отказ
		logger.Error("idempotency payload corrupted", zap.Error(err))
		return nil, nil
	}
	resp.Cached = true
	return &resp, nil
}

// RedisCache — быстрый ярус поверх Redis.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, infra.IdempotencyKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	return c.rdb.Set(ctx, infra.IdempotencyKey(key), val, ttl).Err()
}

func (c *RedisCache) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, infra.IdempotencyKey(key), val, ttl).Result()
}
