package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "fraud"
)

// Ключи для Sets и блокировок (состояние)
const (
	RedisKeySafeMode       = RedisNamespace + ":safe_mode"
	RedisKeyLockSafeMode   = RedisNamespace + ":lock:warmup:safe_mode"
	RedisKeyIdemPrefix     = RedisNamespace + ":idem:"
	RedisKeyProfilePrefix  = RedisNamespace + ":profile:"
	RedisKeyVelocityPrefix = RedisNamespace + ":vel:"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanSafeMode — сигнал включения/выключения деградированного режима.
	RedisChanSafeMode = RedisNamespace + ":safe-mode-signal"
	// RedisChanPolicyUpdate — трансляция активации новой версии политики.
	RedisChanPolicyUpdate = RedisNamespace + ":policy-update"
)

// VelocityKey — ключ ZSET скользящего окна: fraud:vel:{тип}:{id}:{метрика}.
// Внутри ZSET member = id события, score = unix millis.
func VelocityKey(entityType, entityID, metric string) string {
	return fmt.Sprintf("%s%s:%s:%s", RedisKeyVelocityPrefix, entityType, entityID, metric)
}

// ProfileKey — hash долгоживущего профиля сущности.
func ProfileKey(entityType, entityID string) string {
	return fmt.Sprintf("%s%s:%s", RedisKeyProfilePrefix, entityType, entityID)
}

// IdempotencyKey — ключ дедупликации запроса на решение.
func IdempotencyKey(key string) string {
	return RedisKeyIdemPrefix + key
}
