// Package velocity реализует скользящие окна частотных счетчиков.
//
// Модель данных: один ZSET на пару (сущность, метрика), member — id события
// либо значение (для distinct-счетчиков), score — unix millis. Поскольку
// member в ZSET уникален, повторная запись того же значения лишь обновляет
// score: ZCOUNT по окну дает ровно distinct-количество. Точность окна — на
// уровне события, без аппроксимаций бакетами.
package velocity

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Стандартные окна. Запрос с произвольным окном тоже валиден,
// но фиче-стор оперирует этим набором.
const (
	Window10M = 10 * time.Minute
	Window1H  = time.Hour
	Window24H = 24 * time.Hour
	Window7D  = 7 * 24 * time.Hour
	Window30D = 30 * 24 * time.Hour
	Window90D = 90 * 24 * time.Hour
)

// MaxWindow ограничивает ретеншн: события старше выпадают из всех окон.
const MaxWindow = Window90D

// Метрики. Семантика member зависит от метрики:
// attempts/declines — id транзакции; accounts/devices/ips/cards/users — id сущности.
const (
	MetricAttempts = "attempts"
	MetricDeclines = "declines"
	MetricDevices  = "devices"
	MetricIPs      = "ips"
	MetricCards    = "cards"
	MetricUsers    = "users"
	MetricAmounts  = "amounts"
)

// Sample — одна запись в окно.
type Sample struct {
	EntityType string
	EntityID   string
	Metric     string
	Member     string
	At         time.Time
}

// Query — один счетчик к чтению.
type Query struct {
	EntityType string
	EntityID   string
	Metric     string
	Window     time.Duration
}

// Store — хранилище скользящих окон.
//
// Контракт деградации: Counts при недоступности бэкенда возвращает нулевой
// срез И ошибку — вызывающий сам решает, деградировать или падать.
// Хранилище никогда не блокирует решение дольше, чем позволяет ctx.
type Store interface {
	// Record пишет пачку записей одним round-trip (fire-and-forget после решения).
	Record(ctx context.Context, samples []Sample) error

	// Counts читает пачку счетчиков одним round-trip.
	// len(result) == len(queries); граница окна включительна: событие с
	// ts == now-window еще считается, ts < now-window — уже нет.
	Counts(ctx context.Context, now time.Time, queries []Query) ([]int64, error)

	// SumAmount суммирует суммы (центы) по окну метрики MetricAmounts.
	SumAmount(ctx context.Context, entityType, entityID string, window time.Duration, now time.Time) (int64, error)

	// Seen — встречался ли member в метрике в пределах ретеншена
	// (для признаков "новая карта у юзера" и т.п.).
	Seen(ctx context.Context, entityType, entityID, metric, member string) (bool, error)
}

// AmountMember кодирует сумму в member ZSET: "txnID|cents".
// Декодирование — в реализациях SumAmount.
func AmountMember(txnID string, cents int64) string {
	return txnID + "|" + strconv.FormatInt(cents, 10)
}

// DecodeAmount вытаскивает центы из member; 0 для членов без суффикса.
func DecodeAmount(member string) int64 {
	idx := strings.LastIndexByte(member, '|')
	if idx < 0 {
		return 0
	}
	cents, err := strconv.ParseInt(member[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return cents
}
