package engine

/*
Safe mode — аварийный рубильник конвейера. Когда зависимости лежат
(Redis недоступен, политика не грузится), оператор переводит шлюз в
деградированный режим: каждая транзакция получает консервативный вердикт
без скоринга, но с полным evidence-следом.

Состояние двухуровневое: L1 — локальный флаг в памяти каждого инстанса,
L2 — ключ в Redis. Инстансы синхронизируются через Pub/Sub, при
переподключении перечитывают ключ целиком — потерянный в разрыве сигнал
не оставляет инстанс в рассинхроне навсегда.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/infra"
)

// SafeModeState — публичное состояние режима, уходит в админ-API и evidence.
type SafeModeState struct {
	Enabled bool      `json:"enabled"`
	Reason  string    `json:"reason,omitempty"`
	Actor   string    `json:"actor,omitempty"`
	Since   time.Time `json:"since,omitempty"`
}

type SafeModeManager struct {
	mu     sync.RWMutex
	state  SafeModeState
	rdb    *redis.Client
	logger *zap.Logger
}

func NewSafeModeManager(rdb *redis.Client, logger *zap.Logger) *SafeModeManager {
	return &SafeModeManager{
		rdb:    rdb,
		logger: logger.With(zap.String("mod", "safemode")),
	}
}

// Init загружает состояние из Redis при старте инстанса. Если ключа нет —
// один из инстансов (под распределенным SetNX-локом) инициализирует его
// выключенным состоянием, чтобы дальше все читали одно и то же.
func (m *SafeModeManager) Init(ctx context.Context) error {
	raw, err := m.rdb.Get(ctx, infra.RedisKeySafeMode).Result()
	if err == nil {
		m.applyPayload(raw)
		return nil
	}
	if !errors.Is(err, redis.Nil) {
		return err
	}

	ok, lockErr := m.rdb.SetNX(ctx, infra.RedisKeyLockSafeMode, "seeding", 30*time.Second).Result()
	if lockErr != nil || !ok {
		return nil // либо сети нет, либо ключ уже сеет другой инстанс
	}

	seed, _ := json.Marshal(SafeModeState{Enabled: false})
	return m.rdb.Set(ctx, infra.RedisKeySafeMode, seed, 0).Err()
}

// StartListener держит живучую подписку на сигналы переключения режима.
// Запускается в отдельной горутине из main.
func (m *SafeModeManager) StartListener(ctx context.Context) {
	infra.ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanSafeMode,
		func() error {
			raw, err := m.rdb.Get(ctx, infra.RedisKeySafeMode).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			m.applyPayload(raw)
			return nil
		},
		m.applyPayload,
	)
}

// Enable включает режим на всем флоте: пишем L2, шлем сигнал, ставим L1
// локально сразу — свой инстанс не должен ждать собственного Pub/Sub.
func (m *SafeModeManager) Enable(ctx context.Context, reason, actor string) error {
	return m.transition(ctx, SafeModeState{
		Enabled: true,
		Reason:  reason,
		Actor:   actor,
		Since:   time.Now().UTC(),
	})
}

func (m *SafeModeManager) Disable(ctx context.Context, actor string) error {
	return m.transition(ctx, SafeModeState{
		Enabled: false,
		Actor:   actor,
		Since:   time.Now().UTC(),
	})
}

func (m *SafeModeManager) transition(ctx context.Context, next SafeModeState) error {
	payload, err := json.Marshal(next)
	if err != nil {
		return err
	}

	m.setState(next)

	if m.rdb == nil {
		return nil
	}
	if err := m.rdb.Set(ctx, infra.RedisKeySafeMode, payload, 0).Err(); err != nil {
		// Локальный флаг уже переключен: даже при недоступном Redis этот
		// инстанс ведет себя как велел оператор
		m.logger.Error("failed to persist safe mode state", zap.Error(err))
		return err
	}
	if err := m.rdb.Publish(ctx, infra.RedisChanSafeMode, payload).Err(); err != nil {
		m.logger.Error("failed to broadcast safe mode signal", zap.Error(err))
		return err
	}

	m.logger.Warn("safe mode transition",
		zap.Bool("enabled", next.Enabled),
		zap.String("reason", next.Reason),
		zap.String("actor", next.Actor))
	return nil
}

func (m *SafeModeManager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Enabled
}

func (m *SafeModeManager) State() SafeModeState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *SafeModeManager) applyPayload(payload string) {
	var st SafeModeState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		m.logger.Error("malformed safe mode payload", zap.String("payload", payload), zap.Error(err))
		return
	}
	m.setState(st)
}

func (m *SafeModeManager) setState(st SafeModeState) {
	m.mu.Lock()
	changed := m.state.Enabled != st.Enabled
	m.state = st
	m.mu.Unlock()

	if changed {
		m.logger.Warn("safe mode state changed", zap.Bool("enabled", st.Enabled), zap.String("reason", st.Reason))
	}
}
