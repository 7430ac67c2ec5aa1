package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/domain"
	"github.com/xela07ax/fraudgate/internal/infra"
)

// VersionRepository — персистентная append-only история версий.
// ActiveVersion возвращает (nil, nil), если ни одной версии еще нет.
type VersionRepository interface {
	ActiveVersion(ctx context.Context) (*domain.PolicyVersion, error)
	SaveVersion(ctx context.Context, v *domain.PolicyVersion) (int64, error)
	GetVersion(ctx context.Context, id int64) (*domain.PolicyVersion, error)
	ListVersions(ctx context.Context, limit int) ([]domain.PolicyVersion, error)
}

// Service — управление жизненным циклом политики: bootstrap, изменения,
// откаты, горячая синхронизация между инстансами через Pub/Sub.
// Любая мутация проходит один и тот же путь: новая версия в БД ->
// atomic swap у себя -> сигнал остальным инстансам.
type Service struct {
	engine *Engine
	repo   VersionRepository
	rdb    *redis.Client
	logger *zap.Logger
}

func NewService(engine *Engine, repo VersionRepository, rdb *redis.Client, logger *zap.Logger) *Service {
	return &Service{
		engine: engine,
		repo:   repo,
		rdb:    rdb,
		logger: logger.With(zap.String("mod", "policy_service")),
	}
}

// Bootstrap активирует политику при старте по убыванию предпочтения:
// активная версия из БД -> seed-документ из файла -> встроенный fallback.
// К моменту возврата без ошибки активная версия гарантированно есть.
func (s *Service) Bootstrap(ctx context.Context, seed *domain.PolicyDocument) error {
	active, err := s.repo.ActiveVersion(ctx)
	if err != nil {
		s.logger.Warn("policy store unavailable on boot, using fallback", zap.Error(err))
		return s.engine.Swap(FallbackVersion())
	}
	if active != nil {
		return s.engine.Swap(active)
	}

	if seed != nil {
		if _, err := s.Apply(ctx, *seed, domain.ChangeInitial, "seeded from config file", "system"); err != nil {
			s.logger.Warn("seed policy rejected, using fallback", zap.Error(err))
			return s.engine.Swap(FallbackVersion())
		}
		return nil
	}

	_, err = s.Apply(ctx, FallbackDocument(), domain.ChangeInitial, "built-in fallback", "system")
	if err != nil {
		return s.engine.Swap(FallbackVersion())
	}
	return nil
}

// Apply валидирует документ, персистит его новой версией и активирует.
// Порядок важен: сначала БД, потом swap — версия без записи в истории
// не должна оказаться в трафике.
func (s *Service) Apply(ctx context.Context, doc domain.PolicyDocument, changeType, summary, changedBy string) (*domain.PolicyVersion, error) {
	return s.apply(ctx, doc, changeType, summary, changedBy, 0)
}

func (s *Service) apply(ctx context.Context, doc domain.PolicyDocument, changeType, summary, changedBy string, rollbackOf int64) (*domain.PolicyVersion, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	v := &domain.PolicyVersion{
		Document:      doc,
		Hash:          doc.Hash(),
		ChangeType:    changeType,
		ChangeSummary: summary,
		ChangedBy:     changedBy,
		RollbackOf:    rollbackOf,
		CreatedAt:     time.Now().UTC(),
		Active:        true,
	}

	id, err := s.repo.SaveVersion(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("persist policy version: %w", err)
	}
	v.ID = id

	if err := s.engine.Swap(v); err != nil {
		// Валидация уже прошла, так что сюда попасть нельзя; страховка
		return nil, err
	}

	s.publish(ctx, id)
	return v, nil
}

// Mutate клонирует активный документ, применяет изменение и публикует
// результат новой версией. Активный документ никогда не мутируется на месте.
func (s *Service) Mutate(ctx context.Context, changeType, summary, changedBy string, change func(*domain.PolicyDocument) error) (*domain.PolicyVersion, error) {
	active := s.engine.Active()
	if active == nil {
		return nil, fmt.Errorf("policy: no active version")
	}

	doc, err := cloneDocument(&active.Document)
	if err != nil {
		return nil, err
	}
	if err := change(doc); err != nil {
		return nil, err
	}
	return s.Apply(ctx, *doc, changeType, summary, changedBy)
}

// Rollback создает НОВУЮ версию с содержимым целевой: история остается
// линейной и append-only, "машины времени" с переключением указателя нет.
func (s *Service) Rollback(ctx context.Context, targetID int64, changedBy string) (*domain.PolicyVersion, error) {
	target, err := s.repo.GetVersion(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("policy: version %d not found", targetID)
	}

	// Ссылка на целевую версию должна попасть в персистентную запись,
	// поэтому проставляется до SaveVersion, а не на возвращенной копии.
	return s.apply(ctx, target.Document, domain.ChangeRollback,
		fmt.Sprintf("rollback to v%d", targetID), changedBy, targetID)
}

// Versions — история для админки, новые сверху.
func (s *Service) Versions(ctx context.Context, limit int) ([]domain.PolicyVersion, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListVersions(ctx, limit)
}

// Active — текущая активная версия.
func (s *Service) Active() *domain.PolicyVersion {
	return s.engine.Active()
}

// Reload перечитывает активную версию из БД (реакция на сигнал соседа).
func (s *Service) Reload(ctx context.Context) error {
	active, err := s.repo.ActiveVersion(ctx)
	if err != nil {
		return err
	}
	if active == nil {
		return nil
	}
	cur := s.engine.Active()
	if cur != nil && cur.ID == active.ID {
		return nil
	}
	return s.engine.Swap(active)
}

// StartListener — живучая подписка на policy-update: соседний инстанс
// активировал версию, мы подтягиваем ее из БД. onReconnect тоже зовет
// Reload: разрыв соединения не оставляет инстанс на устаревшей политике.
func (s *Service) StartListener(ctx context.Context) {
	infra.ListenStateResilient(ctx, s.rdb, s.logger, infra.RedisChanPolicyUpdate,
		func() error { return s.Reload(ctx) },
		func(payload string) {
			if err := s.Reload(ctx); err != nil {
				s.logger.Error("policy reload failed", zap.String("signal", payload), zap.Error(err))
			}
		})
}

func (s *Service) publish(ctx context.Context, versionID int64) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Publish(ctx, infra.RedisChanPolicyUpdate, strconv.FormatInt(versionID, 10)).Err(); err != nil {
		s.logger.Warn("policy update signal failed", zap.Int64("version", versionID), zap.Error(err))
	}
}

// cloneDocument — глубокая копия через JSON: документ маленький,
// а мутации редкие, так что простота важнее скорости.
func cloneDocument(d *domain.PolicyDocument) (*domain.PolicyDocument, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out domain.PolicyDocument
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
