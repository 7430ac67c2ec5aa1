package engine

/*
Ядро конвейера решений. Путь одной транзакции:

 1. Валидация события — без transaction_id/idempotency_key решать нельзя.
 2. Идемпотентность — ретрай получает байт-в-байт прежний ответ, свежий
    ключ резервируется за этим вызовом.
 3. Safe mode — при деградации отдаем сконфигурированный вердикт без скоринга.
 4. Фичи -> детекторы -> скоринг -> политика, все под жестким дедлайном.
 5. Фиксация: ответ в идемпотентность, слепок в evidence, сигналы в velocity.

Шаг 5 уходит в фоновый пул — клиент не ждет записи. Пул ограничен:
при переполнении очереди фоновую работу теряем, но решение отдаем всегда.
*/

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/detect"
	"github.com/xela07ax/fraudgate/internal/domain"
	"github.com/xela07ax/fraudgate/internal/evidence"
	"github.com/xela07ax/fraudgate/internal/features"
	"github.com/xela07ax/fraudgate/internal/idempotency"
	"github.com/xela07ax/fraudgate/internal/infra"
	"github.com/xela07ax/fraudgate/internal/policy"
	"github.com/xela07ax/fraudgate/internal/scoring"
)

// Кол-во горутин фонового пула фиксации (evidence, velocity, идемпотентность).
const backgroundWorkers = 4

// OutcomeSink — долговременное хранилище исходов (Postgres).
type OutcomeSink interface {
	Save(ctx context.Context, o *domain.Outcome) error
}

// Deps — зависимости ядра, собираются в main.
type Deps struct {
	Features *features.Store
	Detect   *detect.Engine
	Scorer   *scoring.Scorer
	Policy   *policy.Engine
	Guard    *idempotency.Guard
	SafeMode *SafeModeManager
	Recorder *evidence.Recorder
	Outcomes OutcomeSink
	Metrics  *Metrics
}

type Core struct {
	cfg    infra.EngineConfig
	deps   Deps
	logger *zap.Logger

	// Вердикты деградаций, распарсенные один раз на старте
	timeoutDecision  domain.Decision
	idemDownDecision domain.Decision
	safeModeDecision domain.Decision

	tasks    chan func()
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewCore(cfg infra.EngineConfig, deps Deps, logger *zap.Logger) *Core {
	queueSize := cfg.WorkerQueueSize
	if queueSize <= 0 {
		queueSize = 2048
	}
	return &Core{
		cfg:              cfg,
		deps:             deps,
		logger:           logger.With(zap.String("mod", "engine")),
		timeoutDecision:  parseDecision(cfg.TimeoutDecision, domain.DecisionReview),
		idemDownDecision: parseDecision(cfg.IdempotencyDownDecision, domain.DecisionReview),
		safeModeDecision: parseDecision(cfg.SafeModeDecision, domain.DecisionReview),
		tasks:            make(chan func(), queueSize),
	}
}

// Start запускает фоновый пул фиксации.
func (c *Core) Start() {
	for i := 0; i < backgroundWorkers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for task := range c.tasks {
				task()
			}
		}()
	}
}

// Stop дожидается фоновой фиксации уже принятых решений.
func (c *Core) Stop() {
	c.stopOnce.Do(func() {
		close(c.tasks)
		c.wg.Wait()
	})
}

// Decide — синхронный путь решения. Ошибку возвращает только на невалидном
// событии; любая деградация зависимостей превращается в консервативный вердикт.
func (c *Core) Decide(ctx context.Context, ev *domain.PaymentEvent) (*domain.DecisionResponse, error) {
	start := time.Now()
	traceID := TraceIDFromContext(ctx)

	if err := ev.Validate(); err != nil {
		c.deps.Metrics.ErrorTotal.WithLabelValues("invalid_event").Inc()
		return nil, err
	}

	// Идемпотентность — ДО safe mode: ретрай уже решенной транзакции обязан
	// получить прежний вердикт даже в деградации. Check резервирует свежий
	// ключ за нами: параллельные дубли сходятся на нашем результате.
	cached, err := c.deps.Guard.Check(ctx, ev.IdempotencyKey)
	if err != nil {
		switch {
		case errors.Is(err, idempotency.ErrStoreDown):
			// Дедупликацию гарантировать нельзя: повторный ALLOW на ретрае
			// означал бы двойное списание, поэтому вердикт консервативный
			c.deps.Metrics.ErrorTotal.WithLabelValues("idempotency_down").Inc()
			resp := c.degradedResponse(ev, c.idemDownDecision, domain.Reason{
				Code:        domain.ReasonIdempotencyDown,
				Description: "idempotency store unavailable, duplicate detection impossible",
				Severity:    domain.SeverityHigh,
				TriggeredBy: "idempotency",
			})
			c.finalize(ctx, ev, resp, nil, start, traceID, "idempotency_down", true)
			return resp, nil
		case errors.Is(err, idempotency.ErrInFlight):
			// Держатель ключа еще считает: его результат перезаписывать
			// нельзя, поэтому отдаем консервативный вердикт БЕЗ фиксации
			c.deps.Metrics.ErrorTotal.WithLabelValues("duplicate_in_flight").Inc()
			resp := c.degradedResponse(ev, c.idemDownDecision, domain.Reason{
				Code:        domain.ReasonDuplicateInFlight,
				Description: "duplicate request, original decision still in flight",
				Severity:    domain.SeverityMedium,
				TriggeredBy: "idempotency",
			})
			c.finalize(ctx, ev, resp, nil, start, traceID, "duplicate_in_flight", false)
			return resp, nil
		default:
			return nil, err
		}
	}
	if cached != nil {
		c.deps.Metrics.DecisionsTotal.WithLabelValues(string(cached.Decision), "cache").Inc()
		return cached, nil
	}

	// Safe mode: скоринга нет, пропускать вслепую нельзя. Ключ зарезервирован
	// за нами, так что вердикт safe mode фиксируется как решение транзакции.
	if c.deps.SafeMode.IsEnabled() {
		resp := c.degradedResponse(ev, c.safeModeDecision, domain.Reason{
			Code:        domain.ReasonSafeMode,
			Description: "gateway is in degraded safe mode, decision made without scoring",
			Severity:    domain.SeverityHigh,
			TriggeredBy: "safe_mode",
		})
		resp.SafeMode = true
		c.finalize(ctx, ev, resp, nil, start, traceID, "safe_mode", true)
		return resp, nil
	}

	// Основной конвейер под жестким дедлайном
	pCtx, cancel := context.WithTimeout(ctx, c.cfg.DecisionTimeout)
	defer cancel()

	type pipelineOut struct {
		resp *domain.DecisionResponse
		fs   *domain.FeatureSet
	}
	done := make(chan pipelineOut, 1)
	go func() {
		resp, fs := c.runPipeline(pCtx, ev, start)
		done <- pipelineOut{resp: resp, fs: fs}
	}()

	select {
	case out := <-done:
		c.finalize(ctx, ev, out.resp, out.fs, start, traceID, "pipeline", true)
		return out.resp, nil
	case <-pCtx.Done():
		c.deps.Metrics.ErrorTotal.WithLabelValues("timeout").Inc()
		resp := c.degradedResponse(ev, c.timeoutDecision, domain.Reason{
			Code:        domain.ReasonDecisionTimeout,
			Description: "decision deadline exceeded, conservative verdict returned",
			Severity:    domain.SeverityHigh,
			TriggeredBy: "deadline",
		})
		c.finalize(ctx, ev, resp, nil, start, traceID, "timeout", true)
		return resp, nil
	}
}

// runPipeline — фичи, детекторы, скоринг, политика. Тайминги стадий
// попадают в ответ: по ним строится SLO-мониторинг.
func (c *Core) runPipeline(ctx context.Context, ev *domain.PaymentEvent, start time.Time) (*domain.DecisionResponse, *domain.FeatureSet) {
	fStart := time.Now()
	fs := c.deps.Features.Build(ctx, ev)
	featureMS := msSince(fStart)
	c.deps.Metrics.StageDuration.WithLabelValues("features").Observe(time.Since(fStart).Seconds())

	sStart := time.Now()
	signals := c.deps.Detect.Run(ctx, ev, fs)
	constants := c.deps.Policy.Active().Document.Scoring
	scores := c.deps.Scorer.Score(fs, signals, constants)
	scoringMS := msSince(sStart)
	c.deps.Metrics.StageDuration.WithLabelValues("scoring").Observe(time.Since(sStart).Seconds())

	pStart := time.Now()
	outcome := c.deps.Policy.Evaluate(ev, fs, scores)
	policyMS := msSince(pStart)
	c.deps.Metrics.StageDuration.WithLabelValues("policy").Observe(time.Since(pStart).Seconds())

	resp := &domain.DecisionResponse{
		TransactionID:  ev.TransactionID,
		IdempotencyKey: ev.IdempotencyKey,
		Decision:       outcome.Decision,
		Reasons:        mergeReasons(outcome.Reasons, signals),
		Scores:         scores,
		FrictionType:   outcome.FrictionType,
		ReviewPriority: outcome.ReviewPriority,
		TriggeredRules: outcome.TriggeredRules,
		PolicyVersion:  outcome.PolicyVersion,
		FeatureTimeMS:  featureMS,
		ScoringTimeMS:  scoringMS,
		PolicyTimeMS:   policyMS,
	}
	if resp.Decision == domain.DecisionFriction && resp.FrictionType != "" {
		resp.FrictionMessage = frictionMessage(resp.FrictionType)
	}
	resp.ProcessingTimeMS = msSince(start)
	return resp, fs
}

// finalize — фиксация решения: метрики синхронно, запись в фоне.
// persist=false — ответ дубля: ключ идемпотентности и слепок принадлежат
// держателю, перезаписывать их нельзя.
func (c *Core) finalize(ctx context.Context, ev *domain.PaymentEvent, resp *domain.DecisionResponse, fs *domain.FeatureSet, start time.Time, traceID, source string, persist bool) {
	if resp.ProcessingTimeMS == 0 {
		resp.ProcessingTimeMS = msSince(start)
	}
	c.deps.Metrics.DecisionsTotal.WithLabelValues(string(resp.Decision), source).Inc()
	c.deps.Metrics.DecisionDuration.WithLabelValues(string(resp.Decision)).Observe(time.Since(start).Seconds())

	// Ответ дубля не фиксируем вовсе: слепок этой пары (transaction_id,
	// idempotency_key) принадлежит держателю ключа
	if !persist {
		return
	}

	rec := evidence.Build(ev, resp, fs, traceID)
	evCopy := *ev
	c.submit(func() {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		c.deps.Guard.Store(bg, evCopy.IdempotencyKey, resp)
		c.deps.Recorder.Log(rec)
		if source == "pipeline" {
			// Velocity-окна питаем только полноценно обработанными событиями:
			// safe mode и таймаут не должны накручивать счетчики
			c.deps.Features.RecordDecision(bg, &evCopy)
		}
	})
}

// HandleOutcome принимает асинхронный исход (decline/chargeback/refund)
// и в фоне раскладывает его по окнам, профилям и долговременной таблице.
func (c *Core) HandleOutcome(ctx context.Context, o *domain.Outcome) error {
	if err := o.Validate(); err != nil {
		c.deps.Metrics.ErrorTotal.WithLabelValues("invalid_outcome").Inc()
		return err
	}

	oCopy := *o
	c.submit(func() {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		c.deps.Features.RecordOutcome(bg, &oCopy)
		if c.deps.Outcomes != nil {
			if err := c.deps.Outcomes.Save(bg, &oCopy); err != nil {
				c.logger.Warn("outcome persist failed",
					zap.String("transaction_id", oCopy.TransactionID), zap.Error(err))
			}
		}
	})
	return nil
}

// submit — постановка фоновой задачи с load shedding: решение уже отдано,
// терять его из-за забитой очереди фиксации нельзя, поэтому теряем задачу.
func (c *Core) submit(task func()) {
	select {
	case c.tasks <- task:
	default:
		c.deps.Metrics.ErrorTotal.WithLabelValues("task_queue_full").Inc()
		c.logger.Error("background queue overflow, post-decision work dropped")
	}
}

// degradedResponse — ответ деградированного пути: нулевые скоры, одна причина.
func (c *Core) degradedResponse(ev *domain.PaymentEvent, d domain.Decision, reason domain.Reason) *domain.DecisionResponse {
	version := "v0"
	if active := c.deps.Policy.Active(); active != nil {
		version = active.VersionLabel()
	}
	resp := &domain.DecisionResponse{
		TransactionID:  ev.TransactionID,
		IdempotencyKey: ev.IdempotencyKey,
		Decision:       d,
		Reasons:        []domain.Reason{reason},
		PolicyVersion:  version,
	}
	if d == domain.DecisionReview {
		resp.ReviewPriority = "HIGH"
	}
	return resp
}

// mergeReasons — причины политики первыми, затем улики детекторов
// в детерминированном порядке (по имени детектора).
func mergeReasons(policyReasons []domain.Reason, signals map[string]detect.Signal) []domain.Reason {
	out := make([]domain.Reason, 0, len(policyReasons)+4)
	out = append(out, policyReasons...)

	names := make([]string, 0, len(signals))
	for name := range signals {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		out = append(out, signals[name].Reasons...)
	}
	return out
}

func frictionMessage(ft domain.FrictionType) string {
	switch ft {
	case domain.Friction3DS:
		return "additional 3-D Secure verification required"
	case domain.FrictionOTP:
		return "one-time code verification required"
	case domain.FrictionCaptcha:
		return "captcha challenge required"
	default:
		return "additional verification required"
	}
}

func parseDecision(s string, fallback domain.Decision) domain.Decision {
	d := domain.Decision(s)
	if d.Valid() {
		return d
	}
	return fallback
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}
