package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/detect"
	"github.com/xela07ax/fraudgate/internal/domain"
	"github.com/xela07ax/fraudgate/internal/evidence"
	"github.com/xela07ax/fraudgate/internal/features"
	"github.com/xela07ax/fraudgate/internal/idempotency"
	"github.com/xela07ax/fraudgate/internal/infra"
	"github.com/xela07ax/fraudgate/internal/policy"
	"github.com/xela07ax/fraudgate/internal/scoring"
	"github.com/xela07ax/fraudgate/internal/velocity"
)

// --- Фейки хранилищ ---

type memCache struct {
	mu   sync.Mutex
	m    map[string]string
	down bool
}

func newMemCache() *memCache { return &memCache{m: make(map[string]string)} }

func (c *memCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return "", false, errors.New("cache down")
	}
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key, val string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return errors.New("cache down")
	}
	c.m[key] = val
	return nil
}

func (c *memCache) SetNX(_ context.Context, key, val string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return false, errors.New("cache down")
	}
	if _, ok := c.m[key]; ok {
		return false, nil
	}
	c.m[key] = val
	return true, nil
}

type memArchive struct {
	mu   sync.Mutex
	m    map[string][]byte
	down bool
}

func newMemArchive() *memArchive { return &memArchive{m: make(map[string][]byte)} }

func (a *memArchive) Lookup(_ context.Context, key string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.down {
		return nil, errors.New("archive down")
	}
	return a.m[key], nil
}

func (a *memArchive) Save(_ context.Context, key string, payload []byte, _ time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.down {
		return errors.New("archive down")
	}
	a.m[key] = payload
	return nil
}

type capturingStorage struct {
	mu      sync.Mutex
	records []evidence.Record
}

func (s *capturingStorage) WriteBatch(_ context.Context, records []evidence.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

func (s *capturingStorage) all() []evidence.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]evidence.Record, len(s.records))
	copy(out, s.records)
	return out
}

type memOutcomeSink struct {
	mu    sync.Mutex
	saved []domain.Outcome
}

func (s *memOutcomeSink) Save(_ context.Context, o *domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, *o)
	return nil
}

// slowVelocity имитирует тормозящий Redis в горячем пути.
type slowVelocity struct {
	velocity.Store
	delay time.Duration
}

func (s slowVelocity) Counts(ctx context.Context, now time.Time, queries []velocity.Query) ([]int64, error) {
	time.Sleep(s.delay)
	return s.Store.Counts(ctx, now, queries)
}

// --- Сборка ядра на in-memory зависимостях ---

type harness struct {
	core     *Core
	safeMode *SafeModeManager
	recorder *evidence.Recorder
	storage  *capturingStorage
	sink     *memOutcomeSink
	cache    *memCache
	archive  *memArchive
	policy   *policy.Engine

	// Задержка чтения velocity-счетчиков (имитация тормозящего Redis)
	velDelay time.Duration
}

func testDetectionConfig() infra.DetectionConfig {
	return infra.DetectionConfig{
		CardTestingAttempts10M:      5,
		CardTestingDeclineRate:      0.8,
		CardTestingMinAttempts:      3,
		CardTestingSmallAmountCents: 500,
		VelocityCardAttempts1H:      10,
		DeviceDistinctCards24H:      5,
		IPDistinctCards1H:           10,
		MaxTravelSpeedKMH:           1000,
		HighValueCents:              50000,
	}
}

func testEngineConfig() infra.EngineConfig {
	return infra.EngineConfig{
		DecisionTimeout:         500 * time.Millisecond,
		TimeoutDecision:         "REVIEW",
		IdempotencyDownDecision: "REVIEW",
		SafeModeDecision:        "REVIEW",
		EvidenceBufferSize:      64,
		EvidenceBatchSize:       16,
		EvidenceFlushInterval:   time.Hour, // флашим только на Stop
		WorkerQueueSize:         64,
	}
}

func newHarness(t *testing.T, mutate func(cfg *infra.EngineConfig, h *harness)) *harness {
	t.Helper()
	logger := zap.NewNop()

	h := &harness{
		storage: &capturingStorage{},
		sink:    &memOutcomeSink{},
		cache:   newMemCache(),
		archive: newMemArchive(),
		policy:  policy.NewEngine(logger),
	}
	require.NoError(t, h.policy.Swap(policy.FallbackVersion()))

	cfg := testEngineConfig()
	var vel velocity.Store = velocity.NewMemoryStore()
	h.safeMode = NewSafeModeManager(nil, logger)

	if mutate != nil {
		mutate(&cfg, h)
	}
	if h.velDelay > 0 {
		vel = slowVelocity{Store: vel, delay: h.velDelay}
	}

	fstore := features.NewStore(vel, features.NewMemoryProfileStore(), testDetectionConfig(), logger)
	h.recorder = evidence.NewRecorder(h.storage, cfg, logger)
	h.recorder.Start()

	h.core = NewCore(cfg, Deps{
		Features: fstore,
		Detect:   detect.NewEngine(logger, detect.DefaultDetectors(testDetectionConfig())...),
		Scorer:   scoring.NewScorer(),
		Policy:   h.policy,
		Guard:    idempotency.NewGuard(h.cache, h.archive, logger),
		SafeMode: h.safeMode,
		Recorder: h.recorder,
		Outcomes: h.sink,
		Metrics:  NewMetrics(nil),
	}, logger)
	h.core.Start()

	t.Cleanup(func() {
		h.core.Stop()
		h.recorder.Stop()
	})
	return h
}

func testEvent(txn string) *domain.PaymentEvent {
	return &domain.PaymentEvent{
		TransactionID:  txn,
		IdempotencyKey: "idem-" + txn,
		AmountCents:    4500,
		Currency:       "USD",
		CardToken:      "tok_clean_1",
		UserID:         "user_1",
		DeviceID:       "dev_1",
		ServiceID:      "svc_games",
		Channel:        "app",
		Device:         &domain.DeviceInfo{DeviceID: "dev_1", DeviceType: "mobile", OS: "iOS"},
		Geo:            &domain.GeoInfo{IPAddress: "203.0.113.7", CountryCode: "US"},
		Timestamp:      time.Now().UTC(),
	}
}

// --- Тесты ---

func TestDecideCleanTransactionAllowed(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := h.core.Decide(context.Background(), testEvent("txn-1"))
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionAllow, resp.Decision)
	assert.Equal(t, "v0", resp.PolicyVersion)
	assert.False(t, resp.SafeMode)
	assert.False(t, resp.Cached)
	assert.Less(t, resp.Scores.RiskScore, 0.4)
	assert.Greater(t, resp.ProcessingTimeMS, 0.0)
}

func TestDecideInvalidEventRejected(t *testing.T) {
	h := newHarness(t, nil)

	ev := testEvent("txn-bad")
	ev.CardToken = ""

	_, err := h.core.Decide(context.Background(), ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestDecideIdempotentReplay(t *testing.T) {
	h := newHarness(t, nil)

	ev := testEvent("txn-replay")
	first, err := h.core.Decide(context.Background(), ev)
	require.NoError(t, err)

	// Фиксация ответа идет в фоне: ждем, пока маркер резервации в кэше
	// сменится сохраненным ответом. Guard видит сырой ключ, префикс —
	// дело Redis-обертки.
	require.Eventually(t, func() bool {
		v, ok, _ := h.cache.Get(context.Background(), ev.IdempotencyKey)
		return ok && json.Valid([]byte(v))
	}, time.Second, 5*time.Millisecond)

	second, err := h.core.Decide(context.Background(), ev)
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.Decision, second.Decision)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.Scores, second.Scores)
}

func TestDecideConcurrentDuplicatesConverge(t *testing.T) {
	h := newHarness(t, func(cfg *infra.EngineConfig, _ *harness) {
		cfg.EvidenceFlushInterval = 10 * time.Millisecond
	})

	type res struct {
		resp *domain.DecisionResponse
		err  error
	}
	out := make(chan res, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := h.core.Decide(context.Background(), testEvent("txn-dup"))
			out <- res{resp, err}
		}()
	}

	var fresh int
	var decisions []domain.Decision
	for i := 0; i < 2; i++ {
		r := <-out
		require.NoError(t, r.err)
		if !r.resp.Cached {
			fresh++
		}
		decisions = append(decisions, r.resp.Decision)
	}

	// Конвейер прошла ровно одна отправка, вторая сошлась на ее вердикте
	assert.Equal(t, 1, fresh)
	assert.Equal(t, decisions[0], decisions[1])

	// И слепок решения ровно один
	require.Eventually(t, func() bool {
		return len(h.storage.all()) >= 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.storage.all(), 1)
}

func TestDecideSafeModeReturnsCachedPrior(t *testing.T) {
	h := newHarness(t, nil)

	ev := testEvent("txn-prior")
	first, err := h.core.Decide(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllow, first.Decision)

	require.Eventually(t, func() bool {
		v, ok, _ := h.cache.Get(context.Background(), ev.IdempotencyKey)
		return ok && json.Valid([]byte(v))
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.safeMode.Enable(context.Background(), "redis outage", "oncall"))

	// Ретрай в safe mode обязан вернуть исходный вердикт, а не safe-mode ответ
	second, err := h.core.Decide(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Decision, second.Decision)
	assert.False(t, second.SafeMode)
}

func TestDecideSafeModeConfiguredDecision(t *testing.T) {
	h := newHarness(t, func(cfg *infra.EngineConfig, _ *harness) {
		cfg.SafeModeDecision = "BLOCK"
	})
	require.NoError(t, h.safeMode.Enable(context.Background(), "upstream incident", "oncall"))

	resp, err := h.core.Decide(context.Background(), testEvent("txn-safe-block"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionBlock, resp.Decision)
	assert.True(t, resp.SafeMode)
}

func TestDecideSafeModeBypassesScoring(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.safeMode.Enable(context.Background(), "redis outage", "oncall"))

	resp, err := h.core.Decide(context.Background(), testEvent("txn-safe"))
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionReview, resp.Decision)
	assert.True(t, resp.SafeMode)
	assert.Equal(t, "HIGH", resp.ReviewPriority)
	require.Len(t, resp.Reasons, 1)
	assert.Equal(t, domain.ReasonSafeMode, resp.Reasons[0].Code)
	assert.Zero(t, resp.Scores.RiskScore)
}

func TestDecideIdempotencyStoreDown(t *testing.T) {
	h := newHarness(t, func(_ *infra.EngineConfig, h *harness) {
		h.cache.down = true
		h.archive.down = true
	})

	resp, err := h.core.Decide(context.Background(), testEvent("txn-idem-down"))
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionReview, resp.Decision)
	require.Len(t, resp.Reasons, 1)
	assert.Equal(t, domain.ReasonIdempotencyDown, resp.Reasons[0].Code)
	assert.Zero(t, resp.Scores.RiskScore)
}

func TestDecideBlocklistedCard(t *testing.T) {
	h := newHarness(t, nil)

	v := policy.FallbackVersion()
	v.ID = 1
	v.Document.BlocklistCards = append(v.Document.BlocklistCards, "tok_clean_1")
	require.NoError(t, h.policy.Swap(v))

	resp, err := h.core.Decide(context.Background(), testEvent("txn-blocked"))
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionBlock, resp.Decision)
	require.NotEmpty(t, resp.Reasons)
	assert.Equal(t, domain.ReasonBlocklistCard, resp.Reasons[0].Code)
	assert.Equal(t, "v1", resp.PolicyVersion)
}

func TestDecideDeadlineExceeded(t *testing.T) {
	h := newHarness(t, func(cfg *infra.EngineConfig, h *harness) {
		cfg.DecisionTimeout = 20 * time.Millisecond
		h.velDelay = 200 * time.Millisecond
	})

	resp, err := h.core.Decide(context.Background(), testEvent("txn-slow"))
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionReview, resp.Decision)
	require.Len(t, resp.Reasons, 1)
	assert.Equal(t, domain.ReasonDecisionTimeout, resp.Reasons[0].Code)
}

func TestDecideWritesEvidence(t *testing.T) {
	h := newHarness(t, func(cfg *infra.EngineConfig, _ *harness) {
		cfg.EvidenceFlushInterval = 10 * time.Millisecond
	})

	ev := testEvent("txn-evidence")
	resp, err := h.core.Decide(context.Background(), ev)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.storage.all()) == 1
	}, time.Second, 5*time.Millisecond)

	records := h.storage.all()
	require.Len(t, records, 1)
	assert.Equal(t, ev.TransactionID, records[0].TransactionID)
	assert.Equal(t, ev.IdempotencyKey, records[0].IdempotencyKey)
	assert.Equal(t, ev.AmountCents, records[0].AmountCents)
	assert.Equal(t, ev.Currency, records[0].Currency)
	assert.Equal(t, resp.Decision, records[0].Decision)
	assert.NotNil(t, records[0].Features)
	// Сырой девайс/IP в evidence не попадают — только хэши
	assert.NotEqual(t, ev.DeviceID, records[0].DeviceHash)
	assert.NotContains(t, records[0].IPHash, "203.0.113")
}

func TestHandleOutcomePersisted(t *testing.T) {
	h := newHarness(t, nil)

	o := &domain.Outcome{
		TransactionID: "txn-cb",
		OutcomeType:   domain.OutcomeChargeback,
		CardToken:     "tok_clean_1",
		UserID:        "user_1",
		AmountCents:   4500,
		ReasonCode:    "fraud",
	}
	require.NoError(t, h.core.HandleOutcome(context.Background(), o))

	require.Eventually(t, func() bool {
		h.sink.mu.Lock()
		defer h.sink.mu.Unlock()
		return len(h.sink.saved) == 1
	}, time.Second, 5*time.Millisecond)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	assert.Equal(t, "txn-cb", h.sink.saved[0].TransactionID)
	assert.Equal(t, domain.OutcomeChargeback, h.sink.saved[0].OutcomeType)
}

func TestHandleOutcomeInvalid(t *testing.T) {
	h := newHarness(t, nil)

	err := h.core.HandleOutcome(context.Background(), &domain.Outcome{TransactionID: "txn-x"})
	require.Error(t, err)
}
