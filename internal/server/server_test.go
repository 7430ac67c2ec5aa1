package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/detect"
	"github.com/xela07ax/fraudgate/internal/domain"
	"github.com/xela07ax/fraudgate/internal/engine"
	"github.com/xela07ax/fraudgate/internal/evidence"
	"github.com/xela07ax/fraudgate/internal/features"
	"github.com/xela07ax/fraudgate/internal/idempotency"
	"github.com/xela07ax/fraudgate/internal/infra"
	"github.com/xela07ax/fraudgate/internal/infra/auth"
	"github.com/xela07ax/fraudgate/internal/policy"
	"github.com/xela07ax/fraudgate/internal/scoring"
	"github.com/xela07ax/fraudgate/internal/velocity"
)

// --- Фейки ---

type mapCache struct {
	mu sync.Mutex
	m  map[string]string
}

func (c *mapCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key, val string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = val
	return nil
}

func (c *mapCache) SetNX(_ context.Context, key, val string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m[key]; ok {
		return false, nil
	}
	c.m[key] = val
	return true, nil
}

type mapArchive struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (a *mapArchive) Lookup(_ context.Context, key string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.m[key], nil
}

func (a *mapArchive) Save(_ context.Context, key string, payload []byte, _ time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m[key] = payload
	return nil
}

type nopEvidenceStorage struct{}

func (nopEvidenceStorage) WriteBatch(context.Context, []evidence.Record) error { return nil }

type fakeEvidenceReader struct {
	records map[string][]evidence.Record
}

func (r *fakeEvidenceReader) ListByTransaction(_ context.Context, txnID string) ([]evidence.Record, error) {
	return r.records[txnID], nil
}

type memVersionRepo struct {
	mu       sync.Mutex
	versions []domain.PolicyVersion
}

func (r *memVersionRepo) ActiveVersion(context.Context) (*domain.PolicyVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.versions) - 1; i >= 0; i-- {
		if r.versions[i].Active {
			v := r.versions[i]
			return &v, nil
		}
	}
	return nil, nil
}

func (r *memVersionRepo) SaveVersion(_ context.Context, v *domain.PolicyVersion) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.versions {
		r.versions[i].Active = false
	}
	nv := *v
	nv.ID = int64(len(r.versions) + 1)
	nv.Active = true
	r.versions = append(r.versions, nv)
	return nv.ID, nil
}

func (r *memVersionRepo) GetVersion(_ context.Context, id int64) (*domain.PolicyVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.versions {
		if v.ID == id {
			cp := v
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memVersionRepo) ListVersions(_ context.Context, limit int) ([]domain.PolicyVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PolicyVersion, 0, limit)
	for i := len(r.versions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.versions[i])
	}
	return out, nil
}

// --- Сборка сервера ---

type apiHarness struct {
	server   *Server
	safeMode *engine.SafeModeManager
	token    string
	noScope  string
}

func newAPIHarness(t *testing.T, mutateCfg func(*infra.Config)) *apiHarness {
	t.Helper()
	logger := zap.NewNop()

	cfg := &infra.Config{
		Auth: infra.AuthConfig{JWTSecret: "test-secret", TokenTTL: time.Hour},
		Engine: infra.EngineConfig{
			DecisionTimeout:         500 * time.Millisecond,
			TimeoutDecision:         "REVIEW",
			IdempotencyDownDecision: "REVIEW",
			SafeModeDecision:        "REVIEW",
			EvidenceBufferSize:      64,
			EvidenceBatchSize:       16,
			EvidenceFlushInterval:   time.Hour,
			WorkerQueueSize:         64,
			OutcomeRatePerSec:       100,
			OutcomeRateBurst:        100,
		},
		Detection: infra.DetectionConfig{
			CardTestingAttempts10M:      5,
			CardTestingDeclineRate:      0.8,
			CardTestingMinAttempts:      3,
			CardTestingSmallAmountCents: 500,
			VelocityCardAttempts1H:      10,
			DeviceDistinctCards24H:      5,
			IPDistinctCards1H:           10,
			MaxTravelSpeedKMH:           1000,
			HighValueCents:              50000,
		},
	}
	if mutateCfg != nil {
		mutateCfg(cfg)
	}

	policyEngine := policy.NewEngine(logger)
	policySvc := policy.NewService(policyEngine, &memVersionRepo{}, nil, logger)
	require.NoError(t, policySvc.Bootstrap(context.Background(), nil))

	fstore := features.NewStore(velocity.NewMemoryStore(), features.NewMemoryProfileStore(), cfg.Detection, logger)
	recorder := evidence.NewRecorder(nopEvidenceStorage{}, cfg.Engine, logger)
	recorder.Start()

	safeMode := engine.NewSafeModeManager(nil, logger)
	core := engine.NewCore(cfg.Engine, engine.Deps{
		Features: fstore,
		Detect:   detect.NewEngine(logger, detect.DefaultDetectors(cfg.Detection)...),
		Scorer:   scoring.NewScorer(),
		Policy:   policyEngine,
		Guard:    idempotency.NewGuard(&mapCache{m: map[string]string{}}, &mapArchive{m: map[string][]byte{}}, logger),
		SafeMode: safeMode,
		Recorder: recorder,
		Metrics:  engine.NewMetrics(nil),
	}, logger)
	core.Start()

	t.Cleanup(func() {
		core.Stop()
		recorder.Stop()
	})

	validator := auth.NewHMACValidator(cfg.Auth.JWTSecret)
	full, err := validator.IssueToken("alice", map[string]bool{
		domain.ScopePolicyRead:   true,
		domain.ScopePolicyWrite:  true,
		domain.ScopeSafeMode:     true,
		domain.ScopeEvidenceRead: true,
	}, cfg.Auth.TokenTTL)
	require.NoError(t, err)

	limited, err := validator.IssueToken("bob", map[string]bool{domain.ScopePolicyRead: true}, cfg.Auth.TokenTTL)
	require.NoError(t, err)

	reader := &fakeEvidenceReader{records: map[string][]evidence.Record{
		"txn-known": {{ID: "rec-1", TransactionID: "txn-known", Decision: domain.DecisionBlock}},
	}}

	return &apiHarness{
		server:   New(cfg, logger, core, policySvc, safeMode, reader, validator),
		safeMode: safeMode,
		token:    full.AccessToken,
		noScope:  limited.AccessToken,
	}
}

func (h *apiHarness) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func apiEvent(txn string) *domain.PaymentEvent {
	return &domain.PaymentEvent{
		TransactionID:  txn,
		IdempotencyKey: "idem-" + txn,
		AmountCents:    2500,
		Currency:       "USD",
		CardToken:      "tok_api_1",
		UserID:         "user_api",
		Channel:        "app",
	}
}

// --- Тесты ---

func TestDecisionEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/decision", "", apiEvent("txn-api-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))

	var resp domain.DecisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "txn-api-1", resp.TransactionID)
	assert.True(t, resp.Decision.Valid())
	assert.Equal(t, "v1", resp.PolicyVersion)
}

func TestDecisionEndpointRejectsBadInput(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/decision", "", map[string]string{"transaction_id": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/decision", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	h.server.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOutcomeEndpointRateLimited(t *testing.T) {
	h := newAPIHarness(t, func(cfg *infra.Config) {
		cfg.Engine.OutcomeRatePerSec = 1
		cfg.Engine.OutcomeRateBurst = 1
	})

	o := map[string]interface{}{
		"transaction_id": "txn-o1",
		"outcome_type":   "chargeback",
		"card_token":     "tok_api_1",
	}
	first := h.do(t, http.MethodPost, "/v1/outcomes", "", o)
	assert.Equal(t, http.StatusAccepted, first.Code)

	second := h.do(t, http.MethodPost, "/v1/outcomes", "", o)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestAdminPerimeter(t *testing.T) {
	h := newAPIHarness(t, nil)

	// Без токена
	rec := h.do(t, http.MethodGet, "/v1/admin/policy", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Токен без нужного скоупа
	rec = h.do(t, http.MethodPost, "/v1/admin/safe-mode/enable", h.noScope, map[string]string{"reason": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Валидный токен
	rec = h.do(t, http.MethodGet, "/v1/admin/policy", h.token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminPolicyLifecycle(t *testing.T) {
	h := newAPIHarness(t, nil)

	// Блокируем карту — новая версия
	rec := h.do(t, http.MethodPost, "/v1/admin/policy/lists/blocklist_cards", h.token,
		map[string]string{"value": "tok_api_1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var v domain.PolicyVersion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.EqualValues(t, 2, v.ID)
	assert.Equal(t, "alice", v.ChangedBy)

	// Заблокированная карта теперь получает BLOCK в горячем пути
	dec := h.do(t, http.MethodPost, "/v1/decision", "", apiEvent("txn-blocked-api"))
	require.Equal(t, http.StatusOK, dec.Code)
	var resp domain.DecisionResponse
	require.NoError(t, json.Unmarshal(dec.Body.Bytes(), &resp))
	assert.Equal(t, domain.DecisionBlock, resp.Decision)

	// Откат к v1 — создает v3 с содержимым v1
	rb := h.do(t, http.MethodPost, "/v1/admin/policy/rollback/1", h.token, nil)
	require.Equal(t, http.StatusCreated, rb.Code)

	vs := h.do(t, http.MethodGet, "/v1/admin/policy/versions?limit=10", h.token, nil)
	require.Equal(t, http.StatusOK, vs.Code)
	var versions []domain.PolicyVersion
	require.NoError(t, json.Unmarshal(vs.Body.Bytes(), &versions))
	assert.Len(t, versions, 3)

	// После отката карта снова проходит
	dec2 := h.do(t, http.MethodPost, "/v1/decision", "", apiEvent("txn-after-rollback"))
	require.Equal(t, http.StatusOK, dec2.Code)
	require.NoError(t, json.Unmarshal(dec2.Body.Bytes(), &resp))
	assert.NotEqual(t, domain.DecisionBlock, resp.Decision)
}

func TestSafeModeEndpoints(t *testing.T) {
	h := newAPIHarness(t, nil)

	// Причину указывать обязательно
	rec := h.do(t, http.MethodPost, "/v1/admin/safe-mode/enable", h.token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/admin/safe-mode/enable", h.token, map[string]string{"reason": "redis outage"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.safeMode.IsEnabled())

	// Readiness отражает деградацию
	ready := h.do(t, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, ready.Code)
	var rbody map[string]interface{}
	require.NoError(t, json.Unmarshal(ready.Body.Bytes(), &rbody))
	assert.Equal(t, true, rbody["safe_mode"])

	// Решения в safe mode уходят в ручной разбор
	dec := h.do(t, http.MethodPost, "/v1/decision", "", apiEvent("txn-safe-api"))
	require.Equal(t, http.StatusOK, dec.Code)
	var resp domain.DecisionResponse
	require.NoError(t, json.Unmarshal(dec.Body.Bytes(), &resp))
	assert.Equal(t, domain.DecisionReview, resp.Decision)
	assert.True(t, resp.SafeMode)

	rec = h.do(t, http.MethodPost, "/v1/admin/safe-mode/disable", h.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, h.safeMode.IsEnabled())
}

func TestEvidenceEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/v1/admin/evidence/txn-known", h.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []evidence.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, domain.DecisionBlock, records[0].Decision)

	rec = h.do(t, http.MethodGet, "/v1/admin/evidence/txn-missing", h.token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
