package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/fraudgate/internal/domain"
	"github.com/xela07ax/fraudgate/internal/engine"
	"github.com/xela07ax/fraudgate/internal/infra"
	"github.com/xela07ax/fraudgate/internal/policy"
)

// DecisionHandler — горячий путь: решения и ingest исходов.
type DecisionHandler struct {
	core     *engine.Core
	safeMode *engine.SafeModeManager
	policy   *policy.Service
	logger   *zap.Logger

	// Исходы — офлайн-поток от диспутного контура, его всплески
	// не должны отъедать бюджет латентности решений
	outcomeLimiter *rate.Limiter
}

func NewDecisionHandler(core *engine.Core, safeMode *engine.SafeModeManager, policySvc *policy.Service, cfg infra.EngineConfig, logger *zap.Logger) *DecisionHandler {
	perSec := cfg.OutcomeRatePerSec
	if perSec <= 0 {
		perSec = 200
	}
	burst := cfg.OutcomeRateBurst
	if burst <= 0 {
		burst = perSec
	}
	return &DecisionHandler{
		core:           core,
		safeMode:       safeMode,
		policy:         policySvc,
		logger:         logger.With(zap.String("mod", "decision_api")),
		outcomeLimiter: rate.NewLimiter(rate.Limit(perSec), burst),
	}
}

// Decide принимает платежное событие и возвращает вердикт.
// POST /v1/decision
func (h *DecisionHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var ev domain.PaymentEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	resp, err := h.core.Decide(r.Context(), &ev)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("decision failed",
			zap.String("transaction_id", ev.TransactionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "decision failed")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Outcome принимает асинхронный исход транзакции (decline/chargeback/refund).
// POST /v1/outcomes
func (h *DecisionHandler) Outcome(w http.ResponseWriter, r *http.Request) {
	if !h.outcomeLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "outcome ingest rate exceeded")
		return
	}

	var o domain.Outcome
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if err := h.core.HandleOutcome(r.Context(), &o); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Обработка фоновая: подтверждаем прием, а не запись
	w.WriteHeader(http.StatusAccepted)
}

// Health — liveness: процесс жив и отвечает.
func (h *DecisionHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready — readiness: есть активная политика, виден режим деградации.
func (h *DecisionHandler) Ready(w http.ResponseWriter, r *http.Request) {
	active := h.policy.Active()
	body := map[string]interface{}{
		"status":    "ready",
		"safe_mode": h.safeMode.IsEnabled(),
	}
	status := http.StatusOK

	if active == nil {
		body["status"] = "not_ready"
		status = http.StatusServiceUnavailable
	} else {
		body["policy_version"] = active.VersionLabel()
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
