package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/domain"
	"github.com/xela07ax/fraudgate/internal/engine"
	"github.com/xela07ax/fraudgate/internal/evidence"
	"github.com/xela07ax/fraudgate/internal/infra/auth"
	"github.com/xela07ax/fraudgate/internal/policy"
)

// EvidenceReader — выборка слепков решений для расследований.
type EvidenceReader interface {
	ListByTransaction(ctx context.Context, transactionID string) ([]evidence.Record, error)
}

// AdminHandler — операторский периметр: политика, safe mode, evidence.
type AdminHandler struct {
	policy   *policy.Service
	safeMode *engine.SafeModeManager
	evidence EvidenceReader
	logger   *zap.Logger
}

func NewAdminHandler(policySvc *policy.Service, safeMode *engine.SafeModeManager, ev EvidenceReader, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		policy:   policySvc,
		safeMode: safeMode,
		evidence: ev,
		logger:   logger.With(zap.String("mod", "admin_api")),
	}
}

// ActivePolicy возвращает активную версию целиком.
// GET /v1/admin/policy
func (h *AdminHandler) ActivePolicy(w http.ResponseWriter, r *http.Request) {
	active := h.policy.Active()
	if active == nil {
		writeError(w, http.StatusNotFound, "no active policy version")
		return
	}
	writeJSON(w, http.StatusOK, active)
}

// Versions возвращает историю версий, новые сверху.
// GET /v1/admin/policy/versions?limit=20
func (h *AdminHandler) Versions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	versions, err := h.policy.Versions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch versions")
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

// Diff сравнивает две версии из истории.
// GET /v1/admin/policy/diff?from=3&to=5
func (h *AdminHandler) Diff(w http.ResponseWriter, r *http.Request) {
	fromID, err1 := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	toID, err2 := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "from and to version ids are required")
		return
	}

	diff, err := h.policy.Diff(r.Context(), fromID, toID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

// ReplacePolicy принимает полный документ и активирует его новой версией.
// PUT /v1/admin/policy
func (h *AdminHandler) ReplacePolicy(w http.ResponseWriter, r *http.Request) {
	var doc domain.PolicyDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "malformed policy document")
		return
	}

	v, err := h.policy.Apply(r.Context(), doc, domain.ChangeReload,
		"full document replace", auth.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// Rollback активирует новую версию с содержимым целевой.
// POST /v1/admin/policy/rollback/{id}
func (h *AdminHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	targetID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid version id")
		return
	}

	v, err := h.policy.Rollback(r.Context(), targetID, auth.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// UpdateThreshold меняет пороговую лестницу одной оси.
// PUT /v1/admin/policy/thresholds/{axis}
func (h *AdminHandler) UpdateThreshold(w http.ResponseWriter, r *http.Request) {
	axis := chi.URLParam(r, "axis")

	var t domain.ScoreThreshold
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "malformed threshold body")
		return
	}

	v, err := h.policy.UpdateThreshold(r.Context(), axis, t, auth.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// UpsertRule добавляет правило или заменяет существующее по ID.
// POST /v1/admin/policy/rules
func (h *AdminHandler) UpsertRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.PolicyRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "malformed rule body")
		return
	}
	if rule.ID == "" {
		writeError(w, http.StatusBadRequest, "rule id is required")
		return
	}

	v, err := h.policy.UpsertRule(r.Context(), rule, auth.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// DeleteRule убирает правило из активного документа.
// DELETE /v1/admin/policy/rules/{id}
func (h *AdminHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	v, err := h.policy.DeleteRule(r.Context(), chi.URLParam(r, "id"), auth.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// AddListEntry добавляет значение в block/allow-список.
// POST /v1/admin/policy/lists/{list}
func (h *AdminHandler) AddListEntry(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed list entry body")
		return
	}

	v, err := h.policy.AddListEntry(r.Context(), chi.URLParam(r, "list"), body.Value, auth.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// RemoveListEntry убирает значение из списка.
// DELETE /v1/admin/policy/lists/{list}/{value}
func (h *AdminHandler) RemoveListEntry(w http.ResponseWriter, r *http.Request) {
	v, err := h.policy.RemoveListEntry(r.Context(),
		chi.URLParam(r, "list"), chi.URLParam(r, "value"), auth.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// SafeModeState — текущее состояние деградированного режима.
// GET /v1/admin/safe-mode
func (h *AdminHandler) SafeModeState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.safeMode.State())
}

// EnableSafeMode переводит весь флот в деградированный режим.
// POST /v1/admin/safe-mode/enable
func (h *AdminHandler) EnableSafeMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	actor := auth.ActorFromContext(r.Context())
	h.logger.Warn("safe mode enable requested",
		zap.String("actor", actor), zap.String("reason", body.Reason))

	if err := h.safeMode.Enable(r.Context(), body.Reason, actor); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.safeMode.State())
}

// DisableSafeMode возвращает флот в штатный режим.
// POST /v1/admin/safe-mode/disable
func (h *AdminHandler) DisableSafeMode(w http.ResponseWriter, r *http.Request) {
	actor := auth.ActorFromContext(r.Context())
	h.logger.Warn("safe mode disable requested", zap.String("actor", actor))

	if err := h.safeMode.Disable(r.Context(), actor); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.safeMode.State())
}

// EvidenceByTransaction — слепки решений по транзакции.
// GET /v1/admin/evidence/{transactionID}
func (h *AdminHandler) EvidenceByTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "transactionID")
	if txnID == "" {
		writeError(w, http.StatusBadRequest, "transaction id is required")
		return
	}

	records, err := h.evidence.ListByTransaction(r.Context(), txnID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch evidence")
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, "no evidence for transaction")
		return
	}
	writeJSON(w, http.StatusOK, records)
}
