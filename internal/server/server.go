package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/domain"
	"github.com/xela07ax/fraudgate/internal/engine"
	"github.com/xela07ax/fraudgate/internal/infra"
	"github.com/xela07ax/fraudgate/internal/infra/auth"
	"github.com/xela07ax/fraudgate/internal/policy"
)

// Server собирает HTTP-поверхность шлюза: горячий путь решения,
// ingest исходов и защищенный токеном админский периметр.
type Server struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	authValidator auth.TokenValidator

	decisionHandler *DecisionHandler // /v1/decision, /v1/outcomes, /health
	adminHandler    *AdminHandler    // /v1/admin/* (политика, safe mode, evidence)
}

func New(
	cfg *infra.Config,
	logger *zap.Logger,
	core *engine.Core,
	policySvc *policy.Service,
	safeMode *engine.SafeModeManager,
	evidenceReader EvidenceReader,
	validator auth.TokenValidator,
) *Server {
	s := &Server{
		router:          chi.NewRouter(),
		logger:          logger.With(zap.String("mod", "http")),
		cfg:             cfg,
		authValidator:   validator,
		decisionHandler: NewDecisionHandler(core, safeMode, policySvc, cfg.Engine, logger),
		adminHandler:    NewAdminHandler(policySvc, safeMode, evidenceReader, logger),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(engine.TracingMiddleware)

	// --- 2. ГОРЯЧИЙ ПУТЬ (аутентификация на периметре сети, не здесь) ---
	r.Group(func(r chi.Router) {
		r.Post("/v1/decision", s.decisionHandler.Decide)
		r.Post("/v1/outcomes", s.decisionHandler.Outcome)

		r.Get("/health", s.decisionHandler.Health)
		r.Get("/ready", s.decisionHandler.Ready)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (токен оператора) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Политика: чтение
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopePolicyRead))
			r.Get("/v1/admin/policy", s.adminHandler.ActivePolicy)
			r.Get("/v1/admin/policy/versions", s.adminHandler.Versions)
			r.Get("/v1/admin/policy/diff", s.adminHandler.Diff)
		})

		// Политика: изменения (каждое — новая версия)
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopePolicyWrite))
			r.Put("/v1/admin/policy", s.adminHandler.ReplacePolicy)
			r.Post("/v1/admin/policy/rollback/{id}", s.adminHandler.Rollback)
			r.Put("/v1/admin/policy/thresholds/{axis}", s.adminHandler.UpdateThreshold)
			r.Post("/v1/admin/policy/rules", s.adminHandler.UpsertRule)
			r.Delete("/v1/admin/policy/rules/{id}", s.adminHandler.DeleteRule)
			r.Post("/v1/admin/policy/lists/{list}", s.adminHandler.AddListEntry)
			r.Delete("/v1/admin/policy/lists/{list}/{value}", s.adminHandler.RemoveListEntry)
		})

		// Safe mode
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeSafeMode))
			r.Get("/v1/admin/safe-mode", s.adminHandler.SafeModeState)
			r.Post("/v1/admin/safe-mode/enable", s.adminHandler.EnableSafeMode)
			r.Post("/v1/admin/safe-mode/disable", s.adminHandler.DisableSafeMode)
		})

		// Evidence
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeEvidenceRead))
			r.Get("/v1/admin/evidence/{transactionID}", s.adminHandler.EvidenceByTransaction)
		})
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
