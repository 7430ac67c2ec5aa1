package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/detect"
	"github.com/xela07ax/fraudgate/internal/engine"
	"github.com/xela07ax/fraudgate/internal/evidence"
	"github.com/xela07ax/fraudgate/internal/features"
	"github.com/xela07ax/fraudgate/internal/idempotency"
	"github.com/xela07ax/fraudgate/internal/infra"
	"github.com/xela07ax/fraudgate/internal/infra/auth"
	"github.com/xela07ax/fraudgate/internal/policy"
	"github.com/xela07ax/fraudgate/internal/repository/postgres"
	"github.com/xela07ax/fraudgate/internal/scoring"
	"github.com/xela07ax/fraudgate/internal/server"
	"github.com/xela07ax/fraudgate/internal/velocity"
)

const seedPolicyPath = "configs/policy.json"

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин
	// При завершении main() или срабатывании SIGTERM, cancel() остановит слушателей
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура: Redis (окна, профили, идемпотентность, Pub/Sub)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(appCtx).Err(); err != nil {
		logger.Warn("redis unreachable on boot, starting degraded", zap.Error(err))
	}

	// Postgres: evidence, история политики, архив идемпотентности, исходы
	pool, err := postgres.NewPool(appCtx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// 3. Метрики
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		logger.Info("metrics server started", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	// 4. Control Plane: safe mode + горячая политика
	safeMode := engine.NewSafeModeManager(rdb, logger)
	if err := safeMode.Init(appCtx); err != nil {
		logger.Warn("failed to init safe mode state, assuming disabled", zap.Error(err))
	}
	go safeMode.StartListener(appCtx)

	policyEngine := policy.NewEngine(logger)
	policySvc := policy.NewService(policyEngine, postgres.NewPolicyRepo(pool), rdb, logger)

	seed, err := policy.LoadSeedDocument(seedPolicyPath)
	if err != nil {
		logger.Fatal("invalid seed policy", zap.Error(err))
	}
	if err := policySvc.Bootstrap(appCtx, seed); err != nil {
		logger.Fatal("failed to bootstrap policy", zap.Error(err))
	}
	go policySvc.StartListener(appCtx)

	// 5. Data Plane: окна, профили, детекторы, скоринг
	velocityStore := velocity.NewRedisStore(rdb, logger)
	profileStore := features.NewRedisProfileStore(rdb, logger)
	featureStore := features.NewStore(velocityStore, profileStore, cfg.Detection, logger)

	detectEngine := detect.NewEngine(logger, detect.DefaultDetectors(cfg.Detection)...)
	scorer := scoring.NewScorer()

	// Идемпотентность: Redis + Postgres (архив за предохранителем)
	archive := engine.NewReliableArchive(postgres.NewIdempotencyRepo(pool), cfg.Engine, metrics)
	guard := idempotency.NewGuard(idempotency.NewRedisCache(rdb), archive, logger)

	// Evidence: асинхронный батч-писатель поверх защищенного хранилища
	evidenceRepo := postgres.NewEvidenceRepo(pool)
	recorder := evidence.NewRecorder(
		engine.NewReliableEvidenceStorage(evidenceRepo, cfg.Engine, metrics),
		cfg.Engine, logger)
	recorder.Start()

	// 6. Core (сборка конвейера решений)
	core := engine.NewCore(cfg.Engine, engine.Deps{
		Features: featureStore,
		Detect:   detectEngine,
		Scorer:   scorer,
		Policy:   policyEngine,
		Guard:    guard,
		SafeMode: safeMode,
		Recorder: recorder,
		Outcomes: postgres.NewOutcomeRepo(pool),
		Metrics:  metrics,
	}, logger)
	core.Start()

	// 7. HTTP Server
	validator := auth.NewHMACValidator(cfg.Auth.JWTSecret)
	api := server.New(cfg, logger, core, policySvc, safeMode, evidenceRepo, validator)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("fraudgate started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 8. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("fraudgate stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	// Порядок важен: сначала дописываем фоновые задачи ядра,
	// потом сливаем буфер evidence — и только затем гасим пулы
	cancel()
	core.Stop()
	recorder.Stop()

	logger.Info("fraudgate exited properly")
}
