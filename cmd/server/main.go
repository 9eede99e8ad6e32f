package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/remote"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("quiz_api", cfg.QuizAPIURL).
		Msg("Starting ExStem Proctor Gateway")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	eventRepo := repository.NewProctorEventRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	lockService := service.NewRunnerLockService(rdb, cfg.RunnerLockTTL, log)
	monitorService := service.NewMonitorService(eventRepo)

	var publisher service.EventPublisher
	if cfg.AuditEnabled {
		publisher = service.NewRedisEventPublisher(rdb)
	} else {
		log.Warn().Msg("Audit trail disabled")
	}

	remotes := func(token string, onUnauthorized func()) proctor.RemoteService {
		return remote.NewClient(remote.Options{
			BaseURL:        cfg.QuizAPIURL,
			Timeout:        cfg.RemoteTimeout,
			Token:          remote.StaticToken(token),
			OnUnauthorized: onUnauthorized,
		}, log)
	}

	// ─── Initialize Handlers ──────────────────────────────────────────
	proctorHandler := handler.NewProctorHandler(remotes, lockService, publisher, proctor.Config{
		SubmitRetryDelay:  cfg.SubmitRetryDelay,
		PersistTimeout:    cfg.PersistTimeout,
		ViolationCoalesce: cfg.ViolationCoalesce,
	}, log, cfg.AllowedOrigins)

	handlers := &router.Handlers{
		Proctor: proctorHandler,
		Monitor: handler.NewMonitorHandler(rdb, monitorService, log),
		Health: handler.NewHealthHandler(
			map[string]handler.HealthCheck{
				"postgres": pool.Ping,
				"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			},
			func(ctx context.Context) (int64, error) {
				return rdb.LLen(ctx, config.WorkerKey.PersistProctorEventsQueue).Result()
			},
			proctorHandler.ActiveAttempts,
			log,
		),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	auditWorker := worker.NewAuditWorker(eventRepo, rdb, log)
	workers.Add(1)
	go func() {
		defer workers.Done()
		auditWorker.Start(workerCtx)
	}()

	streamLimiter := middleware.NewRateLimiter(cfg.StreamRateLimit, time.Minute)
	go streamLimiter.RunCleanup(workerCtx)

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, streamLimiter, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().
		Str("signal", sig.String()).
		Int64("active_attempts", proctorHandler.ActiveAttempts()).
		Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests. Hijacked attempt sockets are not
	// tracked by Shutdown; their runner locks expire after RunnerLockTTL.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for the audit queue to flush.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
