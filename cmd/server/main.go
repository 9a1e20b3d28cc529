package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/audit"
	"github.com/stemsi/exstem-live/internal/broker"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/database"
	"github.com/stemsi/exstem-live/internal/handler"
	"github.com/stemsi/exstem-live/internal/logger"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/router"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/validator"
	"github.com/stemsi/exstem-live/internal/worker"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("storage", cfg.StorageDriver).
		Str("broker", cfg.BrokerMode).
		Msg("Starting ExStem Live")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Open Storage ──────────────────────────────────────────────────
	store, err := database.OpenStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer store.Close()

	// ─── Change Propagation & Audit ────────────────────────────────────
	hub := broker.New()
	var (
		publisher broker.Publisher = hub
		sink      audit.Sink       = audit.NewStoreSink(store.Audit)
		rdb       *redis.Client
	)
	if cfg.BrokerMode == config.BrokerRedis {
		rdb, err = database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		publisher = broker.NewRedisPublisher(rdb, config.CacheKey.SessionSnapshotChannel(), hub)
		sink = audit.NewQueueSink(rdb, config.WorkerKey.PersistAuditQueue)
	}
	emitter := audit.NewEmitter(sink, cfg.AuditBufferSize, log)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	catalogService := service.NewCatalogService(store.Catalog, store.Sessions)
	sessionService := service.NewSessionService(store.Sessions, catalogService, publisher, hub, emitter, log)
	answerService := service.NewAnswerService(store.Sessions, store.Answers, store.Submissions, catalogService)
	submissionService := service.NewSubmissionService(store.Sessions, store.Answers, store.Submissions, catalogService, emitter, log)

	// Seed the broker so the first subscriber does not wait for a change.
	if ev, err := sessionService.Get(ctx); err == nil {
		hub.Deliver(ev)
	} else {
		log.Warn().Err(err).Msg("Initial snapshot unavailable")
	}

	// ─── Initialize Handlers ──────────────────────────────────────────
	answerLimiter := middleware.NewRateLimiter(cfg.AnswerRatePerSecond, cfg.AnswerBurst)
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService, log),
		Student: handler.NewStudentHandler(answerService, submissionService, catalogService, log),
		Catalog: handler.NewCatalogHandler(catalogService, log),
		Events:  handler.NewEventsHandler(sessionService, log),
		WS:      handler.NewWSHandler(sessionService, answerService, submissionService, answerLimiter, log, cfg.AllowedOrigins),
		System:  handler.NewSystemHandler(store.Ping, rdb, hub, emitter, store.Driver, log),
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, answerLimiter, handlers, cfg)
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Run Components ────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Release long-lived streams first so Shutdown does not wait on them.
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		return nil
	})

	g.Go(func() error {
		return emitter.Run(gctx)
	})

	if rdb != nil {
		relay := broker.NewRelay(rdb, config.CacheKey.SessionSnapshotChannel(), hub, sessionService.Get, cfg.ResyncInterval, log)
		g.Go(func() error {
			return relay.Run(gctx)
		})

		auditWorker := worker.NewAuditWorker(store.Audit, rdb, log)
		g.Go(func() error {
			auditWorker.Start(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		store.Close()
		os.Exit(1)
	}
	log.Info().Int64("audit_dropped", emitter.Dropped()).Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
