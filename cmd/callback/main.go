// Command callback starts the CV callback ingestion service.
//
// The service receives asynchronous job-completion notifications from the
// external automation worker at POST /api/v1/callback, guards the endpoint
// with a shared secret, an optional IP allow-list and configurable admission
// control, advances the per-document state machine in PostgreSQL, chains
// batch dispatch through Kafka, and records metrics and user notifications
// as best-effort side effects.
//
// Usage:
//
//	go run ./cmd/callback [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"cvflow/internal/admission"
	"cvflow/internal/batch"
	"cvflow/internal/callback"
	"cvflow/internal/document"
	"cvflow/internal/normalize"
	"cvflow/internal/sideeffect"
	"cvflow/pkg/config"
	"cvflow/pkg/health"
	"cvflow/pkg/kafka"
	"cvflow/pkg/logger"
	"cvflow/pkg/metrics"
	"cvflow/pkg/middleware"
	"cvflow/pkg/postgres"
	"cvflow/pkg/redis"
)

// main loads configuration, connects to PostgreSQL (and Redis when the stats
// backend needs it), creates the Kafka producers, wires the callback pipeline
// and admission control, and runs the HTTP and metrics servers until
// SIGINT/SIGTERM.
func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting callback service",
		"port", cfg.Server.Port,
		"admission_strategy", cfg.Admission.Strategy,
	)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to postgres")

	dispatchProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.BatchDispatch)
	defer dispatchProducer.Close()
	notifyProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Notifications)
	defer notifyProducer.Close()
	slog.Info("kafka producers initialized",
		"dispatch_topic", cfg.Kafka.Topics.BatchDispatch,
		"notifications_topic", cfg.Kafka.Topics.Notifications,
	)

	m := metrics.New()
	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := db.DB.PingContext(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	// Admission stats backend: redis shares counters across replicas,
	// memory is the single-instance default.
	var stats admission.StatsStore
	switch cfg.Admission.StatsBackend {
	case "redis":
		rdb, err := redis.NewClient(cfg.Redis)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		stats = admission.NewRedisStats(rdb, cfg.Redis.StatsTTL)
		checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
			if err := rdb.Ping(ctx); err != nil {
				return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
		slog.Info("admission stats backed by redis", "addr", cfg.Redis.Addr)
	default:
		stats = admission.NewMemoryStats()
	}

	strategy, err := admission.NewStrategy(cfg.Admission)
	if err != nil {
		slog.Error("failed to build admission strategy", "error", err)
		os.Exit(1)
	}

	store := document.NewSQLStore(db)
	applier := normalize.NewProfileApplier(db)
	machine := document.NewStateMachine(store, applier)
	dispatcher := batch.NewDispatcher(store, dispatchProducer, m)
	recorder := sideeffect.NewRecorder(db, store, notifyProducer, m)
	ingestor := callback.NewIngestor(store, machine, dispatcher, recorder)
	h := callback.NewHandler(ingestor, stats, m)

	authMW := callback.Auth(cfg.Callback)
	admissionMW := admission.Middleware(admission.Options{
		Strategy: strategy,
		Stats:    stats,
		Metrics:  m,
		KeyFn:    callback.ClientKey,
	})

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/callback", authMW(admissionMW(http.HandlerFunc(h.Receive))))
	mux.Handle("GET /api/v1/callback/test", authMW(http.HandlerFunc(h.Ping)))
	mux.Handle("POST /api/v1/callback/debug", authMW(http.HandlerFunc(h.Debug)))
	mux.HandleFunc("GET /api/v1/admission/stats", h.AdmissionStats)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go admission.RunEvictor(ctx, strategy, cfg.Admission.EvictInterval)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("callback service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.Server(cfg.Metrics.Port)
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("callback service stopped")
}
