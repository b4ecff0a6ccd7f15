package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	mwhttp "github.com/aperture-research/maxwell/internal/adapter/http"
	mwnats "github.com/aperture-research/maxwell/internal/adapter/nats"
	mwotel "github.com/aperture-research/maxwell/internal/adapter/otel"
	"github.com/aperture-research/maxwell/internal/adapter/postgres"
	"github.com/aperture-research/maxwell/internal/adapter/ristretto"
	"github.com/aperture-research/maxwell/internal/adapter/ws"
	"github.com/aperture-research/maxwell/internal/bus"
	"github.com/aperture-research/maxwell/internal/config"
	"github.com/aperture-research/maxwell/internal/domain/message"
	"github.com/aperture-research/maxwell/internal/logger"
	"github.com/aperture-research/maxwell/internal/port/messagebus"
	"github.com/aperture-research/maxwell/internal/resilience"
	"github.com/aperture-research/maxwell/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(logger.New(cfg.Logging))
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"nats_url", cfg.NATS.URL,
	)

	ctx := context.Background()

	// --- Telemetry ---
	otelShutdown, err := mwotel.Init(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	var metrics *mwotel.Metrics
	if cfg.Telemetry.Enabled {
		metrics, err = mwotel.NewMetrics()
		if err != nil {
			return fmt.Errorf("metric instruments: %w", err)
		}
	}

	// --- PostgreSQL ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	store := postgres.NewStore(pool)

	// --- Message bus ---
	// Exhausted messages land in the dead_letters table and surface as an
	// error notification on the system-events topic.
	var msgBus messagebus.Bus
	busOpts := bus.Options{
		RedeliveryTimeout: cfg.Bus.RedeliveryTimeout,
		MaxAttempts:       cfg.Bus.MaxAttempts,
		OnDeadLetter: func(msg message.Message, reason string) {
			dlqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.CreateDeadLetter(dlqCtx, &msg, reason); err != nil {
				slog.Error("persist dead letter", "message_id", msg.ID, "error", err)
			}
			if msgBus != nil {
				_, _ = msgBus.Publish(dlqCtx, message.Message{
					Type:     message.TypeErrorNotification,
					From:     "bus",
					Payload:  msg.Payload,
					Priority: message.PriorityHigh,
				})
			}
		},
	}
	if cfg.NATS.URL != "" {
		natsBus, err := mwnats.Connect(ctx, cfg.NATS.URL, busOpts)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		msgBus = natsBus
		slog.Info("nats jetstream connected", "url", cfg.NATS.URL)
	} else {
		msgBus = bus.NewMemory(busOpts)
		slog.Info("in-memory bus active")
	}
	defer func() { _ = msgBus.Close() }()

	// --- Cache ---
	snapshotCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer snapshotCache.Close()

	// --- Services ---
	hub := ws.NewHub()
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)

	registry := service.NewRegistryService(store, hub)
	ledger := service.NewLedgerService(store)
	gate := service.NewGateService(store, msgBus, metrics)
	scheduler := service.NewSchedulerService(store, msgBus, registry, ledger, gate, hub, breaker, metrics, &cfg.Orchestrator)
	orch := service.NewOrchestratorService(store, msgBus, scheduler, registry, ledger, gate, hub, &cfg.Orchestrator)
	metricsSvc := service.NewMetricsService(store, hub)

	if err := orch.RestoreLedgers(ctx); err != nil {
		return fmt.Errorf("restore ledgers: %w", err)
	}

	stopConsumers, err := orch.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("bus consumers: %w", err)
	}
	defer stopConsumers()

	// --- Background loops ---
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	go tick(loopCtx, cfg.Orchestrator.SchedulingInterval, orch.SchedulingTick)
	go tick(loopCtx, cfg.Orchestrator.SweepInterval, orch.SweepTick)
	go tick(loopCtx, time.Hour, func(ctx context.Context) {
		gate.AutoClear(ctx, cfg.Orchestrator.ViolationRetention)
	})
	go metricsSvc.Run(loopCtx, cfg.Orchestrator.MetricsInterval)

	// --- HTTP ---
	handlers := mwhttp.NewHandlers(orch, registry, gate, hub, snapshotCache, cfg.Cache)

	r := chi.NewRouter()
	r.Use(mwhttp.RequestID)
	r.Use(mwhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	if cfg.Telemetry.Enabled {
		r.Use(mwotel.HTTPMiddleware(cfg.Logging.Service))
	}

	mwhttp.MountRoutes(r, handlers, hub)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
	}).Handler(r)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")
	stopLoops()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// tick runs fn on a fixed interval until the context is cancelled.
func tick(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
