// webhookd delivers queued webhook events to registered client endpoints.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	"webhookd/internal/api"
	"webhookd/internal/config"
	"webhookd/internal/dispatcher"
	"webhookd/internal/gate"
	"webhookd/internal/health"
	"webhookd/internal/ingest"
	"webhookd/internal/lock"
	"webhookd/internal/observability"
	"webhookd/internal/outbox"
	"webhookd/internal/outbox/postgres"
	"webhookd/internal/registry"

	"github.com/redis/go-redis/v9"
)

func main() {
	slog.SetDefault(slog.New(observability.NewTraceHandler(slog.NewJSONHandler(os.Stdout, nil))))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	dispatchCfg := dispatcher.LoadConfigFromEnv()

	// Setup metrics and tracing
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}
	tp, err := observability.NewTracerProvider(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := observability.ShutdownTracing(context.Background(), tp); err != nil {
			slog.Warn("Tracer shutdown error", "error", err)
		}
	}()

	healthChecker := health.NewChecker()

	// Outbox store: Postgres when configured, otherwise in-memory
	var store registry.Stores
	if svcCfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, svcCfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		store = pg
		slog.Info("Connected to Postgres outbox")
	} else {
		store = outbox.NewMemoryStore()
		slog.Warn("DATABASE_URL not set - using in-memory outbox, entries are lost on restart")
	}
	healthChecker.Require("store", store)

	if err := metrics.ObserveQueueDepth(store.Depth); err != nil {
		return err
	}

	// Cycle lock: Redis when configured, otherwise per-process
	var (
		locker      lock.Locker = lock.NewLocal()
		redisClient *redis.Client
	)
	if svcCfg.RedisURL != "" {
		opts, err := redis.ParseURL(svcCfg.RedisURL)
		if err != nil {
			return err
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		locker = lock.NewRedis(redisClient, "webhookd:lock:")
		healthChecker.Optional("redis", health.CheckFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
		slog.Info("Using Redis cycle lock")
	}

	// Dispatcher and trigger gate
	d := dispatcher.New(store, dispatchCfg, dispatcher.WithMetrics(metrics))
	g := gate.New(d, locker, svcCfg.CronSecret, svcCfg.AdminToken, gate.WithLockTTL(svcCfg.DispatchLockTTL))
	reg := registry.New(store)

	if svcCfg.CronSecret == "" && svcCfg.AdminToken == "" {
		slog.Warn("Neither CRON_SECRET nor ADMIN_TOKEN configured - dispatch trigger will reject every request")
	}

	var background sync.WaitGroup

	// In-process scheduler (optional)
	scheduler := gate.NewScheduler(g, svcCfg.DispatchInterval)
	if scheduler.Enabled() {
		background.Add(1)
		go func() {
			defer background.Done()
			scheduler.Start(ctx)
		}()
	}

	// Kafka ingestion (optional)
	if len(svcCfg.Kafka.Brokers) > 0 {
		var dedupe ingest.Deduper
		if redisClient != nil {
			dedupe = ingest.NewRedisDeduper(redisClient, "webhookd:ingest:", svcCfg.Kafka.DedupeTTL)
		}
		consumer := ingest.NewConsumer(svcCfg.Kafka, reg, dedupe)
		healthChecker.Optional("ingest", consumer)
		background.Add(1)
		go func() {
			defer background.Done()
			consumer.Run(ctx)
		}()
		slog.Info("Kafka ingestion enabled", "topic", svcCfg.Kafka.Topic, "brokers", svcCfg.Kafka.Brokers)
	}

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Registry:         reg,
		Trigger:          g,
		Metrics:          metrics,
		HealthChecker:    healthChecker,
		AdminToken:       svcCfg.AdminToken,
		TriggerRateLimit: svcCfg.TriggerRateLimit,
	})

	// Create API server. Write timeout covers a full dispatch cycle.
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: dispatchCfg.Lease + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		cancel()
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop the scheduler and consumer. An in-flight cycle releases
	// its unsent entries; sent ones are already resolved.
	cancel()
	background.Wait()

	// Phase 3: Finish in-flight requests, including manual cycles
	slog.Info("Starting graceful shutdown")
	shutdown(dispatchCfg.Lease)

	slog.Info("Shutdown complete")
	return nil
}
