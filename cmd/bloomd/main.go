package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/couchcryptid/bloomwatch-service/internal/adapter/httpadapter"
	"github.com/couchcryptid/bloomwatch-service/internal/adapter/inference"
	kafkaadapter "github.com/couchcryptid/bloomwatch-service/internal/adapter/kafka"
	"github.com/couchcryptid/bloomwatch-service/internal/adapter/memstore"
	"github.com/couchcryptid/bloomwatch-service/internal/adapter/openmeteo"
	"github.com/couchcryptid/bloomwatch-service/internal/adapter/postgres"
	"github.com/couchcryptid/bloomwatch-service/internal/adapter/redislimit"
	"github.com/couchcryptid/bloomwatch-service/internal/config"
	"github.com/couchcryptid/bloomwatch-service/internal/detection"
	"github.com/couchcryptid/bloomwatch-service/internal/domain"
	"github.com/couchcryptid/bloomwatch-service/internal/observability"
	"github.com/couchcryptid/bloomwatch-service/internal/query"
	"github.com/jonboulle/clockwork"
)

type readyStore interface {
	domain.ObservationStore
	CheckReadiness(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var store readyStore
	var pg *postgres.Store
	if cfg.DatabaseURL != "" {
		pg, err = postgres.Open(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns)
		if err != nil {
			logger.Error("failed to open postgres", "error", err)
			os.Exit(1)
		}
		store = pg
		logger.Info("postgres store enabled", "max_open_conns", cfg.DBMaxOpenConns)
	} else {
		store = memstore.New()
		logger.Warn("DATABASE_URL not set, observations are kept in memory only")
	}

	var telemetry domain.TelemetryProvider = openmeteo.NewClient(cfg.TelemetryBaseURL, cfg.TelemetrySeries, cfg.TelemetryTimeout, metrics, logger)
	if cfg.TelemetryCacheSize > 0 {
		telemetry = openmeteo.NewCachedProvider(telemetry, cfg.TelemetryCacheSize, cfg.TelemetryCacheTTL, clockwork.NewRealClock(), metrics)
		logger.Info("telemetry cache enabled", "cache_size", cfg.TelemetryCacheSize, "ttl", cfg.TelemetryCacheTTL)
	}
	scorer := inference.NewClient(cfg.InferenceURL, cfg.InferenceTimeout, metrics, logger)

	observers := []domain.Observer{detection.NewAuditLog(logger)}
	var publisher *kafkaadapter.Publisher
	if cfg.KafkaEnabled {
		publisher = kafkaadapter.NewPublisher(cfg, logger, metrics)
		observers = append(observers, publisher)
		logger.Info("observation events enabled", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	} else {
		logger.Info("observation events disabled")
	}

	var limiter httpadapter.RateLimiter
	if cfg.RedisURL != "" {
		client, err := redislimit.Open(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		limiter = redislimit.NewLimiter(client, cfg.RateLimitPerMinute, time.Minute)
		logger.Info("redis rate limiter enabled", "per_minute", cfg.RateLimitPerMinute)
	} else {
		limiter = httpadapter.NewMemoryLimiter(cfg.RateLimitPerMinute, time.Minute, clockwork.NewRealClock())
	}

	detector := detection.New(telemetry, scorer, store, logger, metrics, detection.Options{
		TelemetryTimeout:  cfg.TelemetryTimeout,
		InferenceTimeout:  cfg.InferenceTimeout,
		MaxRetries:        cfg.UpstreamMaxRetries,
		TelemetryFailOpen: cfg.TelemetryFailOpen,
	}, observers...)

	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.Dependencies{
		Detector:  detector,
		Queries:   query.New(store, metrics),
		Ready:     store,
		Limiter:   limiter,
		JWTSecret: []byte(cfg.JWTSecret),
		Metrics:   metrics,
	}, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	// Start event publisher. It is cancelled only after srv.Shutdown returns.
	publisherCtx, stopPublisher := context.WithCancel(context.Background())
	defer stopPublisher()
	publisherDone := make(chan struct{})
	if publisher != nil {
		go func() {
			defer close(publisherDone)
			publisher.Run(publisherCtx)
		}()
	} else {
		close(publisherDone)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	stopPublisher()
	select {
	case <-publisherDone:
	case <-shutdownCtx.Done():
		logger.Warn("event publisher did not drain before shutdown deadline")
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if pg != nil {
		if err := pg.Close(); err != nil {
			logger.Error("postgres close error", "error", err)
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
