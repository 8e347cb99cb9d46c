// Package detection orchestrates one detection attempt: telemetry lookup,
// scoring, severity derivation and commit.
package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/bloomwatch-service/internal/domain"
	"github.com/couchcryptid/bloomwatch-service/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Options tunes gateway timeouts and retry behaviour.
type Options struct {
	TelemetryTimeout time.Duration
	InferenceTimeout time.Duration
	// MaxRetries is the number of extra attempts per gateway call. Zero
	// means fail once, fail fast.
	MaxRetries int
	// TelemetryFailOpen continues without a temperature when the telemetry
	// provider errors instead of failing the detection.
	TelemetryFailOpen bool
}

// Service runs detections against the injected gateways and store.
type Service struct {
	telemetry domain.TelemetryProvider
	scorer    domain.Scorer
	store     domain.ObservationStore
	observers []domain.Observer
	logger    *slog.Logger
	metrics   *observability.Metrics
	opts      Options

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// New creates a detection Service.
func New(
	telemetry domain.TelemetryProvider,
	scorer domain.Scorer,
	store domain.ObservationStore,
	logger *slog.Logger,
	metrics *observability.Metrics,
	opts Options,
	observers ...domain.Observer,
) *Service {
	return &Service{
		telemetry:      telemetry,
		scorer:         scorer,
		store:          store,
		observers:      observers,
		logger:         logger,
		metrics:        metrics,
		opts:           opts,
		initialBackoff: 200 * time.Millisecond,
		maxBackoff:     5 * time.Second,
	}
}

// Detect validates coord, fetches telemetry, scores it and commits the
// resulting observation on behalf of principal. Either the committed record
// is returned or nothing is written.
func (s *Service) Detect(ctx context.Context, coord domain.Coordinate, principal domain.Principal) (domain.Observation, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "detection.Detect",
		attribute.Float64("bloom.latitude", coord.Latitude),
		attribute.Float64("bloom.longitude", coord.Longitude),
	)
	defer span.End()

	obs, err := s.detect(ctx, coord, principal)
	outcome := outcomeOf(err)
	s.metrics.Detections.WithLabelValues(outcome).Inc()
	s.metrics.DetectionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		s.logFailure(outcome, coord, err)
		return domain.Observation{}, err
	}

	span.SetAttributes(attribute.String("bloom.id", obs.ID), attribute.Int("bloom.severity", obs.Severity))
	s.metrics.Severity.Observe(float64(obs.Severity))
	s.notify(ctx, obs)
	return obs, nil
}

func (s *Service) detect(ctx context.Context, coord domain.Coordinate, principal domain.Principal) (domain.Observation, error) {
	if err := coord.Validate(); err != nil {
		return domain.Observation{}, err
	}
	if principal == "" {
		return domain.Observation{}, fmt.Errorf("%w: principal is required", domain.ErrValidation)
	}

	temperature, err := s.fetchTelemetry(ctx, coord)
	if err != nil {
		if !s.opts.TelemetryFailOpen || ctx.Err() != nil {
			return domain.Observation{}, fmt.Errorf("%w: telemetry: %w", domain.ErrUpstreamUnavailable, err)
		}
		s.logger.Warn("telemetry unavailable, continuing without temperature", "error", err)
		temperature = nil
	}

	score, err := s.score(ctx, coord, temperature)
	if err != nil {
		return domain.Observation{}, fmt.Errorf("%w: inference: %w", domain.ErrUpstreamUnavailable, err)
	}

	// An abandoned request must not leave a record behind.
	if err := ctx.Err(); err != nil {
		return domain.Observation{}, err
	}

	stored, err := s.store.Insert(ctx, domain.Observation{
		Coordinate:  coord,
		Severity:    domain.DeriveSeverity(score.Probability),
		Chlorophyll: score.Chlorophyll,
		Temperature: temperature,
		Source:      domain.SourceMLPipeline,
		RawSignals:  score.Raw,
		Owner:       principal,
	})
	if err != nil {
		if errors.Is(err, domain.ErrStorageUnavailable) || errors.Is(err, context.Canceled) {
			return domain.Observation{}, err
		}
		return domain.Observation{}, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	return stored, nil
}

func (s *Service) fetchTelemetry(ctx context.Context, coord domain.Coordinate) (*float64, error) {
	var value *float64
	err := s.withRetry(ctx, "telemetry", func(ctx context.Context) error {
		callCtx, cancel := withTimeout(ctx, s.opts.TelemetryTimeout)
		defer cancel()
		callCtx, span := observability.StartSpan(callCtx, "telemetry.Fetch")
		defer span.End()

		v, err := s.telemetry.FetchTelemetry(callCtx, coord)
		if err != nil {
			span.RecordError(err)
			return err
		}
		value = v
		return nil
	})
	return value, err
}

func (s *Service) score(ctx context.Context, coord domain.Coordinate, temperature *float64) (domain.ScoreResult, error) {
	var result domain.ScoreResult
	err := s.withRetry(ctx, "inference", func(ctx context.Context) error {
		callCtx, cancel := withTimeout(ctx, s.opts.InferenceTimeout)
		defer cancel()
		callCtx, span := observability.StartSpan(callCtx, "inference.Score")
		defer span.End()

		r, err := s.scorer.Score(callCtx, coord, temperature)
		if err != nil {
			span.RecordError(err)
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// notify hands the committed record to every observer on its own goroutine
// so a slow observer can never hold up the response.
func (s *Service) notify(ctx context.Context, obs domain.Observation) {
	detached := context.WithoutCancel(ctx)
	for _, o := range s.observers {
		go o.ObservationCommitted(detached, obs.Clone())
	}
}

func (s *Service) logFailure(outcome string, coord domain.Coordinate, err error) {
	attrs := []any{"outcome", outcome, "lat", coord.Latitude, "lon", coord.Longitude, "error", err}
	switch outcome {
	case "validation_error", "canceled":
		s.logger.Debug("detection rejected", attrs...)
	case "upstream_error", "timeout":
		s.logger.Warn("detection failed", attrs...)
	default:
		s.logger.Error("detection failed", attrs...)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, domain.ErrValidation):
		return "validation_error"
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return "upstream_error"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return "storage_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
