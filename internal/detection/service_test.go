package detection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/bloomwatch-service/internal/adapter/memstore"
	"github.com/couchcryptid/bloomwatch-service/internal/domain"
	"github.com/couchcryptid/bloomwatch-service/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrincipal = domain.Principal("user-42")

var erie = domain.Coordinate{Longitude: -81.2, Latitude: 41.7}

// --- mocks ---

type mockTelemetry struct {
	calls atomic.Int32
	// fn, when set, overrides value/err.
	fn    func(ctx context.Context, call int32) (*float64, error)
	value *float64
	err   error
}

func (m *mockTelemetry) FetchTelemetry(ctx context.Context, _ domain.Coordinate) (*float64, error) {
	n := m.calls.Add(1)
	if m.fn != nil {
		return m.fn(ctx, n)
	}
	return m.value, m.err
}

type mockScorer struct {
	calls   atomic.Int32
	mu      sync.Mutex
	gotTemp *float64
	fn      func(ctx context.Context) (domain.ScoreResult, error)
	result  domain.ScoreResult
	err     error
}

func (m *mockScorer) Score(ctx context.Context, _ domain.Coordinate, temperature *float64) (domain.ScoreResult, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.gotTemp = temperature
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(ctx)
	}
	return m.result, m.err
}

type failingStore struct {
	domain.ObservationStore
	err error
}

func (f *failingStore) Insert(context.Context, domain.Observation) (domain.Observation, error) {
	return domain.Observation{}, f.err
}

type recordingObserver struct {
	got chan domain.Observation
}

func (r *recordingObserver) ObservationCommitted(_ context.Context, obs domain.Observation) {
	r.got <- obs
}

type blockingObserver struct {
	release chan struct{}
}

func (b *blockingObserver) ObservationCommitted(context.Context, domain.Observation) {
	<-b.release
}

func ptr(v float64) *float64 { return &v }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, tel domain.TelemetryProvider, sc domain.Scorer, store domain.ObservationStore, opts Options, observers ...domain.Observer) *Service {
	t.Helper()
	s := New(tel, sc, store, discardLogger(), observability.NewMetricsForTesting(), opts, observers...)
	s.initialBackoff = time.Millisecond
	s.maxBackoff = 4 * time.Millisecond
	return s
}

func scored(p float64) domain.ScoreResult {
	raw, _ := json.Marshal(map[string]float64{"probability": p})
	return domain.ScoreResult{Probability: p, Chlorophyll: ptr(2 + 20*p), Raw: raw}
}

// --- tests ---

func TestDetect_HappyPath(t *testing.T) {
	store := memstore.New()
	tel := &mockTelemetry{value: ptr(24.1)}
	sc := &mockScorer{result: scored(0.257)}
	obs := &recordingObserver{got: make(chan domain.Observation, 1)}
	s := newTestService(t, tel, sc, store, Options{}, obs)

	rec, err := s.Detect(context.Background(), erie, testPrincipal)
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, 26, rec.Severity)
	assert.Equal(t, erie, rec.Coordinate)
	assert.Equal(t, 24.1, *rec.Temperature)
	assert.InDelta(t, 7.14, *rec.Chlorophyll, 1e-9)
	assert.Equal(t, domain.SourceMLPipeline, rec.Source)
	assert.Equal(t, testPrincipal, rec.Owner)
	assert.JSONEq(t, `{"probability":0.257}`, string(rec.RawSignals))
	assert.False(t, rec.CreatedAt.IsZero())

	// Telemetry feeds scoring.
	assert.Equal(t, 24.1, *sc.gotTemp)

	stored, ok, err := store.FindByID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.Severity, stored.Severity)

	select {
	case got := <-obs.got:
		assert.Equal(t, rec.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("observer was not notified")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Detections.WithLabelValues("success")))
}

func TestDetect_SeverityDerivation(t *testing.T) {
	tests := []struct {
		probability float64
		want        int
	}{
		{0, 0},
		{0.257, 26},
		{0.5, 50},
		{0.999, 100},
		{1.4, 100},
	}
	for _, tt := range tests {
		store := memstore.New()
		s := newTestService(t, &mockTelemetry{value: ptr(20)}, &mockScorer{result: scored(tt.probability)}, store, Options{})

		rec, err := s.Detect(context.Background(), erie, testPrincipal)
		require.NoError(t, err)
		assert.Equal(t, tt.want, rec.Severity, "probability %v", tt.probability)
	}
}

func TestDetect_EmptyTelemetrySucceeds(t *testing.T) {
	store := memstore.New()
	sc := &mockScorer{result: scored(0.1)}
	s := newTestService(t, &mockTelemetry{}, sc, store, Options{})

	rec, err := s.Detect(context.Background(), erie, testPrincipal)
	require.NoError(t, err)
	assert.Nil(t, rec.Temperature)
	assert.Nil(t, sc.gotTemp)
	assert.Equal(t, 1, store.Len())
}

func TestDetect_TelemetryErrorCommitsNothing(t *testing.T) {
	store := memstore.New()
	sc := &mockScorer{result: scored(0.9)}
	s := newTestService(t, &mockTelemetry{err: errors.New("connection refused")}, sc, store, Options{})

	_, err := s.Detect(context.Background(), erie, testPrincipal)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Zero(t, store.Len())
	assert.Zero(t, sc.calls.Load(), "inference must not run without telemetry")
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Detections.WithLabelValues("upstream_error")))
}

func TestDetect_TelemetryFailOpen(t *testing.T) {
	store := memstore.New()
	sc := &mockScorer{result: scored(0.3)}
	s := newTestService(t, &mockTelemetry{err: errors.New("502")}, sc, store, Options{TelemetryFailOpen: true})

	rec, err := s.Detect(context.Background(), erie, testPrincipal)
	require.NoError(t, err)
	assert.Nil(t, rec.Temperature)
	assert.Equal(t, 30, rec.Severity)
	assert.Equal(t, 1, store.Len())
}

func TestDetect_InferenceErrorCommitsNothing(t *testing.T) {
	store := memstore.New()
	s := newTestService(t, &mockTelemetry{value: ptr(20)}, &mockScorer{err: errors.New("status 500")}, store, Options{})

	_, err := s.Detect(context.Background(), erie, testPrincipal)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Zero(t, store.Len())
}

func TestDetect_ValidationFailsFast(t *testing.T) {
	tests := []struct {
		name      string
		coord     domain.Coordinate
		principal domain.Principal
	}{
		{"latitude out of range", domain.Coordinate{Longitude: 0, Latitude: 95}, testPrincipal},
		{"longitude out of range", domain.Coordinate{Longitude: 200, Latitude: 0}, testPrincipal},
		{"missing principal", erie, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tel := &mockTelemetry{value: ptr(20)}
			store := memstore.New()
			s := newTestService(t, tel, &mockScorer{result: scored(0.5)}, store, Options{})

			_, err := s.Detect(context.Background(), tt.coord, tt.principal)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Zero(t, tel.calls.Load())
			assert.Zero(t, store.Len())
		})
	}
}

func TestDetect_StorageFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"already classified", errors.Join(domain.ErrStorageUnavailable, errors.New("disk full"))},
		{"unclassified", errors.New("pool exhausted")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &recordingObserver{got: make(chan domain.Observation, 1)}
			s := newTestService(t, &mockTelemetry{value: ptr(20)}, &mockScorer{result: scored(0.5)}, &failingStore{err: tt.err}, Options{}, obs)

			_, err := s.Detect(context.Background(), erie, testPrincipal)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
			assert.Empty(t, obs.got)
		})
	}
}

func TestDetect_GatewayTimeout(t *testing.T) {
	store := memstore.New()
	tel := &mockTelemetry{fn: func(ctx context.Context, _ int32) (*float64, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := newTestService(t, tel, &mockScorer{result: scored(0.5)}, store, Options{TelemetryTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := s.Detect(context.Background(), erie, testPrincipal)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, store.Len())
}

func TestDetect_CancelledDuringInferenceCommitsNothing(t *testing.T) {
	store := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	sc := &mockScorer{fn: func(context.Context) (domain.ScoreResult, error) {
		cancel()
		return scored(0.8), nil
	}}
	s := newTestService(t, &mockTelemetry{value: ptr(20)}, sc, store, Options{})

	_, err := s.Detect(ctx, erie, testPrincipal)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, store.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Detections.WithLabelValues("canceled")))
}

func TestDetect_DeadlineBeforeCommitCommitsNothing(t *testing.T) {
	store := memstore.New()
	sc := &mockScorer{fn: func(ctx context.Context) (domain.ScoreResult, error) {
		<-ctx.Done()
		return scored(0.8), nil
	}}
	s := newTestService(t, &mockTelemetry{value: ptr(20)}, sc, store, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Detect(ctx, erie, testPrincipal)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, store.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Detections.WithLabelValues("timeout")))
	assert.Zero(t, testutil.ToFloat64(s.metrics.Detections.WithLabelValues("error")))
}

func TestDetect_RetriesUpstream(t *testing.T) {
	store := memstore.New()
	tel := &mockTelemetry{fn: func(_ context.Context, call int32) (*float64, error) {
		if call < 3 {
			return nil, errors.New("flaky")
		}
		return ptr(18), nil
	}}
	s := newTestService(t, tel, &mockScorer{result: scored(0.4)}, store, Options{MaxRetries: 2})

	rec, err := s.Detect(context.Background(), erie, testPrincipal)
	require.NoError(t, err)
	assert.Equal(t, int32(3), tel.calls.Load())
	assert.Equal(t, 18.0, *rec.Temperature)
}

func TestDetect_RetriesExhausted(t *testing.T) {
	store := memstore.New()
	sc := &mockScorer{err: errors.New("still down")}
	s := newTestService(t, &mockTelemetry{value: ptr(18)}, sc, store, Options{MaxRetries: 1})

	_, err := s.Detect(context.Background(), erie, testPrincipal)
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Equal(t, int32(2), sc.calls.Load())
	assert.Zero(t, store.Len())
}

func TestDetect_NoRetryByDefault(t *testing.T) {
	tel := &mockTelemetry{err: errors.New("down")}
	s := newTestService(t, tel, &mockScorer{}, memstore.New(), Options{})

	_, err := s.Detect(context.Background(), erie, testPrincipal)
	require.Error(t, err)
	assert.Equal(t, int32(1), tel.calls.Load())
}

func TestDetect_SlowObserverDoesNotBlock(t *testing.T) {
	blocker := &blockingObserver{release: make(chan struct{})}
	defer close(blocker.release)
	s := newTestService(t, &mockTelemetry{value: ptr(20)}, &mockScorer{result: scored(0.5)}, memstore.New(), Options{}, blocker)

	done := make(chan error, 1)
	go func() {
		_, err := s.Detect(context.Background(), erie, testPrincipal)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Detect blocked on observer")
	}
}

func TestDetect_ConcurrentDetections(t *testing.T) {
	store := memstore.New()
	s := newTestService(t, &mockTelemetry{value: ptr(20)}, &mockScorer{result: scored(0.5)}, store, Options{})

	const n = 50
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Detect(context.Background(), erie, testPrincipal)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, n, store.Len())
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 400*time.Millisecond, nextBackoff(200*time.Millisecond, 5*time.Second))
	assert.Equal(t, 5*time.Second, nextBackoff(4*time.Second, 5*time.Second))
}

func TestSleepWithContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepWithContext(ctx, time.Hour))
	assert.True(t, sleepWithContext(context.Background(), 0))
}
