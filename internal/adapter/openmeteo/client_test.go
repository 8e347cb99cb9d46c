package openmeteo

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/couchcryptid/bloomwatch-service/internal/domain"
	"github.com/couchcryptid/bloomwatch-service/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSeries        = "sea_surface_temperature"
	contentTypeJSON   = "application/json"
	headerContentType = "Content-Type"
)

var erie = domain.Coordinate{Longitude: -81.2, Latitude: 41.7}

func testClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    baseURL,
		series:     testSeries,
		metrics:    observability.NewMetricsForTesting(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func serveJSON(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/forecast", r.URL.Path)
		w.Header().Set(headerContentType, contentTypeJSON)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_FetchTelemetry_FirstSample(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "41.7", q.Get("latitude"))
		assert.Equal(t, "-81.2", q.Get("longitude"))
		assert.Equal(t, testSeries, q.Get("hourly"))

		w.Header().Set(headerContentType, contentTypeJSON)
		_, _ = io.WriteString(w, `{"latitude":41.7,"hourly":{"time":["2025-07-01T00:00","2025-07-01T01:00"],"sea_surface_temperature":[22.4,22.6]}}`)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	got, err := c.FetchTelemetry(context.Background(), erie)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 22.4, *got)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.UpstreamRequests.WithLabelValues(provider, "success")))
}

func TestClient_FetchTelemetry_AbsentValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty series", `{"hourly":{"time":[],"sea_surface_temperature":[]}}`},
		{"missing series", `{"hourly":{"time":["2025-07-01T00:00"]}}`},
		{"missing hourly", `{"latitude":41.7}`},
		{"null series", `{"hourly":{"sea_surface_temperature":null}}`},
		{"null first sample", `{"hourly":{"sea_surface_temperature":[null,18.0]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(serveJSON(t, tt.body).URL)
			got, err := c.FetchTelemetry(context.Background(), erie)
			require.NoError(t, err)
			assert.Nil(t, got)
			assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.UpstreamRequests.WithLabelValues(provider, "empty")))
		})
	}
}

func TestClient_FetchTelemetry_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":true,"reason":"Latitude must be in range of -90 to 90°."}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.FetchTelemetry(context.Background(), erie)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.UpstreamRequests.WithLabelValues(provider, "error")))
}

func TestClient_FetchTelemetry_MalformedSeries(t *testing.T) {
	c := testClient(serveJSON(t, `{"hourly":{"sea_surface_temperature":"warm"}}`).URL)
	_, err := c.FetchTelemetry(context.Background(), erie)
	require.Error(t, err)
	assert.Contains(t, err.Error(), testSeries)
}

func TestClient_FetchTelemetry_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}

	_, err := c.FetchTelemetry(context.Background(), erie)
	require.Error(t, err)
}

func TestClient_FetchTelemetry_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := testClient(srv.URL).FetchTelemetry(ctx, erie)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
