// Package openmeteo fetches sea-surface telemetry from the Open-Meteo forecast API.
package openmeteo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/couchcryptid/bloomwatch-service/internal/domain"
	"github.com/couchcryptid/bloomwatch-service/internal/observability"
)

const provider = "telemetry"

// Client implements domain.TelemetryProvider against the Open-Meteo API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	series     string
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates an Open-Meteo client reading the named hourly series.
func NewClient(baseURL, series string, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		series:  series,
		metrics: metrics,
		logger:  logger,
	}
}

// FetchTelemetry returns the first sample of the configured hourly series.
// A missing or empty series, or a null first sample, yields (nil, nil).
func (c *Client) FetchTelemetry(ctx context.Context, coord domain.Coordinate) (*float64, error) {
	params := url.Values{
		"latitude":  {strconv.FormatFloat(coord.Latitude, 'f', -1, 64)},
		"longitude": {strconv.FormatFloat(coord.Longitude, 'f', -1, 64)},
		"hourly":    {c.series},
	}

	start := time.Now()
	value, err := c.doRequest(ctx, c.baseURL+"/v1/forecast?"+params.Encode())
	c.metrics.UpstreamDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		c.metrics.UpstreamRequests.WithLabelValues(provider, "error").Inc()
		return nil, err
	case value == nil:
		c.metrics.UpstreamRequests.WithLabelValues(provider, "empty").Inc()
		c.logger.Debug("telemetry series empty", "series", c.series, "lat", coord.Latitude, "lon", coord.Longitude)
	default:
		c.metrics.UpstreamRequests.WithLabelValues(provider, "success").Inc()
	}
	return value, nil
}

func (c *Client) doRequest(ctx context.Context, fullURL string) (*float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telemetry request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("open-meteo API error: status %d: %s", resp.StatusCode, body)
	}

	var forecast response
	if err := json.NewDecoder(resp.Body).Decode(&forecast); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	raw, ok := forecast.Hourly[c.series]
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	var samples []*float64
	if err := json.Unmarshal(raw, &samples); err != nil {
		return nil, fmt.Errorf("decode %s series: %w", c.series, err)
	}
	if len(samples) == 0 {
		return nil, nil
	}
	return samples[0], nil
}

// Open-Meteo API response types. Hourly holds one array per requested
// variable plus "time"; only the configured series is decoded.

type response struct {
	Hourly map[string]json.RawMessage `json:"hourly"`
}
