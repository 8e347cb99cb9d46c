// Package inference calls the bloom scoring service's /predict endpoint.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/bloomwatch-service/internal/domain"
	"github.com/couchcryptid/bloomwatch-service/internal/observability"
)

const (
	provider        = "inference"
	maxResponseSize = 1 << 20
)

// Client implements domain.Scorer over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a scoring client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		metrics: metrics,
		logger:  logger,
	}
}

// Score posts the coordinate and optional temperature and decodes the estimate.
// Any non-2xx status is an error.
func (c *Client) Score(ctx context.Context, coord domain.Coordinate, temperature *float64) (domain.ScoreResult, error) {
	start := time.Now()
	result, err := c.doRequest(ctx, predictRequest{
		Lat:         coord.Latitude,
		Lng:         coord.Longitude,
		Temperature: temperature,
	})
	c.metrics.UpstreamDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())

	if err != nil {
		c.metrics.UpstreamRequests.WithLabelValues(provider, "error").Inc()
		return domain.ScoreResult{}, err
	}
	c.metrics.UpstreamRequests.WithLabelValues(provider, "success").Inc()
	return result, nil
}

func (c *Client) doRequest(ctx context.Context, body predictRequest) (domain.ScoreResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.ScoreResult{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(payload))
	if err != nil {
		return domain.ScoreResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ScoreResult{}, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return domain.ScoreResult{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.ScoreResult{}, fmt.Errorf("inference API error: status %d: %s", resp.StatusCode, raw)
	}

	var decoded predictResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return domain.ScoreResult{}, fmt.Errorf("decode response: %w", err)
	}

	result := domain.ScoreResult{
		Chlorophyll: decoded.Chlorophyll,
		Raw:         json.RawMessage(raw),
	}
	if decoded.Probability != nil {
		result.Probability = *decoded.Probability
	} else {
		c.logger.Debug("inference response omitted probability, defaulting to 0")
	}
	return result, nil
}

// Scoring service wire types.

type predictRequest struct {
	Lat         float64  `json:"lat"`
	Lng         float64  `json:"lng"`
	Temperature *float64 `json:"temperature"`
}

type predictResponse struct {
	Probability *float64 `json:"probability"`
	Chlorophyll *float64 `json:"chlorophyll"`
}
