package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// SourceMLPipeline tags observations produced by the detection pipeline.
const SourceMLPipeline = "ml_pipeline"

// Query defaults and caps.
const (
	DefaultRadiusMeters = 5000.0
	MaxRadiusResults    = 200
	DefaultPageSize     = 10
	MaxPageSize         = 100
)

// Coordinate is a WGS-84 position in decimal degrees.
type Coordinate struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// Validate reports whether the coordinate is finite and inside the WGS-84 range.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || math.IsInf(c.Latitude, 0) || c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range [-90, 90]", ErrValidation, c.Latitude)
	}
	if math.IsNaN(c.Longitude) || math.IsInf(c.Longitude, 0) || c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range [-180, 180]", ErrValidation, c.Longitude)
	}
	return nil
}

// Principal identifies the caller a detection is attributed to.
// Only equality is meaningful.
type Principal string

// Observation is a committed, geolocated detection result.
type Observation struct {
	ID          string          `json:"id"`
	Coordinate  Coordinate      `json:"coordinate"`
	Severity    int             `json:"severity"`
	Chlorophyll *float64        `json:"chlorophyll,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Source      string          `json:"source"`
	RawSignals  json.RawMessage `json:"rawSignals,omitempty"`
	Owner       Principal       `json:"owner,omitempty"`
	DetectedAt  time.Time       `json:"detectedAt"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Clone returns a deep copy so callers never share optional values or the
// raw payload with a store.
func (o Observation) Clone() Observation {
	out := o
	if o.Chlorophyll != nil {
		v := *o.Chlorophyll
		out.Chlorophyll = &v
	}
	if o.Temperature != nil {
		v := *o.Temperature
		out.Temperature = &v
	}
	if o.RawSignals != nil {
		out.RawSignals = append(json.RawMessage(nil), o.RawSignals...)
	}
	return out
}

// ScoreResult is the decoded answer of the inference service.
type ScoreResult struct {
	Probability float64
	Chlorophyll *float64
	Raw         json.RawMessage
}

// Pagination describes one window of an owner's history.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// Page is a window of observations plus its pagination metadata.
type Page struct {
	Records    []Observation `json:"records"`
	Pagination Pagination    `json:"pagination"`
}

// TotalPages returns ceil(total/pageSize), or 0 when pageSize is not positive.
func TotalPages(total, pageSize int) int {
	if pageSize <= 0 || total <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}
