package domain

import "context"

// TelemetryProvider fetches a point-in-time environmental sample for a
// coordinate. A nil value with a nil error means the provider had no data.
type TelemetryProvider interface {
	FetchTelemetry(ctx context.Context, coord Coordinate) (*float64, error)
}

// Scorer submits a coordinate and optional telemetry to the inference service.
type Scorer interface {
	Score(ctx context.Context, coord Coordinate, temperature *float64) (ScoreResult, error)
}

// ObservationStore persists observations behind a spatial index.
type ObservationStore interface {
	// Insert assigns identity and commit time, then stores the record.
	Insert(ctx context.Context, obs Observation) (Observation, error)
	// FindByID reports false when no record has the given id.
	FindByID(ctx context.Context, id string) (Observation, bool, error)
	// RadiusQuery returns records within radiusMeters of center, nearest first.
	RadiusQuery(ctx context.Context, center Coordinate, radiusMeters float64, limit int) ([]Observation, error)
	// ListByOwner returns one window of the owner's records, most recently
	// detected first, along with the owner's total record count.
	ListByOwner(ctx context.Context, owner Principal, offset, limit int) ([]Observation, int, error)
}

// Observer is notified after an observation is committed. Implementations
// must return promptly; the detection path never waits on them.
type Observer interface {
	ObservationCommitted(ctx context.Context, obs Observation)
}
