package detection

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/bloomwatch-service/internal/domain"
)

// AuditLog is an Observer that writes one structured log line per committed
// observation.
type AuditLog struct {
	logger *slog.Logger
}

// NewAuditLog creates an audit observer.
func NewAuditLog(logger *slog.Logger) *AuditLog {
	return &AuditLog{logger: logger}
}

// ObservationCommitted logs the committed record.
func (a *AuditLog) ObservationCommitted(ctx context.Context, obs domain.Observation) {
	a.logger.InfoContext(ctx, "observation committed",
		"id", obs.ID,
		"owner", obs.Owner,
		"severity", obs.Severity,
		"lat", obs.Coordinate.Latitude,
		"lon", obs.Coordinate.Longitude,
		"has_temperature", obs.Temperature != nil,
	)
}
