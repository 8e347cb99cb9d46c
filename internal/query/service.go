// Package query serves read-only views over committed observations.
package query

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/couchcryptid/bloomwatch-service/internal/domain"
	"github.com/couchcryptid/bloomwatch-service/internal/observability"
)

// Service answers history, lookup and proximity queries.
type Service struct {
	store   domain.ObservationStore
	metrics *observability.Metrics
}

// New creates a query Service backed by store.
func New(store domain.ObservationStore, metrics *observability.Metrics) *Service {
	return &Service{store: store, metrics: metrics}
}

// List returns one page of principal's observations, most recent first.
// pageSize is clamped to domain.MaxPageSize.
func (s *Service) List(ctx context.Context, principal domain.Principal, page, pageSize int) (domain.Page, error) {
	result, err := s.list(ctx, principal, page, pageSize)
	s.record("history", err)
	return result, err
}

func (s *Service) list(ctx context.Context, principal domain.Principal, page, pageSize int) (domain.Page, error) {
	if principal == "" {
		return domain.Page{}, fmt.Errorf("%w: principal is required", domain.ErrValidation)
	}
	if page < 1 {
		return domain.Page{}, fmt.Errorf("%w: page must be >= 1, got %d", domain.ErrValidation, page)
	}
	if pageSize < 1 {
		return domain.Page{}, fmt.Errorf("%w: pageSize must be >= 1, got %d", domain.ErrValidation, pageSize)
	}
	pageSize = min(pageSize, domain.MaxPageSize)

	// A page this far out cannot hold records; ask the store for the total only.
	offset, limit := (page-1)*pageSize, pageSize
	if page-1 > (math.MaxInt-pageSize)/pageSize {
		offset, limit = 0, 0
	}
	records, total, err := s.store.ListByOwner(ctx, principal, offset, limit)
	if err != nil {
		return domain.Page{}, storageErr(err)
	}
	if records == nil {
		records = []domain.Observation{}
	}

	return domain.Page{
		Records: records,
		Pagination: domain.Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: domain.TotalPages(total, pageSize),
		},
	}, nil
}

// Get returns the observation with the given id or domain.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (domain.Observation, error) {
	obs, err := s.get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		// A miss is a normal answer, not a failed query.
		s.record("lookup", nil)
		return obs, err
	}
	s.record("lookup", err)
	return obs, err
}

func (s *Service) get(ctx context.Context, id string) (domain.Observation, error) {
	if id == "" {
		return domain.Observation{}, fmt.Errorf("%w: observation %q", domain.ErrNotFound, id)
	}
	obs, ok, err := s.store.FindByID(ctx, id)
	if err != nil {
		return domain.Observation{}, storageErr(err)
	}
	if !ok {
		return domain.Observation{}, fmt.Errorf("%w: observation %q", domain.ErrNotFound, id)
	}
	return obs, nil
}

// Nearby returns observations within radiusMeters of center, nearest first.
// A zero radius selects domain.DefaultRadiusMeters; a non-positive limit or
// one above domain.MaxRadiusResults is capped to MaxRadiusResults.
func (s *Service) Nearby(ctx context.Context, center domain.Coordinate, radiusMeters float64, limit int) ([]domain.Observation, error) {
	records, err := s.nearby(ctx, center, radiusMeters, limit)
	s.record("nearby", err)
	return records, err
}

func (s *Service) nearby(ctx context.Context, center domain.Coordinate, radiusMeters float64, limit int) ([]domain.Observation, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	if radiusMeters == 0 {
		radiusMeters = domain.DefaultRadiusMeters
	}
	if math.IsNaN(radiusMeters) || math.IsInf(radiusMeters, 0) || radiusMeters < 0 {
		return nil, fmt.Errorf("%w: radius must be a positive finite number of meters", domain.ErrValidation)
	}
	if limit <= 0 || limit > domain.MaxRadiusResults {
		limit = domain.MaxRadiusResults
	}

	records, err := s.store.RadiusQuery(ctx, center, radiusMeters, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	if records == nil {
		records = []domain.Observation{}
	}
	return records, nil
}

func (s *Service) record(kind string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.metrics.Queries.WithLabelValues(kind, outcome).Inc()
}

func storageErr(err error) error {
	if errors.Is(err, domain.ErrStorageUnavailable) || errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
}
