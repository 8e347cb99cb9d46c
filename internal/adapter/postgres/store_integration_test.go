package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/couchcryptid/bloomwatch-service/internal/domain"
	"github.com/couchcryptid/bloomwatch-service/internal/spatial"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore connects to PG_DSN and empties the observations table.
func openTestStore(t *testing.T, clock clockwork.Clock) *Store {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := Open(ctx, dsn, 4, WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.db.ExecContext(ctx, `TRUNCATE observations`)
	require.NoError(t, err)
	return s
}

func TestStoreIntegration_InsertFindRadius(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC))
	s := openTestStore(t, clock)
	ctx := context.Background()
	center := domain.Coordinate{Longitude: -81.2, Latitude: 41.7}

	temp := 22.1
	inside, err := s.Insert(ctx, domain.Observation{
		Coordinate:  spatial.Destination(center, 0, 999),
		Severity:    61,
		Temperature: &temp,
		Source:      domain.SourceMLPipeline,
		RawSignals:  []byte(`{"probability":0.61}`),
		Owner:       "pg-user",
	})
	require.NoError(t, err)
	_, err = s.Insert(ctx, domain.Observation{
		Coordinate: spatial.Destination(center, 0, 1001),
		Source:     domain.SourceMLPipeline,
		Owner:      "pg-user",
	})
	require.NoError(t, err)

	found, ok, err := s.FindByID(ctx, inside.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, inside.Severity, found.Severity)
	assert.Equal(t, 22.1, *found.Temperature)
	assert.Nil(t, found.Chlorophyll)
	assert.JSONEq(t, `{"probability":0.61}`, string(found.RawSignals))
	assert.Equal(t, clock.Now(), found.CreatedAt)

	_, ok, err = s.FindByID(ctx, "not-a-uuid")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.RadiusQuery(ctx, center, 1000, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, inside.ID, got[0].ID)
}

func TestStoreIntegration_ListByOwner(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	s := openTestStore(t, clock)
	ctx := context.Background()

	for i := range 25 {
		_, err := s.Insert(ctx, domain.Observation{
			Coordinate: domain.Coordinate{Longitude: 10, Latitude: 10},
			Severity:   i,
			Source:     domain.SourceMLPipeline,
			Owner:      "pg-history",
		})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	page, total, err := s.ListByOwner(ctx, "pg-history", 20, 10)
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	require.Len(t, page, 5)
	assert.Equal(t, 4, page[0].Severity)

	empty, total, err := s.ListByOwner(ctx, "pg-history", 40, 10)
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	assert.Empty(t, empty)

	var seen int
	require.NoError(t, s.Each(ctx, func(rec IndexedObservation) error {
		assert.Equal(t, spatial.CellID(rec.Coordinate), rec.Cell)
		seen++
		return nil
	}))
	assert.Equal(t, 25, seen)
}

func TestStoreIntegration_ReadinessAfterClose(t *testing.T) {
	s := openTestStore(t, clockwork.NewRealClock())
	require.NoError(t, s.CheckReadiness(context.Background()))

	require.NoError(t, s.db.Close())
	err := s.CheckReadiness(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestStoreIntegration_RawSignalsVerbatim(t *testing.T) {
	s := openTestStore(t, clockwork.NewRealClock())
	ctx := context.Background()
	raw := []byte("{ \"z\": 1,\n  \"a\": 1.50, \"a\": 2, \"note\": \"\\u0000\" }")

	rec, err := s.Insert(ctx, domain.Observation{
		Coordinate: domain.Coordinate{Longitude: 5, Latitude: 5},
		Source:     domain.SourceMLPipeline,
		RawSignals: raw,
		Owner:      "pg-raw",
	})
	require.NoError(t, err)

	found, ok, err := s.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, raw, []byte(found.RawSignals))
}

func TestStoreIntegration_HistoryTiesInInsertionOrder(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	s := openTestStore(t, clock)
	ctx := context.Background()

	// Same detectedAt and createdAt for every record.
	var ids []string
	for range 5 {
		rec, err := s.Insert(ctx, domain.Observation{
			Coordinate: domain.Coordinate{Longitude: 1, Latitude: 1},
			Source:     domain.SourceMLPipeline,
			Owner:      "pg-ties",
		})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	page, _, err := s.ListByOwner(ctx, "pg-ties", 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 5)
	for i, rec := range page {
		assert.Equal(t, ids[len(ids)-1-i], rec.ID)
	}
}

func TestStoreIntegration_NegativeOffsetRejected(t *testing.T) {
	s := openTestStore(t, clockwork.NewRealClock())
	_, _, err := s.ListByOwner(context.Background(), "pg-user", -10, 10)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
