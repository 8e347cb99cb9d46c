// Package postgres implements the observation store on PostgreSQL through
// database/sql and the pgx driver. Spatial search uses S2 leaf cell ids stored
// in a B-tree indexed BIGINT column; no PostGIS extension is required.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/couchcryptid/bloomwatch-service/internal/domain"
	"github.com/couchcryptid/bloomwatch-service/internal/spatial"
	"github.com/golang/geo/s2"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jonboulle/clockwork"
)

const selectColumns = `id, owner_id, longitude, latitude, cell_id, severity, chlorophyll, temperature, source, raw_signals, detected_at, created_at`

// Store implements domain.ObservationStore on a *sql.DB.
type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the commit time source.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// New wraps an existing database handle. The schema is not touched; call
// Migrate or use Open for that.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres store: nil db")
	}
	s := &Store{db: db, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open connects to dsn, sizes the pool and applies pending migrations.
func Open(ctx context.Context, dsn string, maxOpenConns int, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(max(1, maxOpenConns/2))
	db.SetConnMaxLifetime(30 * time.Minute)

	s, err := New(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database not reachable: %w", err)
	}
	return nil
}

// Insert validates the coordinate, assigns id and timestamps, and writes the row.
func (s *Store) Insert(ctx context.Context, obs domain.Observation) (domain.Observation, error) {
	if err := obs.Coordinate.Validate(); err != nil {
		return domain.Observation{}, err
	}

	rec := obs.Clone()
	rec.ID = uuid.NewString()
	rec.CreatedAt = s.clock.Now().UTC().Truncate(time.Microsecond)
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = rec.CreatedAt
	}
	rec.DetectedAt = rec.DetectedAt.UTC().Truncate(time.Microsecond)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO observations (`+selectColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.ID,
		string(rec.Owner),
		rec.Coordinate.Longitude,
		rec.Coordinate.Latitude,
		cellColumn(spatial.CellID(rec.Coordinate)),
		rec.Severity,
		nullFloat(rec.Chlorophyll),
		nullFloat(rec.Temperature),
		rec.Source,
		nullJSON(rec.RawSignals),
		rec.DetectedAt,
		rec.CreatedAt,
	)
	if err != nil {
		return domain.Observation{}, storageErr("insert observation", err)
	}
	return rec, nil
}

// FindByID returns the record with the given id.
func (s *Store) FindByID(ctx context.Context, id string) (domain.Observation, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.Observation{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM observations WHERE id = $1`, id)
	obs, _, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Observation{}, false, nil
	}
	if err != nil {
		return domain.Observation{}, false, storageErr("find observation", err)
	}
	return obs, true, nil
}

// RadiusQuery selects candidate rows by S2 cell range and filters them by
// exact great-circle distance, nearest first.
func (s *Store) RadiusQuery(ctx context.Context, center domain.Coordinate, radiusMeters float64, limit int) ([]domain.Observation, error) {
	if limit <= 0 || limit > domain.MaxRadiusResults {
		limit = domain.MaxRadiusResults
	}
	clause, args := cellRangeClause(spatial.Covering(center, radiusMeters))

	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM observations WHERE `+clause, args...)
	if err != nil {
		return nil, storageErr("radius query", err)
	}
	defer rows.Close()

	type hit struct {
		obs  domain.Observation
		dist float64
	}
	var hits []hit
	for rows.Next() {
		obs, _, err := scanObservation(rows)
		if err != nil {
			return nil, storageErr("scan observation", err)
		}
		if d := spatial.DistanceMeters(center, obs.Coordinate); d <= radiusMeters {
			hits = append(hits, hit{obs: obs, dist: d})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("radius query", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].obs.ID < hits[j].obs.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]domain.Observation, len(hits))
	for i, h := range hits {
		out[i] = h.obs
	}
	return out, nil
}

// ListByOwner reads the total and the requested window in one read-only
// snapshot so the two always agree.
func (s *Store) ListByOwner(ctx context.Context, owner domain.Principal, offset, limit int) ([]domain.Observation, int, error) {
	if offset < 0 {
		return nil, 0, fmt.Errorf("%w: negative offset %d", domain.ErrValidation, offset)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, 0, storageErr("begin history read", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations WHERE owner_id = $1`, string(owner)).Scan(&total); err != nil {
		return nil, 0, storageErr("count history", err)
	}

	out := []domain.Observation{}
	if offset >= total || limit <= 0 {
		return out, total, nil
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM observations
		 WHERE owner_id = $1
		 ORDER BY detected_at DESC, seq DESC
		 LIMIT $2 OFFSET $3`,
		string(owner), limit, offset)
	if err != nil {
		return nil, 0, storageErr("list history", err)
	}
	defer rows.Close()

	for rows.Next() {
		obs, _, err := scanObservation(rows)
		if err != nil {
			return nil, 0, storageErr("scan observation", err)
		}
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageErr("list history", err)
	}
	return out, total, nil
}

// IndexedObservation pairs a stored record with the cell id it was indexed under.
type IndexedObservation struct {
	domain.Observation
	Cell s2.CellID
}

// Each streams every stored record in commit order. Iteration stops at the
// first error returned by fn.
func (s *Store) Each(ctx context.Context, fn func(IndexedObservation) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM observations ORDER BY seq`)
	if err != nil {
		return storageErr("scan observations", err)
	}
	defer rows.Close()

	for rows.Next() {
		obs, cell, err := scanObservation(rows)
		if err != nil {
			return storageErr("scan observation", err)
		}
		if err := fn(IndexedObservation{Observation: obs, Cell: cell}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return storageErr("scan observations", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row rowScanner) (domain.Observation, s2.CellID, error) {
	var (
		obs         domain.Observation
		owner       string
		cell        int64
		chlorophyll sql.NullFloat64
		temperature sql.NullFloat64
		raw         []byte
	)
	err := row.Scan(
		&obs.ID,
		&owner,
		&obs.Coordinate.Longitude,
		&obs.Coordinate.Latitude,
		&cell,
		&obs.Severity,
		&chlorophyll,
		&temperature,
		&obs.Source,
		&raw,
		&obs.DetectedAt,
		&obs.CreatedAt,
	)
	if err != nil {
		return domain.Observation{}, 0, err
	}
	obs.Owner = domain.Principal(owner)
	obs.Chlorophyll = floatPtr(chlorophyll)
	obs.Temperature = floatPtr(temperature)
	if len(raw) > 0 {
		obs.RawSignals = json.RawMessage(raw)
	}
	obs.DetectedAt = obs.DetectedAt.UTC()
	obs.CreatedAt = obs.CreatedAt.UTC()
	return obs, s2.CellID(uint64(cell)), nil
}

// cellColumn bit-casts a cell id into the signed BIGINT column. All leaves of
// one face share the top three bits, so ordering within a covering cell's
// range survives the cast.
func cellColumn(id s2.CellID) int64 {
	return int64(uint64(id))
}

// cellRangeClause renders a covering as OR-ed BETWEEN predicates.
func cellRangeClause(covering s2.CellUnion) (string, []any) {
	if len(covering) == 0 {
		return "FALSE", nil
	}
	parts := make([]string, 0, len(covering))
	args := make([]any, 0, 2*len(covering))
	for i, cell := range covering {
		parts = append(parts, fmt.Sprintf("cell_id BETWEEN $%d AND $%d", 2*i+1, 2*i+2))
		args = append(args, cellColumn(cell.RangeMin()), cellColumn(cell.RangeMax()))
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// nullJSON passes the payload as BYTEA so it round-trips unchanged.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStorageUnavailable, op, err)
}
