// Package memstore is an in-process observation store backed by an S2 cell
// B-tree. It is the default backend when no database is configured and the
// reference implementation the Postgres store is tested against.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/couchcryptid/bloomwatch-service/internal/domain"
	"github.com/couchcryptid/bloomwatch-service/internal/spatial"
	"github.com/golang/geo/s2"
	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const btreeDegree = 32

// cellEntry orders the spatial index by leaf cell, then id.
type cellEntry struct {
	cell s2.CellID
	id   string
}

func lessCellEntry(a, b cellEntry) bool {
	if a.cell != b.cell {
		return a.cell < b.cell
	}
	return a.id < b.id
}

type stored struct {
	obs domain.Observation
	seq uint64
}

// Store implements domain.ObservationStore in memory. All reads see either the
// whole of an insert or none of it.
type Store struct {
	mu      sync.RWMutex
	records map[string]*stored
	index   *btree.BTreeG[cellEntry]
	owners  map[domain.Principal][]*stored // detectedAt desc, seq desc
	seq     uint64
	clock   clockwork.Clock
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

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]*stored),
		index:   btree.NewG(btreeDegree, lessCellEntry),
		owners:  make(map[domain.Principal][]*stored),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckReadiness always succeeds; the store has no external dependency.
func (s *Store) CheckReadiness(_ context.Context) error {
	return nil
}

// Len returns the number of committed records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Insert validates the coordinate, assigns id and timestamps, and indexes the record.
func (s *Store) Insert(ctx context.Context, obs domain.Observation) (domain.Observation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Observation{}, err
	}
	if err := obs.Coordinate.Validate(); err != nil {
		return domain.Observation{}, err
	}

	rec := obs.Clone()
	rec.ID = uuid.NewString()
	rec.CreatedAt = s.clock.Now().UTC()
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = rec.CreatedAt
	}
	cell := spatial.CellID(rec.Coordinate)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	st := &stored{obs: rec, seq: s.seq}
	s.records[rec.ID] = st
	s.index.ReplaceOrInsert(cellEntry{cell: cell, id: rec.ID})
	s.owners[rec.Owner] = insertByRecency(s.owners[rec.Owner], st)

	return rec.Clone(), nil
}

// FindByID returns a copy of the record with the given id.
func (s *Store) FindByID(ctx context.Context, id string) (domain.Observation, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Observation{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.records[id]
	if !ok {
		return domain.Observation{}, false, nil
	}
	return st.obs.Clone(), true, nil
}

// RadiusQuery returns records within radiusMeters of center, nearest first with
// ties broken by id, truncated to limit.
func (s *Store) RadiusQuery(ctx context.Context, center domain.Coordinate, radiusMeters float64, limit int) ([]domain.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > domain.MaxRadiusResults {
		limit = domain.MaxRadiusResults
	}
	covering := spatial.Covering(center, radiusMeters)

	type hit struct {
		obs  domain.Observation
		dist float64
	}
	var hits []hit

	s.mu.RLock()
	for _, cell := range covering {
		lo := cellEntry{cell: cell.RangeMin()}
		hi := cellEntry{cell: cell.RangeMax() + 1}
		s.index.AscendRange(lo, hi, func(e cellEntry) bool {
			st := s.records[e.id]
			if d := spatial.DistanceMeters(center, st.obs.Coordinate); d <= radiusMeters {
				hits = append(hits, hit{obs: st.obs.Clone(), dist: d})
			}
			return true
		})
	}
	s.mu.RUnlock()

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

// ListByOwner returns records owned by owner in [offset, offset+limit).
func (s *Store) ListByOwner(ctx context.Context, owner domain.Principal, offset, limit int) ([]domain.Observation, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if offset < 0 {
		return nil, 0, fmt.Errorf("%w: negative offset %d", domain.ErrValidation, offset)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.owners[owner]
	total := len(all)
	out := []domain.Observation{}
	if offset >= total || limit <= 0 {
		return out, total, nil
	}
	end := min(offset+limit, total)
	for _, st := range all[offset:end] {
		out = append(out, st.obs.Clone())
	}
	return out, total, nil
}

// insertByRecency places st into list keeping detectedAt desc, seq desc.
func insertByRecency(list []*stored, st *stored) []*stored {
	i := sort.Search(len(list), func(i int) bool {
		cur := list[i]
		if !cur.obs.DetectedAt.Equal(st.obs.DetectedAt) {
			return cur.obs.DetectedAt.Before(st.obs.DetectedAt)
		}
		return cur.seq < st.seq
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = st
	return list
}
