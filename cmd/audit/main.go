// Command audit performs integrity checks over the observations stored in
// Postgres: per-record invariants, spatial index consistency, radius query
// self-consistency and owner history ordering.
//
// Usage:
//
//	go run ./cmd/audit -db "$DATABASE_URL"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/couchcryptid/bloomwatch-service/internal/adapter/postgres"
	"github.com/couchcryptid/bloomwatch-service/internal/domain"
	"github.com/couchcryptid/bloomwatch-service/internal/spatial"
)

// phase tracks pass/fail for an audit phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	dsn := flag.String("db", os.Getenv("DATABASE_URL"), "Postgres DSN (defaults to $DATABASE_URL)")
	samples := flag.Int("samples", 50, "records to check with radius queries")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall audit deadline")
	flag.Parse()

	if *dsn == "" {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	code := run(ctx, *dsn, *samples)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, dsn string, samples int) int {
	fmt.Println("=== Bloom Observation Integrity Audit ===")
	fmt.Println()

	store, err := postgres.Open(ctx, dsn, 4)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: open postgres: %v\n", err)
		return 1
	}
	defer store.Close()

	var records []postgres.IndexedObservation
	err = store.Each(ctx, func(r postgres.IndexedObservation) error {
		records = append(records, r)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: scan observations: %v\n", err)
		return 1
	}

	phases := []*phase{
		auditRecords(records),
		auditCellIndex(records),
		auditRadius(ctx, store, records, samples),
		auditHistory(ctx, store, records),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Records: %d\n", len(records))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll checks passed.")
		return 0
	}
	fmt.Println("\nAudit FAILED.")
	return 1
}

// auditRecords checks the invariants every committed record must satisfy.
func auditRecords(records []postgres.IndexedObservation) *phase {
	p := &phase{name: "Record invariants"}
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		o := r.Observation
		if o.ID == "" {
			p.errorf("record with empty id at %v", o.Coordinate)
			continue
		}
		if seen[o.ID] {
			p.errorf("%s: duplicate id", o.ID)
		}
		seen[o.ID] = true

		if err := o.Coordinate.Validate(); err != nil {
			p.errorf("%s: %v", o.ID, err)
		}
		if o.Severity < 0 || o.Severity > 100 {
			p.errorf("%s: severity %d outside [0, 100]", o.ID, o.Severity)
		}
		if o.Source == "" {
			p.errorf("%s: source is empty", o.ID)
		}
		if o.DetectedAt.IsZero() {
			p.errorf("%s: detectedAt is zero", o.ID)
		}
		if o.CreatedAt.IsZero() {
			p.errorf("%s: createdAt is zero", o.ID)
		}
	}
	return p
}

// auditCellIndex checks that the stored cell id matches the coordinate.
func auditCellIndex(records []postgres.IndexedObservation) *phase {
	p := &phase{name: "Spatial index consistency"}
	for _, r := range records {
		if want := spatial.CellID(r.Coordinate); r.Cell != want {
			p.errorf("%s: stored cell %v, coordinate maps to %v", r.ID, r.Cell, want)
		}
	}
	return p
}

// auditRadius checks a sample of records: each must be found by a tight radius
// query around itself, and a wider query must come back nearest first and
// within range.
func auditRadius(ctx context.Context, store domain.ObservationStore, records []postgres.IndexedObservation, samples int) *phase {
	p := &phase{name: "Radius query self-consistency"}
	if samples <= 0 || len(records) == 0 {
		return p
	}
	step := max(1, len(records)/samples)

	for i := 0; i < len(records); i += step {
		o := records[i].Observation

		near, err := store.RadiusQuery(ctx, o.Coordinate, 1, domain.MaxRadiusResults)
		if err != nil {
			p.errorf("%s: radius query: %v", o.ID, err)
			continue
		}
		if !containsID(near, o.ID) && len(near) < domain.MaxRadiusResults {
			p.errorf("%s: not returned by a 1 m query around itself", o.ID)
		}

		wide, err := store.RadiusQuery(ctx, o.Coordinate, domain.DefaultRadiusMeters, domain.MaxRadiusResults)
		if err != nil {
			p.errorf("%s: radius query: %v", o.ID, err)
			continue
		}
		prev := -1.0
		for _, w := range wide {
			d := spatial.DistanceMeters(o.Coordinate, w.Coordinate)
			if d > domain.DefaultRadiusMeters {
				p.errorf("%s: neighbour %s is %.1f m away, outside %.0f m", o.ID, w.ID, d, domain.DefaultRadiusMeters)
			}
			if d < prev {
				p.errorf("%s: neighbours not ordered nearest first at %s", o.ID, w.ID)
				break
			}
			prev = d
		}
	}
	return p
}

// auditHistory checks that each owner's history is complete and most recent first.
func auditHistory(ctx context.Context, store domain.ObservationStore, records []postgres.IndexedObservation) *phase {
	p := &phase{name: "Owner history ordering"}

	counts := map[domain.Principal]int{}
	for _, r := range records {
		counts[r.Owner]++
	}
	owners := make([]domain.Principal, 0, len(counts))
	for o := range counts {
		owners = append(owners, o)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })

	for _, owner := range owners {
		got, total, err := store.ListByOwner(ctx, owner, 0, counts[owner])
		if err != nil {
			p.errorf("%s: list: %v", owner, err)
			continue
		}
		if total != counts[owner] {
			p.errorf("%s: total %d, scanned %d", owner, total, counts[owner])
		}
		for i := 1; i < len(got); i++ {
			if got[i].DetectedAt.After(got[i-1].DetectedAt) {
				p.errorf("%s: %s detected after its predecessor %s", owner, got[i].ID, got[i-1].ID)
				break
			}
		}
	}
	return p
}

func containsID(obs []domain.Observation, id string) bool {
	for _, o := range obs {
		if o.ID == id {
			return true
		}
	}
	return false
}
