// Command seed generates synthetic bloom observations around a handful of
// hotspots, either writing them to a JSON fixture or inserting them into
// Postgres. Timestamps come from a fixed clock so fixtures are reproducible.
//
// Usage:
//
//	go run ./cmd/seed -count 200 -out data/mock/observations.json
//	go run ./cmd/seed -count 200 -db "$DATABASE_URL"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/bloomwatch-service/internal/adapter/memstore"
	"github.com/couchcryptid/bloomwatch-service/internal/adapter/postgres"
	"github.com/couchcryptid/bloomwatch-service/internal/domain"
	"github.com/couchcryptid/bloomwatch-service/internal/spatial"
	"github.com/jonboulle/clockwork"
)

var baseTime = time.Date(2025, time.August, 1, 6, 0, 0, 0, time.UTC)

// hotspot is a water body the generator scatters observations around.
type hotspot struct {
	name   string
	center domain.Coordinate
	radius float64 // meters
	meanT  float64 // typical surface temperature, °C
}

var hotspots = []hotspot{
	{"surat-coast", domain.Coordinate{Longitude: 72.83, Latitude: 21.17}, 8000, 29},
	{"lake-erie-west", domain.Coordinate{Longitude: -83.1, Latitude: 41.7}, 25000, 24},
	{"lake-taihu", domain.Coordinate{Longitude: 120.2, Latitude: 31.2}, 20000, 27},
	{"baltic-gotland", domain.Coordinate{Longitude: 18.5, Latitude: 57.4}, 40000, 17},
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	count := flag.Int("count", 100, "number of observations to generate")
	seed := flag.Uint64("seed", 42, "random seed")
	owner := flag.String("owner", "seed", "principal recorded as owner")
	out := flag.String("out", "", "output path for the JSON fixture")
	dsn := flag.String("db", "", "Postgres DSN; when set, observations are inserted there")
	flag.Parse()

	if *out == "" && *dsn == "" {
		flag.Usage()
		return fmt.Errorf("one of -out or -db is required")
	}
	if *count <= 0 {
		return fmt.Errorf("-count must be positive, got %d", *count)
	}

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(baseTime.Add(time.Hour))
	rng := rand.New(rand.NewPCG(*seed, *seed))
	obs := generate(rng, *count, domain.Principal(*owner))

	var store domain.ObservationStore
	if *dsn != "" {
		pg, err := postgres.Open(ctx, *dsn, 4, postgres.WithClock(clock))
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
	} else {
		store = memstore.New(memstore.WithClock(clock))
	}

	committed := make([]domain.Observation, 0, len(obs))
	for _, o := range obs {
		rec, err := store.Insert(ctx, o)
		if err != nil {
			return fmt.Errorf("insert observation: %w", err)
		}
		committed = append(committed, rec)
	}
	log.Printf("generated %d observations", len(committed))

	if *out != "" {
		if err := writeJSON(*out, committed); err != nil {
			return fmt.Errorf("writing fixture: %w", err)
		}
		log.Printf("wrote fixture: %s", *out)
	}

	printStats(committed)
	return nil
}

// generate scatters n observations across the hotspots. About one in ten has
// no temperature, as happens when the telemetry provider has no sample.
func generate(rng *rand.Rand, n int, owner domain.Principal) []domain.Observation {
	out := make([]domain.Observation, 0, n)
	for i := range n {
		h := hotspots[i%len(hotspots)]
		coord := spatial.Destination(h.center, rng.Float64()*360, math.Sqrt(rng.Float64())*h.radius)

		var temperature *float64
		if rng.IntN(10) != 0 {
			t := math.Round((h.meanT+rng.NormFloat64()*3)*10) / 10
			temperature = &t
		}
		p := probability(temperature)
		chlorophyll := math.Round((2+20*p)*100) / 100

		raw, _ := json.Marshal(map[string]any{
			"probability": p,
			"hotspot":     h.name,
		})
		out = append(out, domain.Observation{
			Coordinate:  coord,
			Severity:    domain.DeriveSeverity(p),
			Chlorophyll: &chlorophyll,
			Temperature: temperature,
			Source:      "synthetic",
			RawSignals:  raw,
			Owner:       owner,
			DetectedAt:  baseTime.Add(-time.Duration(i) * 15 * time.Minute),
		})
	}
	return out
}

// probability is the warm-water heuristic the demo model falls back to.
func probability(temperature *float64) float64 {
	if temperature == nil {
		return 0.1
	}
	return min(0.98, 0.05+max(0, (*temperature-15)*0.02))
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}

func printStats(obs []domain.Observation) {
	buckets := map[string]int{}
	withTemp := 0
	for _, o := range obs {
		switch {
		case o.Severity >= 75:
			buckets["high"]++
		case o.Severity >= 40:
			buckets["medium"]++
		default:
			buckets["low"]++
		}
		if o.Temperature != nil {
			withTemp++
		}
	}
	fmt.Println("\n=== Stats ===")
	fmt.Printf("Total: %d\n", len(obs))
	fmt.Printf("With temperature: %d\n", withTemp)
	fmt.Printf("By severity: low=%d, medium=%d, high=%d\n", buckets["low"], buckets["medium"], buckets["high"])
}
