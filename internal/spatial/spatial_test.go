package spatial

import (
	"testing"

	"github.com/couchcryptid/bloomwatch-service/internal/domain"
	"github.com/stretchr/testify/assert"
)

var (
	london = domain.Coordinate{Longitude: -0.1278, Latitude: 51.5074}
	paris  = domain.Coordinate{Longitude: 2.3522, Latitude: 48.8566}
	erie   = domain.Coordinate{Longitude: -81.2, Latitude: 41.7}
)

func TestDistanceMeters(t *testing.T) {
	assert.InDelta(t, 343_500, DistanceMeters(london, paris), 2_000)
	assert.InDelta(t, DistanceMeters(london, paris), DistanceMeters(paris, london), 1e-6)
	assert.Zero(t, DistanceMeters(erie, erie))
}

func TestDestination_RoundTripsDistance(t *testing.T) {
	for _, bearing := range []float64{0, 45, 90, 180, 270, 333} {
		p := Destination(erie, bearing, 1234)
		assert.InDelta(t, 1234, DistanceMeters(erie, p), 1e-3, "bearing %v", bearing)
	}
}

func TestDestination_WrapsAntimeridian(t *testing.T) {
	p := Destination(domain.Coordinate{Longitude: 179.999, Latitude: 0}, 90, 5_000)
	assert.Less(t, p.Longitude, 0.0)
	assert.NoError(t, p.Validate())
}

func TestWithin_Boundary(t *testing.T) {
	const r = 1000.0
	inside := Destination(erie, 0, r-1)
	outside := Destination(erie, 0, r+1)

	assert.True(t, Within(erie, inside, r))
	assert.False(t, Within(erie, outside, r))
}

func TestCovering_ContainsNearbyCells(t *testing.T) {
	const r = 5000.0
	cov := Covering(erie, r)
	assert.NotEmpty(t, cov)
	assert.LessOrEqual(t, len(cov), 2*maxCoveringCells)

	for _, bearing := range []float64{0, 60, 120, 180, 240, 300} {
		p := Destination(erie, bearing, r-1)
		assert.True(t, cov.ContainsCellID(CellID(p)), "bearing %v", bearing)
	}
	assert.True(t, cov.ContainsCellID(CellID(erie)))
}

func TestCovering_HugeRadiusCoversSphere(t *testing.T) {
	cov := Covering(erie, 50_000_000)
	antipode := domain.Coordinate{Longitude: 98.8, Latitude: -41.7}
	assert.True(t, cov.ContainsCellID(CellID(antipode)))
}
