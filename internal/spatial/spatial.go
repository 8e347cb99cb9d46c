// Package spatial wraps S2 geometry for the observation stores: leaf cell ids
// for indexing, cap coverings for radius search and great-circle distance on a
// spherical Earth.
package spatial

import (
	"math"

	"github.com/couchcryptid/bloomwatch-service/internal/domain"
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the IUGG mean Earth radius.
const EarthRadiusMeters = 6371008.8

const (
	maxCoveringCells = 16
	// Widens the covering cap by a few millimetres so points sitting on the
	// boundary are never lost to floating point before the exact filter runs.
	coverPadding = s1.Angle(1e-9)
)

// LatLng converts a coordinate to an S2 LatLng.
func LatLng(c domain.Coordinate) s2.LatLng {
	return s2.LatLngFromDegrees(c.Latitude, c.Longitude)
}

// CellID returns the leaf S2 cell containing c.
func CellID(c domain.Coordinate) s2.CellID {
	return s2.CellIDFromLatLng(LatLng(c))
}

// DistanceMeters returns the great-circle distance between a and b.
func DistanceMeters(a, b domain.Coordinate) float64 {
	return LatLng(a).Distance(LatLng(b)).Radians() * EarthRadiusMeters
}

// Within reports whether p lies within radiusMeters of center.
func Within(center, p domain.Coordinate, radiusMeters float64) bool {
	return DistanceMeters(center, p) <= radiusMeters
}

// Covering returns a small set of S2 cells that together contain every point
// within radiusMeters of center. Callers scan each cell's leaf range and then
// apply the exact distance test.
func Covering(center domain.Coordinate, radiusMeters float64) s2.CellUnion {
	angle := s1.Angle(radiusMeters/EarthRadiusMeters) + coverPadding
	if angle > math.Pi {
		angle = math.Pi
	}
	region := s2.CapFromCenterAngle(s2.PointFromLatLng(LatLng(center)), angle)
	coverer := &s2.RegionCoverer{
		MinLevel: 0,
		MaxLevel: s2.MaxLevel,
		LevelMod: 1,
		MaxCells: maxCoveringCells,
	}
	return coverer.Covering(region)
}

// Destination returns the point reached by travelling meters from origin
// along the initial bearing (degrees clockwise from north).
func Destination(origin domain.Coordinate, bearingDeg, meters float64) domain.Coordinate {
	delta := meters / EarthRadiusMeters
	theta := bearingDeg * math.Pi / 180
	phi1 := origin.Latitude * math.Pi / 180
	lambda1 := origin.Longitude * math.Pi / 180

	sinPhi2 := math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta)
	phi2 := math.Asin(sinPhi2)
	lambda2 := lambda1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(phi1),
		math.Cos(delta)-math.Sin(phi1)*sinPhi2,
	)

	lon := math.Mod(lambda2*180/math.Pi+540, 360) - 180
	return domain.Coordinate{Longitude: lon, Latitude: phi2 * 180 / math.Pi}
}
