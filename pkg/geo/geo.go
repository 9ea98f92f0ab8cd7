// Package geo bundles the small amount of spherical geometry the coverage
// map needs: great-circle distances, geohash encoding with validation, and
// the deployment's validity region. Everything here is a pure function over
// its arguments so the scoring engine stays independently testable.
package geo

import "math"

// DistanceMeters returns the great-circle distance between two coordinates
// using the haversine formula on a spherical Earth. Good to well under a
// percent at the distances repeaters cover, which is all the evidence
// bucketing needs.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371000.0
	phi1 := lat1 * math.Pi / 180.0
	phi2 := lat2 * math.Pi / 180.0
	dPhi := (lat2 - lat1) * math.Pi / 180.0
	dLambda := (lon2 - lon1) * math.Pi / 180.0

	sinDPhi := math.Sin(dPhi / 2)
	sinDLambda := math.Sin(dLambda / 2)
	a := sinDPhi*sinDPhi + math.Cos(phi1)*math.Cos(phi2)*sinDLambda*sinDLambda
	if a < 0 {
		a = 0
	}
	if a > 1 {
		a = 1
	}
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}

// ClampLatitude keeps a latitude inside the valid range so bounding-box
// arithmetic near the poles cannot produce impossible queries.
func ClampLatitude(v float64) float64 {
	if v > 90 {
		return 90
	}
	if v < -90 {
		return -90
	}
	return v
}

// ClampLongitude keeps a longitude inside the valid range.
func ClampLongitude(v float64) float64 {
	if v > 180 {
		return 180
	}
	if v < -180 {
		return -180
	}
	return v
}

// Region describes the area a deployment cares about. Samples reported far
// outside it are almost always GPS glitches or misconfigured nodes, so the
// ingest paths filter against it. The zero MaxDistanceMeters disables the
// check entirely. The region travels as an explicit value through
// constructors rather than module-level state so tests can pick their own.
type Region struct {
	CenterLat         float64
	CenterLon         float64
	MaxDistanceMeters float64
}

// Contains reports whether the coordinate falls inside the region. Out of
// range coordinates are rejected regardless of the configured radius.
func (r Region) Contains(lat, lon float64) bool {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	if r.MaxDistanceMeters <= 0 {
		return true
	}
	return DistanceMeters(r.CenterLat, r.CenterLon, lat, lon) <= r.MaxDistanceMeters
}
