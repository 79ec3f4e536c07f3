// Package geo implements the great-circle distance check gating scans at
// geofenced action points.
package geo

import "math"

const earthRadiusM = 6371000.0

// Distance returns the Haversine distance in meters between two coordinates.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// WithinRadius reports whether a reported position falls inside an action
// point's geofence. The boundary itself counts as inside.
func WithinRadius(pointLat, pointLon, deviceLat, deviceLon, radiusM float64) bool {
	return Distance(pointLat, pointLon, deviceLat, deviceLon) <= radiusM
}
