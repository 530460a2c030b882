// Package geo evaluates geofence containment for field-work presence
// checks. Pure computation, no I/O.
package geo

import "math"

const (
	// TaskPresenceRadiusMeters bounds how far a worker may stand from the
	// issue location for both the start check and the submit check.
	TaskPresenceRadiusMeters = 100.0

	// VotingRadiusMeters bounds which citizens are asked to verify a
	// completed task.
	VotingRadiusMeters = 500.0

	// VotingRecipientCap limits a single voting fan-out.
	VotingRecipientCap = 50

	earthRadiusMeters = 6371000.0
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64
	Lon float64
}

// Distance returns the great-circle distance between two points in meters,
// rounded to the nearest meter. GPS fixes carry meter-scale noise; sub-meter
// precision here would make the radius comparison spuriously strict.
func Distance(a, b Point) float64 {
	la1 := a.Lat * math.Pi / 180
	la2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(la1)*math.Cos(la2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return math.Round(earthRadiusMeters * c)
}

// IsWithin reports whether b lies within radiusMeters of a.
func IsWithin(a, b Point, radiusMeters float64) bool {
	return Distance(a, b) <= radiusMeters
}
