package geo_test

import (
	"testing"

	"fieldwork/internal/geo"
)

func TestDistanceZeroForSamePoint(t *testing.T) {
	p := geo.Point{Lat: 12.90, Lon: 77.59}
	if d := geo.Distance(p, p); d != 0 {
		t.Fatalf("distance(p,p) = %v, want 0", d)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := geo.Point{Lat: 12.90, Lon: 77.59}
	b := geo.Point{Lat: 12.95, Lon: 77.62}
	if geo.Distance(a, b) != geo.Distance(b, a) {
		t.Fatalf("distance not symmetric")
	}
}

func TestDistanceKnownPoints(t *testing.T) {
	issue := geo.Point{Lat: 12.90, Lon: 77.59}

	near := geo.Point{Lat: 12.9009, Lon: 77.59}
	if d := geo.Distance(issue, near); d < 95 || d > 105 {
		t.Fatalf("expected ~100m, got %v", d)
	}

	far := geo.Point{Lat: 12.905, Lon: 77.59}
	if d := geo.Distance(issue, far); d < 500 || d > 600 {
		t.Fatalf("expected ~550m, got %v", d)
	}
}

func TestIsWithinPresenceRadiusAtBoundary(t *testing.T) {
	issue := geo.Point{Lat: 12.90, Lon: 77.59}
	// ~100m north: inside once rounded to meter precision.
	if !geo.IsWithin(issue, geo.Point{Lat: 12.9009, Lon: 77.59}, geo.TaskPresenceRadiusMeters) {
		t.Fatalf("expected point ~100m away to be within presence radius")
	}
	// ~550m north: clearly outside.
	if geo.IsWithin(issue, geo.Point{Lat: 12.905, Lon: 77.59}, geo.TaskPresenceRadiusMeters) {
		t.Fatalf("expected point ~550m away to be outside presence radius")
	}
}

func TestIsWithinMonotonicInRadius(t *testing.T) {
	a := geo.Point{Lat: 12.90, Lon: 77.59}
	b := geo.Point{Lat: 12.9009, Lon: 77.59}
	radii := []float64{50, 100, 200, 500, 1000}
	prev := false
	for _, r := range radii {
		cur := geo.IsWithin(a, b, r)
		if prev && !cur {
			t.Fatalf("isWithin not monotonic: within at smaller radius but not at %v", r)
		}
		prev = cur
	}
	if !geo.IsWithin(a, b, 1000) {
		t.Fatalf("expected containment at 1km")
	}
}
