package geo

import (
	"math"
	"testing"

	"contextengine/pkg/model"
)

func square(center model.Coord, halfSide float64) []model.Coord {
	// halfSide in degrees, tiny squares near the equator for simplicity.
	return []model.Coord{
		{Lat: center.Lat - halfSide, Lon: center.Lon - halfSide},
		{Lat: center.Lat - halfSide, Lon: center.Lon + halfSide},
		{Lat: center.Lat + halfSide, Lon: center.Lon + halfSide},
		{Lat: center.Lat + halfSide, Lon: center.Lon - halfSide},
	}
}

func TestPointInPolygon(t *testing.T) {
	f := model.Footprint{ID: "b1", Ring: square(model.Coord{Lat: 0, Lon: 0}, 0.001)}
	if !PointInPolygon(Point{Lat: 0, Lon: 0}, f) {
		t.Error("center should be inside")
	}
	if PointInPolygon(Point{Lat: 1, Lon: 1}, f) {
		t.Error("far point should be outside")
	}
}

func TestClosePolygonAutoCloses(t *testing.T) {
	open := []model.Coord{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}, {Lat: 1, Lon: 1}}
	closed := ClosePolygon(open)
	if len(closed) != 4 {
		t.Fatalf("expected auto-close to append first point, got %d points", len(closed))
	}
	if closed[0] != closed[len(closed)-1] {
		t.Error("ring must be closed")
	}
}

func TestNearestPolygonDistanceEmptySet(t *testing.T) {
	d := NearestPolygonDistance(Point{Lat: 0, Lon: 0}, nil)
	if !math.IsInf(d, 1) {
		t.Errorf("expected +Inf sentinel for empty footprint set, got %v", d)
	}
}

func TestNearestPolygonDistanceOutside(t *testing.T) {
	f := model.Footprint{ID: "b1", Ring: square(model.Coord{Lat: 0, Lon: 0}, 0.0005)}
	// ~0.0005 deg ~= 55m half-side; point 0.002 deg north is clearly outside.
	d := NearestPolygonDistance(Point{Lat: 0.002, Lon: 0}, []model.Footprint{f})
	if d <= 0 || math.IsInf(d, 1) {
		t.Errorf("expected a finite positive distance, got %v", d)
	}
}
