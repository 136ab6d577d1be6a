package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"contextengine/pkg/model"
)

// ClosePolygon returns ring with a repeated first point appended if it isn't
// already closed. The spec requires Ring[0] == Ring[len-1]; some upstream
// footprint responses omit the closing vertex.
func ClosePolygon(ring []model.Coord) []model.Coord {
	if len(ring) == 0 {
		return ring
	}
	first, last := ring[0], ring[len(ring)-1]
	if first.Lat == last.Lat && first.Lon == last.Lon {
		return ring
	}
	closed := make([]model.Coord, len(ring)+1)
	copy(closed, ring)
	closed[len(ring)] = first
	return closed
}

func toOrbRing(ring []model.Coord) orb.Ring {
	closed := ClosePolygon(ring)
	r := make(orb.Ring, len(closed))
	for i, c := range closed {
		r[i] = orb.Point{c.Lon, c.Lat} // orb uses [lon, lat]
	}
	return r
}

// PointInPolygon reports whether point lies inside footprint's outline.
// Treats the ring as planar, which the spec calls acceptable for polygons
// under ~1km.
func PointInPolygon(point Point, f model.Footprint) bool {
	poly := orb.Polygon{toOrbRing(f.Ring)}
	return planar.PolygonContains(poly, orb.Point{point.Lon, point.Lat})
}

// PointInAnyPolygon returns the IDs of every footprint containing point.
func PointInAnyPolygon(point Point, footprints []model.Footprint) []string {
	var ids []string
	for _, f := range footprints {
		if PointInPolygon(point, f) {
			ids = append(ids, f.ID)
		}
	}
	return ids
}

// NearestPolygonDistance returns the metres from point to the closest edge
// of the nearest footprint in the set. Returns math.Inf(1) when footprints
// is empty.
func NearestPolygonDistance(point Point, footprints []model.Footprint) float64 {
	if len(footprints) == 0 {
		return math.Inf(1)
	}
	min := math.Inf(1)
	for _, f := range footprints {
		d := distanceToRing(point, f.Ring)
		if d < min {
			min = d
		}
	}
	return min
}

func distanceToRing(point Point, ring []model.Coord) float64 {
	closed := ClosePolygon(ring)
	p := orb.Point{point.Lon, point.Lat}
	min := math.Inf(1)
	for i := 0; i < len(closed)-1; i++ {
		a := orb.Point{closed[i].Lon, closed[i].Lat}
		b := orb.Point{closed[i+1].Lon, closed[i+1].Lat}
		d := distanceToSegmentMeters(p, a, b)
		if d < min {
			min = d
		}
	}
	return min
}

// distanceToSegmentMeters projects p onto segment a-b and returns the
// haversine distance (in meters) from p to the closest point on the
// segment. The projection itself is done in the planar (lon,lat) space,
// same approximation country.go used for polygons under ~1km.
func distanceToSegmentMeters(p, a, b orb.Point) float64 {
	dx := b[0] - a[0]
	dy := b[1] - a[1]

	toPoint := func(o orb.Point) Point { return Point{Lat: o[1], Lon: o[0]} }

	if dx == 0 && dy == 0 {
		return Distance(toPoint(p), toPoint(a))
	}

	t := ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / (dx*dx + dy*dy)
	switch {
	case t < 0:
		return Distance(toPoint(p), toPoint(a))
	case t > 1:
		return Distance(toPoint(p), toPoint(b))
	}

	closest := orb.Point{a[0] + t*dx, a[1] + t*dy}
	return Distance(toPoint(p), toPoint(closest))
}
