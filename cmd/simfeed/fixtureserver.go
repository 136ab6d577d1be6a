package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"contextengine/pkg/geo"
)

// fixtureServer stands in for the real building-footprint map service: it
// loads a GeoJSON FeatureCollection once (typically produced by
// cmd/shp2footprints) and, per request, returns only the features whose
// centroid falls within the requested radius — the same ?lat=&lon=&
// radius_m= contract pkg/mapservice.Client speaks to the real service.
type fixtureServer struct {
	features []*geojson.Feature
}

func loadFixtureServer(path string) (*fixtureServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading footprint fixture: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parsing footprint fixture: %w", err)
	}
	return &fixtureServer{features: fc.Features}, nil
}

func (s *fixtureServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lat, _ := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, _ := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	radius, err := strconv.ParseFloat(r.URL.Query().Get("radius_m"), 64)
	if err != nil || radius <= 0 {
		radius = 150
	}
	center := geo.Point{Lat: lat, Lon: lon}

	out := geojson.NewFeatureCollection()
	for _, f := range s.features {
		if geo.Distance(center, featureCentroid(f)) <= radius {
			out.Append(f)
		}
	}

	w.Header().Set("Content-Type", "application/geo+json")
	_ = json.NewEncoder(w).Encode(out)
}

// newFixtureHTTPServer starts the fixture server on an ephemeral local
// port and returns the running server; its URL field holds the base URL,
// ready to drop into mapservice.New.
func newFixtureHTTPServer(fs *fixtureServer) *httptest.Server {
	return httptest.NewServer(fs)
}

func featureCentroid(f *geojson.Feature) geo.Point {
	var ring orb.Ring
	switch g := f.Geometry.(type) {
	case orb.Polygon:
		if len(g) > 0 {
			ring = g[0]
		}
	case orb.MultiPolygon:
		if len(g) > 0 && len(g[0]) > 0 {
			ring = g[0][0]
		}
	case orb.Point:
		return geo.Point{Lat: g[1], Lon: g[0]}
	}
	if len(ring) == 0 {
		return geo.Point{}
	}
	var sumLat, sumLon float64
	for _, pt := range ring {
		sumLon += pt[0]
		sumLat += pt[1]
	}
	n := float64(len(ring))
	return geo.Point{Lat: sumLat / n, Lon: sumLon / n}
}
