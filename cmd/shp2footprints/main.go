// Command shp2footprints converts an OSM building-footprint shapefile into
// the GeoJSON FeatureCollection shape pkg/mapservice.Client decodes, so the
// result can be served back by cmd/simfeed's mock map-footprint endpoint
// without the engine knowing its footprints didn't come from a live service.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func main() {
	inputPath := flag.String("input", "", "Path to input building-footprint .shp file")
	outputPath := flag.String("output", "", "Path to output .geojson file")
	flag.Parse()

	if *inputPath == "" || *outputPath == "" {
		flag.Usage()
		log.Fatal("input and output paths are required")
	}

	if err := run(*inputPath, *outputPath); err != nil {
		log.Fatal(err)
	}
}

func run(inputPath, outputPath string) error {
	shape, err := shp.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open shapefile: %w", err)
	}
	defer shape.Close()

	fields := shape.Fields()
	fieldNames := make([]string, len(fields))
	for i, f := range fields {
		fieldNames[i] = f.String()
	}

	fc := geojson.NewFeatureCollection()

	for shape.Next() {
		n, p := shape.Shape()

		poly, ok := p.(*shp.Polygon)
		if !ok {
			// Building footprints are polygons; a footprint source that also
			// carries road centerlines or POI points has nothing a Footprint
			// can represent, so those records are skipped rather than forced
			// into a degenerate ring.
			log.Printf("skipping non-polygon shape %T at record %d", p, n)
			continue
		}

		f := geojson.NewFeature(convertPolygon(poly))
		for i, name := range fieldNames {
			f.Properties[name] = shape.ReadAttribute(n, i)
		}
		if id, ok := f.Properties["osm_id"]; ok {
			f.ID = fmt.Sprint(id)
		} else {
			f.ID = fmt.Sprintf("shp2footprints/%d", n)
		}

		fc.Append(f)
	}

	if err := shape.Err(); err != nil {
		return fmt.Errorf("error iterating shapes: %w", err)
	}

	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal geojson: %w", err)
	}

	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}

	fmt.Printf("converted %d footprints to %s\n", len(fc.Features), outputPath)
	return nil
}

// convertPolygon treats every part of the shapefile record as a ring of a
// single polygon; interior rings (courtyards) survive the conversion but
// pkg/mapservice only reads the outer ring back out of it.
func convertPolygon(s *shp.Polygon) orb.Polygon {
	var poly orb.Polygon

	for i := 0; i < int(s.NumParts); i++ {
		start := s.Parts[i]
		end := s.NumPoints
		if i < int(s.NumParts)-1 {
			end = s.Parts[i+1]
		}

		var ring orb.Ring
		for j := start; j < end; j++ {
			ring = append(ring, orb.Point{s.Points[j].X, s.Points[j].Y})
		}
		poly = append(poly, ring)
	}
	return poly
}
