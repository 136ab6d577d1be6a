package main

import (
	"encoding/json"
	"fmt"
	"os"

	"contextengine/pkg/geo"
	"contextengine/pkg/model"
)

// Waypoint is one leg target of a replayed track: walk/drive toward
// (Lat, Lon) at SpeedMPS, then hold for PauseS seconds before the next leg.
type Waypoint struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	SpeedMPS float64 `json:"speed_mps"`
	PauseS   float64 `json:"pause_s"`
}

func loadTrack(path string) ([]Waypoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading track file: %w", err)
	}
	var wps []Waypoint
	if err := json.Unmarshal(data, &wps); err != nil {
		return nil, fmt.Errorf("parsing track file: %w", err)
	}
	if len(wps) < 2 {
		return nil, fmt.Errorf("track needs at least two waypoints, got %d", len(wps))
	}
	return wps, nil
}

// walker advances a simulated position leg by leg, the way mocksim's
// physics loop advances a flight through its scenario steps, but over a
// straight-line ground track instead of climb/descent rates.
type walker struct {
	wps        []Waypoint
	legIdx     int
	pos        geo.Point
	pausedLeft float64 // seconds of pause remaining at the current waypoint
	accuracyM  float64
}

func newWalker(wps []Waypoint, accuracyM float64) *walker {
	return &walker{
		wps:       wps,
		pos:       geo.Point{Lat: wps[0].Lat, Lon: wps[0].Lon},
		accuracyM: accuracyM,
	}
}

// done reports whether the walker has arrived at the final waypoint.
func (w *walker) done() bool {
	return w.legIdx >= len(w.wps)-1
}

// step advances the simulated position by dt and returns the Fix the
// platform's location service would have delivered for this tick.
func (w *walker) step(dt float64, now func() model.Fix) model.Fix {
	target := w.wps[w.legIdx+1]
	speed := target.SpeedMPS

	if w.pausedLeft > 0 {
		w.pausedLeft -= dt
		speed = 0
	} else {
		dest := geo.Point{Lat: target.Lat, Lon: target.Lon}
		remaining := geo.Distance(w.pos, dest)
		travel := speed * dt
		if travel >= remaining {
			w.pos = dest
			w.pausedLeft = target.PauseS
			if w.legIdx < len(w.wps)-2 {
				w.legIdx++
			} else {
				w.legIdx = len(w.wps) - 1
			}
		} else {
			bearing := geo.Bearing(w.pos, dest)
			w.pos = geo.DestinationPoint(w.pos, travel, bearing)
		}
	}

	fix := now()
	fix.Coord = model.Coord{Lat: w.pos.Lat, Lon: w.pos.Lon}
	fix.AccuracyM = w.accuracyM
	fix.SpeedMPS = &speed
	return fix
}
