// Command simfeed replays a hand-authored waypoint track through a live
// DetectionEngine, the way cmd/simtest drove phileasgo's FSM from scripted
// scenario steps, but here the "scenario" is a straight-line ground track
// and the footprint backend is a local fixture server instead of a mock
// flight transponder.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"contextengine/pkg/engine"
	"contextengine/pkg/footprint"
	"contextengine/pkg/mapservice"
	"contextengine/pkg/model"
	"contextengine/pkg/platform"
)

func main() {
	trackPath := flag.String("track", "", "Path to waypoint track JSON file")
	footprintsPath := flag.String("footprints", "", "Path to GeoJSON footprint fixture file")
	interval := flag.Duration("interval", time.Second, "Simulated tick interval")
	accuracy := flag.Float64("accuracy", 8, "Simulated GPS accuracy in meters")
	flag.Parse()

	if *trackPath == "" || *footprintsPath == "" {
		flag.Usage()
		log.Fatal("-track and -footprints are required")
	}

	if err := run(*trackPath, *footprintsPath, *interval, *accuracy); err != nil {
		log.Fatal(err)
	}
}

func run(trackPath, footprintsPath string, interval time.Duration, accuracyM float64) error {
	wps, err := loadTrack(trackPath)
	if err != nil {
		return fmt.Errorf("loading track: %w", err)
	}

	fixtures, err := loadFixtureServer(footprintsPath)
	if err != nil {
		return fmt.Errorf("loading footprint fixtures: %w", err)
	}
	httpSrv := newFixtureHTTPServer(fixtures)
	defer httpSrv.Close()

	client := mapservice.New(httpSrv.URL, "")
	cache := footprint.New(client, nil, footprint.Options{})

	publisher := platform.NewWSPublisher()
	eng := engine.New(engine.Options{}, cache, platform.NoopCommands{}, publisher)

	w := newWalker(wps, accuracyM)
	ctx := context.Background()

	tick := 0
	now := time.Now()

	for !w.done() {
		tickTime := now.Add(time.Duration(tick) * interval)
		fix := w.step(interval.Seconds(), func() model.Fix {
			return model.Fix{T: tickTime}
		})

		state, err := eng.OnFix(ctx, fix)
		if err != nil && err != engine.ErrFixTooStale {
			return fmt.Errorf("processing fix at tick %d: %w", tick, err)
		}
		printState(tick, fix, state)

		tick++
	}

	return nil
}

func printState(tick int, fix model.Fix, state model.DetectionState) {
	out, err := json.Marshal(struct {
		Tick  int                  `json:"tick"`
		Fix   model.Fix            `json:"fix"`
		State model.DetectionState `json:"state"`
	}{tick, fix, state})
	if err != nil {
		log.Printf("tick %d: marshal error: %v", tick, err)
		return
	}
	fmt.Println(string(out))
}
