package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"contextengine/pkg/model"
)

func TestAddLocationHistoryRejectsUnknown(t *testing.T) {
	h := New(Options{})
	h.AddLocationHistory(model.HistoryEntry{Mode: model.ModeUnknown, Confidence: 0.9, T: time.Now()})
	_, ok := h.LastLocationEntry()
	assert.False(t, ok, "unknown mode must never be recorded")
}

func TestPolygonExitRejectedUnderTenMeters(t *testing.T) {
	h := New(Options{})
	now := time.Now()
	entryCoord := model.Coord{Lat: 52.0, Lon: 13.0}
	h.UpdatePolygonOccupancy([]string{"b1"}, entryCoord, now)
	assert.True(t, h.InsideAnyPolygon())

	// Move ~1m away (well under the 10m threshold) and report no longer inside.
	nearby := model.Coord{Lat: 52.0 + 0.000005, Lon: 13.0}
	h.UpdatePolygonOccupancy(nil, nearby, now.Add(time.Second))

	assert.False(t, h.InsideAnyPolygon(), "occupancy reflects the latest fix")
	assert.False(t, h.RecentPolygonExit(now.Add(time.Second)), "exit under 10m must be rejected, not recorded")
}

func TestPolygonExitAcceptedBeyondTenMeters(t *testing.T) {
	h := New(Options{})
	now := time.Now()
	entryCoord := model.Coord{Lat: 52.0, Lon: 13.0}
	h.UpdatePolygonOccupancy([]string{"b1"}, entryCoord, now)

	far := model.Coord{Lat: 52.0 + 0.0005, Lon: 13.0} // ~55m north
	h.UpdatePolygonOccupancy(nil, far, now.Add(time.Second))

	assert.True(t, h.RecentPolygonExit(now.Add(time.Second)))
}

func TestGPSStabilityRequiresTwoSamples(t *testing.T) {
	h := New(Options{})
	stable, _ := h.GPSStability(time.Now())
	assert.False(t, stable)
}

func TestSustainedExcellentGPS(t *testing.T) {
	h := New(Options{})
	now := time.Now()
	for i := 0; i < 4; i++ {
		h.AddAccuracy(model.AccuracySample{AccuracyM: 8, T: now.Add(time.Duration(i) * time.Second)})
	}
	ok, avg, _ := h.SustainedExcellentGPS(now.Add(4 * time.Second))
	assert.True(t, ok)
	assert.InDelta(t, 8, avg, 0.01)
}

func TestConsecutiveModeStreak(t *testing.T) {
	h := New(Options{})
	now := time.Now()
	h.AddLocationHistory(model.HistoryEntry{Mode: model.ModeOutside, Confidence: 0.8, T: now})
	h.AddLocationHistory(model.HistoryEntry{Mode: model.ModeOutside, Confidence: 0.9, T: now.Add(time.Second)})
	h.AddLocationHistory(model.HistoryEntry{Mode: model.ModeInside, Confidence: 0.7, T: now.Add(2 * time.Second)})

	mode, count, _ := h.ConsecutiveModeStreak()
	assert.Equal(t, model.ModeInside, mode)
	assert.Equal(t, 1, count)
}

func TestConsecutiveActivityDuration(t *testing.T) {
	h := New(Options{})
	now := time.Now()
	h.AddMotion(model.MotionSample{Activity: model.ActivityWalking, T: now.Add(-3 * time.Second)})
	h.AddMotion(model.MotionSample{Activity: model.ActivityWalking, T: now.Add(-2 * time.Second)})
	h.AddMotion(model.MotionSample{Activity: model.ActivityStationary, T: now.Add(-1 * time.Second)})

	d := h.ConsecutiveActivityDuration(now, model.ActivityWalking)
	assert.Equal(t, time.Duration(0), d, "most recent sample is stationary, so the walking run has already ended")

	d2 := h.ConsecutiveActivityDuration(now, model.ActivityStationary)
	assert.Equal(t, time.Second, d2)
}
