package tier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"contextengine/pkg/history"
	"contextengine/pkg/model"
	"contextengine/pkg/motion"
)

func baseInput(now time.Time) Input {
	return Input{
		Fix:     model.Fix{Coord: model.Coord{Lat: 52.0, Lon: 13.0}, AccuracyM: 10, T: now},
		History: history.New(history.Options{}),
		Motion:  motion.MotionState{IsStationary: true},
		Now:     now,
	}
}

func TestManualOverrideWinsWhenActive(t *testing.T) {
	now := time.Now()
	in := baseInput(now)
	in.Override = model.ManualOverride{Active: true, StartedAt: now.Add(-time.Minute), Duration: time.Hour}

	r, ok := ManualOverride(in)
	assert.True(t, ok)
	assert.Equal(t, model.ModeInside, r.Mode)
	assert.Equal(t, 1.0, r.Confidence)
}

func TestManualOverrideExpiredDoesNotFire(t *testing.T) {
	now := time.Now()
	in := baseInput(now)
	in.Override = model.ManualOverride{Active: true, StartedAt: now.Add(-time.Hour), Duration: time.Minute}

	_, ok := ManualOverride(in)
	assert.False(t, ok)
}

func TestFloorTierInsideOnFloorLevel(t *testing.T) {
	now := time.Now()
	in := baseInput(now)
	floor := 3
	in.Fix.FloorLevel = &floor

	r := Floor(in)
	assert.False(t, r.NoDecision)
	assert.Equal(t, model.ModeInside, r.Mode)
	assert.Equal(t, 0.98, r.Confidence)
}

func TestFloorTierRecentFloorImpliesOutside(t *testing.T) {
	now := time.Now()
	in := baseInput(now)
	in.History.RecordFloor(now.Add(-10 * time.Second))

	r := Floor(in)
	assert.False(t, r.NoDecision)
	assert.Equal(t, model.ModeOutside, r.Mode)
	assert.Equal(t, 0.90, r.Confidence)
}

func fillAccuracy(h *history.History, now time.Time, vals []float64) {
	for i, v := range vals {
		h.AddAccuracy(model.AccuracySample{AccuracyM: v, T: now.Add(time.Duration(i) * time.Second)})
	}
}

func TestAccuracyPatternDefinitiveIndoor(t *testing.T) {
	now := time.Now()
	in := baseInput(now)
	fillAccuracy(in.History, now, []float64{20, 80, 25, 75, 22, 78, 28, 72, 24, 76})
	in.Now = now.Add(10 * time.Second)

	r := AccuracyPattern(in)
	assert.False(t, r.NoDecision)
	assert.Equal(t, model.ModeInside, r.Mode)
}

func TestAccuracyPatternVetoedWhenInsidePolygon(t *testing.T) {
	now := time.Now()
	in := baseInput(now)
	fillAccuracy(in.History, now, []float64{20, 80, 25, 75, 22, 78, 28, 72, 24, 76})
	in.Now = now.Add(10 * time.Second)
	in.History.UpdatePolygonOccupancy([]string{"b1"}, in.Fix.Coord, in.Now)

	r := AccuracyPattern(in)
	assert.True(t, r.NoDecision, "Tier-2 must not decide outdoor while inside a polygon")
}

func TestFootprintTierInsidePolygon(t *testing.T) {
	now := time.Now()
	in := baseInput(now)
	in.History.UpdatePolygonOccupancy([]string{"b1"}, in.Fix.Coord, now)

	r := Footprint(in)
	assert.Equal(t, model.ModeInside, r.Mode)
	assert.Equal(t, 0.98, r.Confidence)
	assert.Equal(t, model.SourcePolygon, r.Source)
}

func TestFootprintTierFarFromAnyBuilding(t *testing.T) {
	now := time.Now()
	in := baseInput(now)
	// No footprints at all: NearestPolygonDistance returns +Inf, well past 50m.
	r := Footprint(in)
	assert.Equal(t, model.ModeOutside, r.Mode)
	assert.Equal(t, 0.90, r.Confidence)
}

func TestFallbackOutsideWhenFootprintFetchFailed(t *testing.T) {
	now := time.Now()
	in := baseInput(now)
	speed := 1.5
	in.Fix.AccuracyM = 15
	in.Fix.SpeedMPS = &speed
	in.FootprintsFailed = true

	r := Fallback(in, 0.60)
	assert.Equal(t, model.ModeOutside, r.Mode)
	assert.Equal(t, model.ReasonBuildingDataUnavailable, r.Reason)
}

func TestFallbackUnknownWhenNoFailureSignal(t *testing.T) {
	now := time.Now()
	in := baseInput(now)

	r := Fallback(in, 0.60)
	assert.Equal(t, model.ModeUnknown, r.Mode)
	assert.InDelta(t, 0.55, r.Confidence, 0.001)
}

func TestTrackBearingSpreadIsLowOnAStraightLine(t *testing.T) {
	entries := []model.HistoryEntry{
		{Coord: model.Coord{Lat: 52.0000, Lon: 13.0000}},
		{Coord: model.Coord{Lat: 52.0001, Lon: 13.0000}},
		{Coord: model.Coord{Lat: 52.0002, Lon: 13.0000}},
		{Coord: model.Coord{Lat: 52.0003, Lon: 13.0000}},
		{Coord: model.Coord{Lat: 52.0004, Lon: 13.0000}},
	}
	assert.Less(t, trackBearingSpread(entries), 10.0, "walking due north in a straight line should report a near-zero bearing spread")
}

func TestTrackBearingSpreadIsHighWhenDoublingBack(t *testing.T) {
	entries := []model.HistoryEntry{
		{Coord: model.Coord{Lat: 52.0000, Lon: 13.0000}},
		{Coord: model.Coord{Lat: 52.0001, Lon: 13.0000}},
		{Coord: model.Coord{Lat: 52.0002, Lon: 13.0000}},
		{Coord: model.Coord{Lat: 52.0001, Lon: 13.0000}},
		{Coord: model.Coord{Lat: 52.0000, Lon: 13.0000}},
	}
	assert.GreaterOrEqual(t, trackBearingSpread(entries), 90.0, "walking north then reversing south should report a wide bearing spread")
}

func TestTrackBearingSpreadNeedsAtLeastTwoBearings(t *testing.T) {
	assert.Equal(t, 0.0, trackBearingSpread(nil))
	assert.Equal(t, 0.0, trackBearingSpread([]model.HistoryEntry{{Coord: model.Coord{Lat: 52, Lon: 13}}}))
}
