package postprocess

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"contextengine/pkg/history"
	"contextengine/pkg/model"
)

func TestGPSAccuracyPenalty(t *testing.T) {
	assert.Equal(t, 1.0, gpsAccuracyPenalty(1.0, 10))
	assert.Equal(t, 0.5, gpsAccuracyPenalty(1.0, 80))
	assert.InDelta(t, 0.75, gpsAccuracyPenalty(1.0, 60), 0.001)
}

func TestProcessCollapsesBelowContextThreshold(t *testing.T) {
	p := New(Options{})
	h := history.New(history.Options{})
	now := time.Now()
	fix := model.Fix{Coord: model.Coord{Lat: 1, Lon: 1}, AccuracyM: 10, T: now}
	h.AddAccuracy(model.AccuracySample{AccuracyM: fix.AccuracyM, Coord: fix.Coord, T: now})

	proposed := model.Decided(model.ModeOutside, 0.50, model.SourceAccuracy)
	result := p.Process(proposed, Input{Fix: fix, History: h, Now: now})

	assert.Equal(t, model.ModeUnknown, result.Mode)
	assert.Equal(t, model.ReasonInsufficientEvidence, result.Reason)
}

func TestProcessGPSCeilingForcesUnknown(t *testing.T) {
	p := New(Options{})
	h := history.New(history.Options{})
	now := time.Now()
	fix := model.Fix{Coord: model.Coord{Lat: 1, Lon: 1}, AccuracyM: 90, T: now}
	h.AddAccuracy(model.AccuracySample{AccuracyM: fix.AccuracyM, Coord: fix.Coord, T: now})

	proposed := model.Decided(model.ModeOutside, 0.95, model.SourceAccuracy)
	result := p.Process(proposed, Input{Fix: fix, History: h, Now: now})

	assert.Equal(t, model.ModeUnknown, result.Mode)
	assert.Equal(t, model.ReasonPoorGPSAccuracy, result.Reason)
}

func TestProcessDoesNotRecordUnknownToHistory(t *testing.T) {
	p := New(Options{})
	h := history.New(history.Options{})
	now := time.Now()
	fix := model.Fix{Coord: model.Coord{Lat: 1, Lon: 1}, AccuracyM: 90, T: now}
	h.AddAccuracy(model.AccuracySample{AccuracyM: fix.AccuracyM, Coord: fix.Coord, T: now})

	proposed := model.Decided(model.ModeOutside, 0.95, model.SourceAccuracy)
	p.Process(proposed, Input{Fix: fix, History: h, Now: now})

	_, ok := h.LastLocationEntry()
	assert.False(t, ok, "collapsed-to-unknown results must never be recorded")
}

func TestModeLockCreatedAndEnforced(t *testing.T) {
	p := New(Options{})
	h := history.New(history.Options{})
	now := time.Now()

	for i := 0; i < 8; i++ {
		src := model.SourceAccuracy
		if i%2 == 0 {
			src = model.SourceFloor
		}
		h.AddLocationHistory(model.HistoryEntry{
			Mode:       model.ModeInside,
			Confidence: 0.9,
			Coord:      model.Coord{Lat: 1, Lon: 1},
			Source:     src,
			T:          now.Add(time.Duration(-8+i) * 10 * time.Second),
		})
	}

	fix := model.Fix{Coord: model.Coord{Lat: 1, Lon: 1}, AccuracyM: 8, T: now}
	h.AddAccuracy(model.AccuracySample{AccuracyM: fix.AccuracyM, Coord: fix.Coord, T: now})
	proposed := model.Decided(model.ModeInside, 0.92, model.SourceFloor)
	result := p.Process(proposed, Input{Fix: fix, History: h, Now: now})

	assert.Equal(t, model.ModeInside, result.Mode)
	assert.NotNil(t, p.Lock())

	// A weak disagreement must be rejected while the lock holds.
	h.AddAccuracy(model.AccuracySample{AccuracyM: fix.AccuracyM, Coord: fix.Coord, T: now.Add(time.Second)})
	weak := model.Decided(model.ModeOutside, 0.60, model.SourceAccuracy)
	held := p.Process(weak, Input{Fix: fix, History: h, Now: now.Add(time.Second)})
	assert.Equal(t, model.ModeInside, held.Mode)

	// A strong disagreement breaks the lock.
	h.AddAccuracy(model.AccuracySample{AccuracyM: fix.AccuracyM, Coord: fix.Coord, T: now.Add(2 * time.Second)})
	strong := model.Decided(model.ModeOutside, 0.90, model.SourceAccuracy)
	broken := p.Process(strong, Input{Fix: fix, History: h, Now: now.Add(2 * time.Second)})
	assert.Equal(t, model.ModeOutside, broken.Mode)
}

func driftHistoryWithLastConfidence(now time.Time, lastConfidence float64) *history.History {
	h := history.New(history.Options{})
	// The stationary run must have begun before now to count as stationary.
	h.AddMotion(model.MotionSample{Activity: model.ActivityStationary, T: now.Add(-time.Second)})

	modes := []model.Mode{
		model.ModeOutside, model.ModeInside, model.ModeOutside,
		model.ModeInside, model.ModeOutside, model.ModeOutside,
	}
	confidences := []float64{0.80, 0.80, 0.80, 0.80, 0.80, lastConfidence}
	for i, m := range modes {
		h.AddDrift(model.DriftSample{
			Mode:       m,
			Coord:      model.Coord{Lat: float64(i) * 0.0002, Lon: 0},
			Confidence: confidences[i],
			T:          now.Add(time.Duration(-5+i) * 10 * time.Second),
		})
	}
	return h
}

func TestDetectDriftLocksToCurrentModeWhenConfident(t *testing.T) {
	p := New(Options{})
	now := time.Now()
	h := driftHistoryWithLastConfidence(now, 0.85)

	mode, confidence, triggered := p.detectDrift(Input{History: h, Now: now})

	assert.True(t, triggered)
	assert.Equal(t, model.ModeOutside, mode, "the oscillation's final sample is Outside")
	assert.Equal(t, 0.85, confidence, "a confident current mode should carry its own confidence into the lock, not a flattened constant")
}

func TestDetectDriftFallsBackToMostFrequentModeWhenCurrentIsWeak(t *testing.T) {
	p := New(Options{})
	now := time.Now()
	h := driftHistoryWithLastConfidence(now, 0.50)

	mode, confidence, triggered := p.detectDrift(Input{History: h, Now: now})

	assert.True(t, triggered)
	assert.Equal(t, model.ModeOutside, mode, "Outside is the most-frequent mode across the oscillation")
	assert.Equal(t, 0.60, confidence, "falling back to the most-frequent mode locks at the spec's fixed 0.60")
}

func TestDetectDriftDoesNotTriggerWithoutOscillation(t *testing.T) {
	p := New(Options{})
	now := time.Now()
	h := history.New(history.Options{})
	h.AddMotion(model.MotionSample{Activity: model.ActivityStationary, T: now.Add(-time.Second)})
	for i := 0; i < 6; i++ {
		h.AddDrift(model.DriftSample{
			Mode:       model.ModeOutside,
			Coord:      model.Coord{Lat: float64(i) * 0.0002, Lon: 0},
			Confidence: 0.80,
			T:          now.Add(time.Duration(-5+i) * 10 * time.Second),
		})
	}

	_, _, triggered := p.detectDrift(Input{History: h, Now: now})

	assert.False(t, triggered, "a stable (non-oscillating) mode run must never trigger drift")
}

func TestProcessClampsColdStartCollapseConfidence(t *testing.T) {
	p := New(Options{})
	h := history.New(history.Options{})
	now := time.Now()
	for i := 0; i <= 40; i++ {
		h.AddMotion(model.MotionSample{Activity: model.ActivityWalking, T: now.Add(time.Duration(-40+i) * time.Second)})
	}
	fix := model.Fix{Coord: model.Coord{Lat: 1, Lon: 1}, AccuracyM: 10, T: now}
	h.AddAccuracy(model.AccuracySample{AccuracyM: fix.AccuracyM, Coord: fix.Coord, T: now})

	// Sustained walking drops the context threshold to 0.55; a proposal at
	// 0.65 clears it, but the empty-history cold-start guard (no footprints
	// within 100m) still collapses it to Unknown.
	proposed := model.Decided(model.ModeOutside, 0.65, model.SourceAccuracy)
	result := p.Process(proposed, Input{Fix: fix, History: h, Now: now})

	assert.Equal(t, model.ModeUnknown, result.Mode)
	assert.LessOrEqual(t, result.Confidence, 0.50, "an Unknown result must never carry a confidence above contextThreshold-0.05")
}

func TestModeLockExpiresAfterTenMinutes(t *testing.T) {
	p := New(Options{})
	now := time.Now()
	p.SetLock(&model.ModeLock{Mode: model.ModeInside, StartedAt: now.Add(-11 * time.Minute), LockedConfidence: 0.9})

	h := history.New(history.Options{})
	fix := model.Fix{Coord: model.Coord{Lat: 1, Lon: 1}, AccuracyM: 8, T: now}
	proposed := model.Decided(model.ModeOutside, 0.70, model.SourceAccuracy)
	result := p.Process(proposed, Input{Fix: fix, History: h, Now: now})

	assert.Nil(t, p.Lock(), "a lock older than 10 minutes must expire")
	_ = result
}
