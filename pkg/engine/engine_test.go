package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contextengine/pkg/model"
	"contextengine/pkg/platform"
)

func speedPtr(v float64) *float64 { return &v }

func TestOutdoorWalkReachesConfidentOutsideWithinFewFixes(t *testing.T) {
	e := New(Options{}, nil, platform.NoopCommands{}, nil)
	now := time.Now()

	var last model.DetectionState
	for i := 0; i < 6; i++ {
		fix := model.Fix{
			Coord:     model.Coord{Lat: 52.0 + float64(i)*0.0001, Lon: 13.0},
			AccuracyM: 8,
			SpeedMPS:  speedPtr(1.2),
			T:         now.Add(time.Duration(i) * 2 * time.Second),
		}
		state, err := e.OnFix(context.Background(), fix)
		require.NoError(t, err)
		last = state
	}

	assert.Equal(t, model.ModeOutside, last.Mode)
	assert.GreaterOrEqual(t, last.Confidence, 0.60)
}

func TestManualOverrideForcesInside(t *testing.T) {
	e := New(Options{}, nil, platform.NoopCommands{}, nil)
	now := time.Now()
	e.SetManualOverride(true, time.Hour, now)

	fix := model.Fix{Coord: model.Coord{Lat: 1, Lon: 1}, AccuracyM: 500, T: now}
	state, err := e.OnFix(context.Background(), fix)
	require.NoError(t, err)
	assert.Equal(t, model.ModeInside, state.Mode)
	assert.Equal(t, 1.0, state.Confidence)
}

func TestStaleFixIsDropped(t *testing.T) {
	e := New(Options{}, nil, platform.NoopCommands{}, nil)
	now := time.Now()

	fix1 := model.Fix{Coord: model.Coord{Lat: 1, Lon: 1}, AccuracyM: 10, T: now}
	_, err := e.OnFix(context.Background(), fix1)
	require.NoError(t, err)

	staleFix := model.Fix{Coord: model.Coord{Lat: 1, Lon: 1}, AccuracyM: 10, T: now.Add(-20 * time.Second)}
	_, err2 := e.OnFix(context.Background(), staleFix)
	assert.ErrorIs(t, err2, ErrFixTooStale)
}

func TestTunnelStateMachine(t *testing.T) {
	e := New(Options{}, nil, platform.NoopCommands{}, nil)
	now := time.Now()

	// Warm up with good-accuracy, fast, automotive-flagged samples so the
	// vehicle motion analyzer and accuracy history are primed.
	for i := 0; i < 4; i++ {
		ts := now.Add(time.Duration(i) * time.Second)
		e.OnMotionUpdate(model.MotionSample{SpeedMPS: 20, Activity: model.ActivityAutomotive, T: ts})
		fix := model.Fix{Coord: model.Coord{Lat: 1, Lon: 1}, AccuracyM: 15, SpeedMPS: speedPtr(20), T: ts}
		_, err := e.OnFix(context.Background(), fix)
		require.NoError(t, err)
	}

	// Accuracy degrades sharply while still fast: tunnel entry.
	degraded := now.Add(5 * time.Second)
	e.OnMotionUpdate(model.MotionSample{SpeedMPS: 20, Activity: model.ActivityAutomotive, T: degraded})
	fix := model.Fix{Coord: model.Coord{Lat: 1, Lon: 1}, AccuracyM: 200, SpeedMPS: speedPtr(20), T: degraded}
	state, err := e.OnFix(context.Background(), fix)
	require.NoError(t, err)
	assert.Equal(t, model.ModeVehicle, state.Mode)
	assert.InDelta(t, 0.95, state.Confidence, 0.001)
}
