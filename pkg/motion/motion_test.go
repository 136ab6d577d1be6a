package motion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"contextengine/pkg/model"
)

func samplesAt(speed float64, activity model.Activity, n int, start time.Time) []model.MotionSample {
	out := make([]model.MotionSample, n)
	for i := 0; i < n; i++ {
		out[i] = model.MotionSample{SpeedMPS: speed, Activity: activity, T: start.Add(time.Duration(i) * time.Second)}
	}
	return out
}

func TestAutomotiveMajorityIsStrongVehicle(t *testing.T) {
	a := New()
	now := time.Now()
	samples := samplesAt(8, model.ActivityAutomotive, 10, now.Add(-10*time.Second))
	state := a.Update(samples, now)
	assert.GreaterOrEqual(t, state.VehicleConfidence, 0.95)
	assert.True(t, state.IsVehicle)
}

func TestCyclistRejection(t *testing.T) {
	a := New()
	now := time.Now()
	samples := samplesAt(6, model.ActivityCycling, 10, now.Add(-10*time.Second))
	state := a.Update(samples, now)
	assert.Equal(t, 0.0, state.VehicleConfidence)
	assert.False(t, state.IsVehicle)
}

func TestVehiclePersistenceThroughStop(t *testing.T) {
	a := New()
	now := time.Now()
	strong := samplesAt(8, model.ActivityAutomotive, 10, now.Add(-10*time.Second))
	a.Update(strong, now)

	stopped := samplesAt(0, model.ActivityUnknown, 5, now.Add(60*time.Second))
	state := a.Update(stopped, now.Add(65*time.Second))
	assert.GreaterOrEqual(t, state.VehicleConfidence, 0.85, "vehicle mode should persist through a brief stop")
}

func TestParkingExitClearsPersistence(t *testing.T) {
	a := New()
	now := time.Now()
	strong := samplesAt(8, model.ActivityAutomotive, 10, now.Add(-10*time.Second))
	a.Update(strong, now)

	stopped := samplesAt(0.1, model.ActivityUnknown, 5, now)
	later := now.Add(6 * time.Minute)
	state := a.Update(stopped, later)
	assert.False(t, a.isInVehicleMode)
	assert.Less(t, state.VehicleConfidence, 0.85)
}

func TestStationaryClassification(t *testing.T) {
	a := New()
	now := time.Now()
	samples := samplesAt(0.1, model.ActivityStationary, 5, now.Add(-5*time.Second))
	state := a.Update(samples, now)
	assert.True(t, state.IsStationary)
	assert.False(t, state.IsVehicle)
}
