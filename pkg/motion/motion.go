// Package motion implements MotionAnalyzer (C4): folding recent motion
// samples into a MotionState, including vehicle-mode persistence and
// cyclist rejection.
package motion

import (
	"math"
	"time"

	"contextengine/pkg/model"
)

const (
	stationarySpeed = 0.8
	walkingMin      = 0.5
	walkingMax      = 2.0
	runningMin      = 2.0
	runningMax      = 5.0
	vehicleDefault  = 5.0

	vehiclePersistenceWindow = 300 * time.Second
	vehicleDecayDivisor      = 600.0 // seconds
)

// MotionState is the analyzer's fold of recent motion samples.
type MotionState struct {
	IsStationary      bool
	IsWalking         bool
	IsRunning         bool
	IsVehicle         bool
	JustStartedMoving bool
	Activity          *model.Activity
	AvgSpeed          float64
	VehicleConfidence float64
}

// Analyzer owns the vehicle-mode persistence state across calls; it must be
// invoked from the engine's single serialising context.
type Analyzer struct {
	lastVehicleDetection time.Time
	isInVehicleMode      bool
	lastStrongConfidence float64
}

// New creates an empty Analyzer.
func New() *Analyzer {
	return &Analyzer{}
}

// Update folds the last 60s of motion samples (already filtered by the
// caller, typically history.RecentMotion(now, 60*time.Second)) into a
// MotionState.
func (a *Analyzer) Update(samples []model.MotionSample, now time.Time) MotionState {
	if len(samples) == 0 {
		return MotionState{IsStationary: true}
	}

	avg, peak, stdev := speedStats(samples)
	automotiveCount := 0
	cyclingPresent := false
	for _, s := range samples {
		if s.Activity == model.ActivityAutomotive {
			automotiveCount++
		}
		if s.Activity == model.ActivityCycling {
			cyclingPresent = true
		}
	}
	automotiveFraction := float64(automotiveCount) / float64(len(samples))
	automotivePresent := automotiveCount > 0
	latest := samples[len(samples)-1]

	state := MotionState{
		IsStationary: avg < stationarySpeed,
		IsWalking:    avg >= walkingMin && avg < walkingMax,
		IsRunning:    avg >= runningMin && avg < runningMax,
		AvgSpeed:     avg,
		Activity:     &latest.Activity,
	}
	state.JustStartedMoving = justStartedMoving(samples)

	runningSustainedFast := latest.Activity == model.ActivityRunning && avg > 4.0
	if cyclingPresent || runningSustainedFast {
		state.VehicleConfidence = 0
		state.IsVehicle = false
		a.applyPersistence(&state, now, automotivePresent)
		return state
	}

	best := 0.0
	fire := func(score float64) {
		if score > best {
			best = score
		}
	}

	if automotiveFraction >= 0.5 {
		fire(0.95)
	}
	if automotivePresent && avg > 3 {
		fire(0.90)
	}
	if automotivePresent && avg <= 3 {
		fire(0.85)
	}
	if sustainedOver(samples, 3, 22) {
		fire(0.98)
	}
	if sustainedOverWithMin(samples, 3, 11, 5) {
		fire(0.92)
	}
	if avg > 6 && peak > 8 && !(stdev < 1.5 && !automotivePresent) {
		fire(0.88)
	}
	if avg > 4 && peak > 6 && !(stdev < 1.2 && !automotivePresent) {
		fire(0.82)
	}
	if automotivePresent && avg >= 0.3 && avg < 4 && !state.IsWalking {
		fire(0.78)
	}
	if stdev > 3 && avg > 3 && peak > 8 {
		fire(0.85)
	}

	state.VehicleConfidence = best
	a.applyPersistence(&state, now, automotivePresent)
	state.IsVehicle = state.VehicleConfidence > 0.85
	return state
}

// applyPersistence implements the 300s vehicle-mode hold and parking-exit
// clearing.
func (a *Analyzer) applyPersistence(state *MotionState, now time.Time, automotivePresent bool) {
	if state.VehicleConfidence >= 0.85 {
		a.lastVehicleDetection = now
		a.isInVehicleMode = true
		a.lastStrongConfidence = state.VehicleConfidence
		return
	}

	if !a.isInVehicleMode {
		return
	}

	elapsed := now.Sub(a.lastVehicleDetection)
	if elapsed > vehiclePersistenceWindow {
		if state.AvgSpeed < 0.5 && !automotivePresent {
			a.isInVehicleMode = false
		}
		return
	}

	decayed := a.lastStrongConfidence - elapsed.Seconds()/vehicleDecayDivisor
	persisted := math.Max(0.85, decayed)
	if persisted > state.VehicleConfidence {
		state.VehicleConfidence = persisted
		state.IsVehicle = true
	}
}

func speedStats(samples []model.MotionSample) (avg, peak, stdev float64) {
	sum := 0.0
	for _, s := range samples {
		sum += s.SpeedMPS
		if s.SpeedMPS > peak {
			peak = s.SpeedMPS
		}
	}
	n := float64(len(samples))
	avg = sum / n

	var variance float64
	for _, s := range samples {
		d := s.SpeedMPS - avg
		variance += d * d
	}
	variance /= n
	stdev = math.Sqrt(variance)
	return avg, peak, stdev
}

// sustainedOver reports whether the last n samples all have speed > thresh.
func sustainedOver(samples []model.MotionSample, n int, thresh float64) bool {
	if len(samples) < n {
		return false
	}
	tail := samples[len(samples)-n:]
	for _, s := range tail {
		if s.SpeedMPS <= thresh {
			return false
		}
	}
	return true
}

// sustainedOverWithMin reports whether the last n samples all exceed avgThresh
// and the minimum among them exceeds minThresh.
func sustainedOverWithMin(samples []model.MotionSample, n int, avgThresh, minThresh float64) bool {
	if len(samples) < n {
		return false
	}
	tail := samples[len(samples)-n:]
	min := math.MaxFloat64
	for _, s := range tail {
		if s.SpeedMPS <= avgThresh {
			return false
		}
		if s.SpeedMPS < min {
			min = s.SpeedMPS
		}
	}
	return min > minThresh
}

// justStartedMoving compares the first and second half of the window: true
// when the user was stationary and is now moving.
func justStartedMoving(samples []model.MotionSample) bool {
	if len(samples) < 2 {
		return false
	}
	mid := len(samples) / 2
	firstAvg, _, _ := speedStats(samples[:mid])
	secondAvg, _, _ := speedStats(samples[mid:])
	return firstAvg < stationarySpeed && secondAvg >= stationarySpeed
}
