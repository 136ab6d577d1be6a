// Package tier implements TierClassifier (C5): the ordered pipeline of
// signal-specific rules that each propose a classification or pass. The
// first tier to decide wins; lower tiers never override a higher one.
package tier

import (
	"math"
	"time"

	"contextengine/pkg/geo"
	"contextengine/pkg/history"
	"contextengine/pkg/model"
	"contextengine/pkg/motion"
)

// Input bundles everything a tier needs for one cycle. The engine computes
// Footprints/FootprintsFailed once per cycle (via the footprint cache) and
// passes them to every tier so none of them perform I/O.
type Input struct {
	Fix              model.Fix
	History          *history.History
	Motion           motion.MotionState
	Footprints       []model.Footprint
	FootprintsFailed bool
	Now              time.Time
	Override         model.ManualOverride
}

func point(fix model.Fix) geo.Point {
	return geo.Point{Lat: fix.Coord.Lat, Lon: fix.Coord.Lon}
}

// outdoorAllowedHere consolidates the "polygon absolutism" predicate: an
// outdoor verdict is only permissible when not inside a polygon and at
// least 5m clear of the nearest one.
func outdoorAllowedHere(insidePolygon bool, distanceM float64) bool {
	return !insidePolygon && distanceM >= 5
}

// ManualOverride is Tier 0. The engine calls this before fetching
// footprints since it needs none; no other tier runs if it decides.
func ManualOverride(in Input) (model.ClassificationResult, bool) {
	if in.Override.Expired(in.Now) {
		return model.ClassificationResult{}, false
	}
	return model.Decided(model.ModeInside, 1.0, model.SourceManualOverride), true
}

// Floor is Tier 1.
func Floor(in Input) model.ClassificationResult {
	if in.Fix.FloorLevel != nil {
		in.History.RecordFloor(in.Now)
		return model.Decided(model.ModeInside, 0.98, model.SourceFloor)
	}
	if in.History.FloorDetectionRecent(in.Now, 30*time.Second) {
		return model.Decided(model.ModeOutside, 0.90, model.SourceFloor)
	}
	if in.History.FloorDetectionRecent(in.Now, 60*time.Second) {
		return model.Decided(model.ModeOutside, 0.75, model.SourceFloor)
	}
	return model.NoDecisionResult()
}

// AccuracyPattern is Tier 2.
func AccuracyPattern(in Input) model.ClassificationResult {
	if in.History.AccuracySampleCount() < 5 {
		return model.NoDecisionResult()
	}
	samples := in.History.LastNAccuracy(10)
	avg, stdev := accuracyStats(samples)

	insidePolygon := in.History.InsideAnyPolygon()
	if insidePolygon {
		return model.NoDecisionResult()
	}

	if r := underground(in); !r.NoDecision {
		return r
	}
	if r := transitional(in, samples); !r.NoDecision {
		return r
	}

	switch {
	case avg > 35 && stdev > 15:
		return model.Decided(model.ModeInside, 0.85, model.SourceAccuracy)

	case avg < 12 && stdev < 4:
		if r, handled := nearWindowRefinement(in); handled {
			return r
		}
		return model.Decided(model.ModeOutside, 0.85, model.SourceAccuracy)

	case avg >= 15 && avg <= 28 && stdev >= 6 && stdev <= 15:
		switch {
		case in.Motion.IsStationary:
			return model.Decided(model.ModeInside, 0.70, model.SourceAccuracy)
		case (in.Motion.IsWalking || in.Motion.IsRunning) && stdev > 10:
			return model.Decided(model.ModeOutside, 0.65, model.SourceAccuracy)
		case (in.Motion.IsWalking || in.Motion.IsRunning) && stdev <= 10:
			return model.Decided(model.ModeInside, 0.65, model.SourceAccuracy)
		}

	case avg >= 20 && avg <= 40 && stdev >= 10 && stdev <= 25:
		switch {
		case in.Motion.IsWalking || in.Motion.IsRunning:
			return model.Decided(model.ModeOutside, 0.80, model.SourceAccuracy)
		case in.Motion.IsVehicle:
			return model.Decided(model.ModeVehicle, 0.75, model.SourceAccuracy)
		case in.Motion.IsStationary:
			return model.NoDecisionResult()
		}

	case avg >= 12 && avg <= 20 && stdev >= 4 && stdev <= 10:
		if in.Motion.IsWalking || in.Motion.IsRunning {
			return model.Decided(model.ModeOutside, 0.85, model.SourceAccuracy)
		}
		if in.Motion.IsStationary {
			return model.Decided(model.ModeOutside, 0.75, model.SourceAccuracy)
		}
	}

	return model.NoDecisionResult()
}

// nearWindowRefinement applies only to the "definitive outdoor" pattern
// while stationary > 120s.
func nearWindowRefinement(in Input) (model.ClassificationResult, bool) {
	if !in.Motion.IsStationary {
		return model.ClassificationResult{}, false
	}
	d := in.History.ConsecutiveActivityDuration(in.Now, model.ActivityStationary)
	if d <= 120*time.Second {
		return model.ClassificationResult{}, false
	}
	if in.History.InsideAnyPolygon() {
		return model.Decided(model.ModeInside, 0.90, model.SourceAccuracy), true
	}
	distance := geo.NearestPolygonDistance(point(in.Fix), in.Footprints)
	if distance < 5 {
		return model.Decided(model.ModeInside, 0.85, model.SourceAccuracy), true
	}
	if distance >= 5 && distance <= 15 && d > 300*time.Second && in.History.InsideAnyPolygon() {
		return model.Decided(model.ModeInside, 0.80, model.SourceAccuracy), true
	}
	return model.ClassificationResult{}, false
}

// underground handles the barometer-baseline underground case.
func underground(in Input) model.ClassificationResult {
	pressureSamples := in.History.PressureSamplesSince(in.Now.Add(-30 * time.Second))
	if len(pressureSamples) == 0 {
		return model.NoDecisionResult()
	}
	latest := pressureSamples[len(pressureSamples)-1]
	if latest.RelativeAltitudeM >= -2.0 {
		return model.NoDecisionResult()
	}
	excellent, _, _ := in.History.SustainedExcellentGPS(in.Now)
	insidePolygon := in.History.InsideAnyPolygon()
	if !excellent {
		return model.NoDecisionResult()
	}
	if insidePolygon {
		return model.NoDecisionResult()
	}
	if in.Fix.AccuracyM < 10 {
		// Excellent GPS and clear of any polygon: the user likely
		// descended a hill, not a basement. Let outdoor stand.
		return model.NoDecisionResult()
	}
	return model.Decided(model.ModeInside, 0.90, model.SourceAccuracy)
}

// transitional compares the first half vs second half of the last 10
// accuracy samples while walking.
func transitional(in Input, samples []model.AccuracySample) model.ClassificationResult {
	if !in.Motion.IsWalking || len(samples) < 4 {
		return model.NoDecisionResult()
	}
	mid := len(samples) / 2
	firstAvg, _ := accuracyStats(samples[:mid])
	secondAvg, _ := accuracyStats(samples[mid:])
	delta := secondAvg - firstAvg
	switch {
	case delta <= -10:
		return model.DecidedWithReason(model.ModeOutside, 0.70, model.SourceAccuracy, model.ReasonNone)
	case delta >= 10:
		return model.DecidedWithReason(model.ModeInside, 0.70, model.SourceAccuracy, model.ReasonNone)
	}
	return model.NoDecisionResult()
}

func accuracyStats(samples []model.AccuracySample) (avg, stdev float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s.AccuracyM
	}
	avg = sum / float64(len(samples))
	variance := 0.0
	for _, s := range samples {
		d := s.AccuracyM - avg
		variance += d * d
	}
	variance /= float64(len(samples))
	stdev = math.Sqrt(variance)
	return avg, stdev
}

// ValidatePressure is Tier 3. It never decides on its own; PostProcessor
// calls it once a winning tier has proposed a mode, to add a confidence
// boost when pressure agrees.
func ValidatePressure(h *history.History, proposed model.Mode, now time.Time) float64 {
	if !(proposed == model.ModeOutside || proposed == model.ModeInside) {
		return 0
	}
	samples := h.PressureSamplesSince(now.Add(-10 * time.Second))
	if len(samples) < 2 {
		return 0
	}
	delta := samples[len(samples)-1].PressureHPA - samples[0].PressureHPA

	switch {
	case proposed == model.ModeOutside && delta < -2:
		return 0.10
	case proposed == model.ModeOutside && delta < -1:
		return 0.05
	case proposed == model.ModeInside && delta > 2:
		return 0.10
	case proposed == model.ModeInside && delta > 1:
		return 0.05
	}
	return 0
}

// zone buckets for the footprint tier.
const (
	zoneEdge            = 2.0
	zoneProbablyInside  = 15.0
	zoneUncertain       = 30.0
	zoneProbablyOutside = 50.0
)

// Footprint is Tier 4.
func Footprint(in Input) model.ClassificationResult {
	if in.History.InsideAnyPolygon() {
		return model.Decided(model.ModeInside, 0.98, model.SourcePolygon)
	}

	distance := geo.NearestPolygonDistance(point(in.Fix), in.Footprints)

	if distance < zoneEdge {
		return model.Decided(model.ModeInside, 0.90, model.SourcePolygon)
	}

	if distance <= zoneProbablyInside {
		return zoneProbablyInsideClassify(in, distance)
	}

	if distance <= zoneUncertain {
		switch {
		case in.Motion.IsWalking:
			return model.Decided(model.ModeOutside, 0.60, model.SourceDistanceMotion)
		case in.Motion.IsVehicle:
			return model.Decided(model.ModeVehicle, capConfidence(in.Motion.VehicleConfidence, 0.75), model.SourceDistanceMotion)
		default:
			return model.Decided(model.ModeInside, 0.70, model.SourceDistanceMotion)
		}
	}

	if distance <= zoneProbablyOutside {
		if in.Motion.IsVehicle {
			return model.Decided(model.ModeVehicle, capConfidence(in.Motion.VehicleConfidence, 0.80), model.SourceDistanceMotion)
		}
		return model.Decided(model.ModeOutside, 0.70, model.SourceDistanceMotion)
	}

	return model.Decided(model.ModeOutside, 0.90, model.SourceDistanceMotion)
}

func capConfidence(v, max float64) float64 {
	if v > max || v == 0 {
		return max
	}
	return v
}

func zoneProbablyInsideClassify(in Input, distance float64) model.ClassificationResult {
	if parallel, confidence := parallelWalking(in, distance); parallel {
		return model.Decided(model.ModeOutside, confidence, model.SourceDistanceMotion)
	}

	if in.Motion.IsStationary {
		if r, ok := stationaryOutdoorIndicators(in, distance); ok {
			return r
		}
		scaled := 0.80 + 0.10*(1-distance/zoneProbablyInside)
		return model.Decided(model.ModeInside, math.Min(scaled, 0.95), model.SourcePolygon)
	}

	// walking/running
	if in.Fix.AccuracyM > distance && distance < 15 {
		if avgMovement := averageInterSampleMovement(in); avgMovement < 3 {
			return model.Decided(model.ModeInside, 0.75, model.SourcePolygon)
		}
	}
	if in.History.RecentPolygonExit(in.Now) && (in.Motion.IsWalking || in.Motion.IsRunning) {
		return model.Decided(model.ModeOutside, 0.90, model.SourcePolygon)
	}

	ratio := 1 - distance/zoneProbablyInside
	confidence := 0.50 + ratio*0.15
	if sustained := in.History.ConsecutiveActivityDuration(in.Now, model.ActivityWalking, model.ActivityRunning); sustained > 0 {
		bonus := math.Min(0.15, sustained.Seconds()/60*0.15)
		confidence += bonus
	}
	if consistentSpeed(in) {
		confidence += 0.08
	}
	if movingAwayFromNearestBuilding(in, distance) {
		confidence += 0.10
	}
	return model.Decided(model.ModeInside, math.Min(confidence, 0.95), model.SourceDistanceMotion)
}

func stationaryOutdoorIndicators(in Input, distance float64) (model.ClassificationResult, bool) {
	if in.Fix.AccuracyM < 25 && distance >= 15 {
		return model.Decided(model.ModeOutside, 0.70, model.SourceAccuracy), true
	}
	if in.History.SustainedGoodAccuracy(in.Now) {
		return model.Decided(model.ModeOutside, 0.70, model.SourceAccuracy), true
	}
	if outdoorAllowedHere(false, distance) && in.Fix.AccuracyM < 12 {
		return model.Decided(model.ModeOutside, 0.75, model.SourceAccuracy), true
	}
	if r, handled := nearWindowRefinement(in); handled {
		return r, true
	}
	return model.ClassificationResult{}, false
}

// parallelWalking detects sidewalk-hugging motion over the last 30s.
func parallelWalking(in Input, currentDistance float64) (bool, float64) {
	if currentDistance < 5 || currentDistance > 15 {
		return false, 0
	}
	entries := in.History.LocationHistorySince(in.Now.Add(-30 * time.Second))
	if len(entries) < 3 {
		return false, 0
	}
	totalMovement := 0.0
	for i := 1; i < len(entries); i++ {
		a := geo.Point{Lat: entries[i-1].Coord.Lat, Lon: entries[i-1].Coord.Lon}
		b := geo.Point{Lat: entries[i].Coord.Lat, Lon: entries[i].Coord.Lon}
		totalMovement += geo.Distance(a, b)
	}
	if totalMovement <= 10 {
		return false, 0
	}
	_, distStdev := distanceSeriesStats(entries, in)
	if distStdev >= 8 {
		return false, 0
	}
	if trackBearingSpread(entries) >= 90 {
		// A track that swings through 90+ degrees within the window is
		// someone pacing or turning around, not walking a sidewalk
		// parallel to the building line.
		return false, 0
	}
	sustained := in.History.ConsecutiveActivityDuration(in.Now, model.ActivityWalking)
	if sustained >= 30*time.Second {
		return true, 0.85
	}
	return true, 0.75
}

// trackBearingSpread pushes the window's coordinates through a short
// rolling geo.TrackBuffer and returns how far its reported heading swings
// relative to its first reading: a walker tracking parallel to a building
// holds a near-constant bearing, someone pacing back and forth does not.
func trackBearingSpread(entries []model.HistoryEntry) float64 {
	tb := geo.NewTrackBuffer(3)
	var bearings []float64
	for _, e := range entries {
		b := tb.Push(geo.Point{Lat: e.Coord.Lat, Lon: e.Coord.Lon}, -1)
		if b >= 0 {
			bearings = append(bearings, b)
		}
	}
	if len(bearings) < 2 {
		return 0
	}
	base := bearings[0]
	minDiff, maxDiff := 0.0, 0.0
	for _, b := range bearings[1:] {
		diff := geo.NormalizeAngle(b - base)
		if diff < minDiff {
			minDiff = diff
		}
		if diff > maxDiff {
			maxDiff = diff
		}
	}
	return maxDiff - minDiff
}

func distanceSeriesStats(entries []model.HistoryEntry, in Input) (avg, stdev float64) {
	if len(entries) == 0 {
		return 0, 0
	}
	vals := make([]float64, len(entries))
	sum := 0.0
	for i, e := range entries {
		d := geo.NearestPolygonDistance(geo.Point{Lat: e.Coord.Lat, Lon: e.Coord.Lon}, in.Footprints)
		vals[i] = d
		sum += d
	}
	avg = sum / float64(len(vals))
	variance := 0.0
	for _, v := range vals {
		d := v - avg
		variance += d * d
	}
	variance /= float64(len(vals))
	stdev = math.Sqrt(variance)
	return avg, stdev
}

func averageInterSampleMovement(in Input) float64 {
	entries := in.History.LocationHistorySince(in.Now.Add(-30 * time.Second))
	if len(entries) < 2 {
		return math.Inf(1)
	}
	total := 0.0
	for i := 1; i < len(entries); i++ {
		a := geo.Point{Lat: entries[i-1].Coord.Lat, Lon: entries[i-1].Coord.Lon}
		b := geo.Point{Lat: entries[i].Coord.Lat, Lon: entries[i].Coord.Lon}
		total += geo.Distance(a, b)
	}
	return total / float64(len(entries)-1)
}

func consistentSpeed(in Input) bool {
	samples := in.History.RecentMotion(in.Now, 30*time.Second)
	if len(samples) < 3 {
		return false
	}
	sum := 0.0
	for _, s := range samples {
		sum += s.SpeedMPS
	}
	avg := sum / float64(len(samples))
	variance := 0.0
	for _, s := range samples {
		d := s.SpeedMPS - avg
		variance += d * d
	}
	variance /= float64(len(samples))
	return math.Sqrt(variance) < 0.5
}

func movingAwayFromNearestBuilding(in Input, currentDistance float64) bool {
	entries := in.History.LocationHistorySince(in.Now.Add(-30 * time.Second))
	if len(entries) < 2 {
		return false
	}
	prev := geo.NearestPolygonDistance(geo.Point{Lat: entries[0].Coord.Lat, Lon: entries[0].Coord.Lon}, in.Footprints)
	return currentDistance > prev
}

// Fallback is Tier 5, run only when no earlier tier decided.
func Fallback(in Input, contextThreshold float64) model.ClassificationResult {
	if in.FootprintsFailed && in.Fix.AccuracyM < 20 && in.Fix.SpeedMPS != nil && *in.Fix.SpeedMPS > 0.5 {
		if !in.History.HasRecentMode(in.Now, 5*time.Minute, model.ModeInside) {
			return model.DecidedWithReason(model.ModeOutside, 0.65, model.SourceFallback, model.ReasonBuildingDataUnavailable)
		}
	}
	return model.DecidedWithReason(model.ModeUnknown, contextThreshold-0.05, model.SourceFallback, model.ReasonBuildingDataUnavailable)
}

// Run executes tiers 1, 2, 4 (5 as a guaranteed-decision fallback) in
// priority order and returns the first decision. contextThreshold is
// needed only by Fallback. Manual override is handled separately by the
// engine before footprint data is even fetched.
func Run(in Input, contextThreshold float64) model.ClassificationResult {
	if r := Floor(in); !r.NoDecision {
		return r
	}
	if r := AccuracyPattern(in); !r.NoDecision {
		return r
	}
	if r := Footprint(in); !r.NoDecision {
		return r
	}
	return Fallback(in, contextThreshold)
}
