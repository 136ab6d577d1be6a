// Package postprocess implements PostProcessor (C6): the fixed-order
// confidence adjustments, gating, history recording, stable-mode voting,
// drift detection, and mode-lock management applied to a tier's proposed
// classification before it becomes the published DetectionState.
package postprocess

import (
	"math"
	"time"

	"contextengine/pkg/geo"
	"contextengine/pkg/history"
	"contextengine/pkg/model"
	"contextengine/pkg/tier"
)

// sourceQuality weights a signal source's contribution to the stable-mode
// vote's exponential age decay. Higher quality decays more slowly.
var sourceQuality = map[model.SignalSource]float64{
	model.SourceFloor:          2.0,
	model.SourcePolygon:        1.5,
	model.SourceAccuracy:       1.0,
	model.SourceGeofence:       1.0,
	model.SourceDistanceMotion: 1.0,
	model.SourcePressure:       0.8,
	model.SourceFallback:       0.7,
}

func quality(s model.SignalSource) float64 {
	if q, ok := sourceQuality[s]; ok {
		return q
	}
	return 1.0
}

// Options carries the few post-processing thresholds worth tuning per
// deployment; the rest of the pipeline's weights (source-quality decay,
// drift-oscillation counts, confidence floors) are fixed algorithm constants,
// the same split the teacher's scorer draws between ScorerConfig and the
// scoring formula itself.
type Options struct {
	VehicleContextThreshold     float64       // confidence floor a vehicle proposal must clear
	ModeLockDuration            time.Duration // a mode-lock expires after this long
	ModeLockBreakConfidence     float64       // a contradicting result above this breaks the lock
	ModeLockCreateMinConfidence float64       // minimum confidence to arm a new lock
}

func (o *Options) applyDefaults() {
	if o.VehicleContextThreshold == 0 {
		o.VehicleContextThreshold = 0.85
	}
	if o.ModeLockDuration == 0 {
		o.ModeLockDuration = 10 * time.Minute
	}
	if o.ModeLockBreakConfidence == 0 {
		o.ModeLockBreakConfidence = 0.85
	}
	if o.ModeLockCreateMinConfidence == 0 {
		o.ModeLockCreateMinConfidence = 0.75
	}
}

// Processor owns the mode-lock state across cycles; it must run inside the
// engine's single serialising context.
type Processor struct {
	opts Options
	lock *model.ModeLock
}

// New creates an empty Processor using opts (zero-value fields fall back to
// the package defaults).
func New(opts Options) *Processor {
	opts.applyDefaults()
	return &Processor{opts: opts}
}

// Lock exposes the current mode-lock, if any, for persistence.
func (p *Processor) Lock() *model.ModeLock {
	return p.lock
}

// SetLock restores a mode-lock loaded from persisted state.
func (p *Processor) SetLock(l *model.ModeLock) {
	p.lock = l
}

// Input bundles everything the post-processing pipeline needs beyond the
// tier's proposed result.
type Input struct {
	Fix           model.Fix
	History       *history.History
	Footprints    []model.Footprint
	Now           time.Time
	VehicleWasHot bool // a vehicle detection occurred within the last 30s
}

// Process runs steps 1-10 in the fixed order the spec demands and returns
// the final classification to publish.
func (p *Processor) Process(proposed model.ClassificationResult, in Input) model.ClassificationResult {
	result := proposed

	result.Confidence = gpsAccuracyPenalty(result.Confidence, in.Fix.AccuracyM)

	if boost := tier.ValidatePressure(in.History, result.Mode, in.Now); boost > 0 {
		result.Confidence = math.Min(result.Confidence+boost, 0.95)
	}

	contextThreshold := p.computeContextThreshold(result.Mode, in.History, in.Now, in.Footprints, in.Fix)
	if result.Confidence < contextThreshold {
		result = collapseToUnknown(result, contextThreshold, model.ReasonInsufficientEvidence)
	}

	if in.History.IsEmpty() {
		distance := geo.NearestPolygonDistance(geo.Point{Lat: in.Fix.Coord.Lat, Lon: in.Fix.Coord.Lon}, in.Footprints)
		if distance > 100 && result.Confidence < 0.75 {
			result = collapseToUnknown(result, contextThreshold, model.ReasonInsufficientEvidence)
		}
	}

	if in.Fix.AccuracyM >= 80 {
		result = collapseToUnknown(result, contextThreshold, model.ReasonPoorGPSAccuracy)
	}

	if in.History.NoGoodAccuracyFor(in.Now, 300*time.Second) {
		result = collapseToUnknown(result, contextThreshold, model.ReasonPoorGPSAccuracy)
	}

	if result.Mode != model.ModeUnknown {
		accuracy := in.Fix.AccuracyM
		in.History.AddLocationHistory(model.HistoryEntry{
			Mode:       result.Mode,
			Confidence: result.Confidence,
			Coord:      in.Fix.Coord,
			AccuracyM:  &accuracy,
			Source:     result.Source,
			Reason:     result.Reason,
			T:          in.Now,
		})
	}

	if stable, ok := p.stableModeVote(in); ok {
		result.Mode = stable
	}

	if driftMode, driftConfidence, triggered := p.detectDrift(in); triggered {
		p.createLock(driftMode, driftConfidence, in)
		result.Mode = driftMode
		result.Confidence = driftConfidence
	}

	result = p.applyModeLock(result, in)

	return result
}

// collapseToUnknown drops a result to ModeUnknown, capping its confidence at
// contextThreshold-0.05 so an unknown result can never carry the confidence
// of the tier proposal that was just overruled.
func collapseToUnknown(result model.ClassificationResult, contextThreshold float64, reason model.ClassificationReason) model.ClassificationResult {
	confidence := math.Min(result.Confidence, contextThreshold-0.05)
	return model.DecidedWithReason(model.ModeUnknown, confidence, result.Source, reason)
}

// gpsAccuracyPenalty multiplies confidence by a factor that is 1.0 at
// accuracy <= 40m and falls linearly to 0.5 at 80m.
func gpsAccuracyPenalty(confidence, accuracyM float64) float64 {
	if accuracyM <= 40 {
		return confidence
	}
	if accuracyM >= 80 {
		return confidence * 0.5
	}
	factor := 1.0 - 0.5*(accuracyM-40)/40
	return confidence * factor
}

func (p *Processor) computeContextThreshold(proposed model.Mode, h *history.History, now time.Time, footprints []model.Footprint, fix model.Fix) float64 {
	if proposed == model.ModeVehicle {
		return p.opts.VehicleContextThreshold
	}
	if sustainedStationaryNear(h, now, footprints, fix) {
		return 0.60
	}
	walkDuration := h.ConsecutiveActivityDuration(now, model.ActivityWalking, model.ActivityRunning)
	switch {
	case walkDuration >= 30*time.Second:
		return 0.55
	case walkDuration >= 15*time.Second:
		return 0.58
	}
	return 0.60
}

func sustainedStationaryNear(h *history.History, now time.Time, footprints []model.Footprint, fix model.Fix) bool {
	stationary := h.ConsecutiveActivityDuration(now, model.ActivityStationary) > 0
	if !stationary {
		return false
	}
	distance := geo.NearestPolygonDistance(geo.Point{Lat: fix.Coord.Lat, Lon: fix.Coord.Lon}, footprints)
	return distance <= 15
}

// stableModeVote weighs recent published modes by signal-source quality and
// sample age, and only overrides the proposed mode when a clear winner
// emerges.
func (p *Processor) stableModeVote(in Input) (model.Mode, bool) {
	stationary := in.History.ConsecutiveActivityDuration(in.Now, model.ActivityStationary) > 0
	window := 120 * time.Second
	if stationary {
		window = 60 * time.Second
	}
	entries := in.History.LocationHistoryWithMinConfidence(in.Now.Add(-window), 0.55)

	if last, ok := in.History.LastLocationEntry(); ok {
		recent := in.Now.Sub(last.T) <= 10*time.Second
		if recent && last.Mode == model.ModeInside && last.Confidence >= 0.95 {
			in.History.PurgeLowConfidenceOutdoorSince(in.Now.Add(-90*time.Second), 0.85)
			return model.ModeInside, true
		}
	}

	if len(entries) < 2 {
		if len(entries) == 1 && entries[0].Mode == model.ModeVehicle && entries[0].Confidence >= 0.85 {
			return model.ModeVehicle, true
		}
		return "", false
	}

	last2 := entries[len(entries)-2:]
	if last2[0].Mode == last2[1].Mode {
		return last2[0].Mode, true
	}

	if len(entries) < 4 {
		return "", false
	}

	scores := make(map[model.Mode]float64)
	streakMode, streakLen, _ := in.History.ConsecutiveModeStreak()
	for _, e := range entries {
		age := in.Now.Sub(e.T).Seconds()
		weight := e.Confidence * math.Exp(-age/(60*quality(e.Source)))
		scores[e.Mode] += weight
	}
	if streakLen > 0 {
		if !(streakMode == model.ModeOutside && in.VehicleWasHot) {
			scores[streakMode] += math.Min(0.04*float64(streakLen), 0.20)
		}
	}

	var winner model.Mode
	var best, runnerUp float64
	for m, s := range scores {
		if s > best {
			runnerUp = best
			best = s
			winner = m
		} else if s > runnerUp {
			runnerUp = s
		}
	}
	if runnerUp > 0 && best/runnerUp < 2.5 {
		return "", false
	}
	if best == 0 {
		return "", false
	}
	return winner, true
}

// detectDrift implements the 5-min stationary-GPS-drift detector. On
// trigger it returns the mode to lock to and the confidence that lock
// should carry: the current state's own confidence when it's the one
// winning the lock, 0.60 when falling back to the oscillation's
// most-frequent mode.
func (p *Processor) detectDrift(in Input) (model.Mode, float64, bool) {
	const fallbackConfidence = 0.60

	samples := in.History.DriftSamples()
	if len(samples) < 6 {
		return "", 0, false
	}
	stationary := in.History.ConsecutiveActivityDuration(in.Now, model.ActivityStationary) > 0
	if !stationary {
		return "", 0, false
	}
	last6 := samples[len(samples)-6:]

	oscillations := 0
	for i := 1; i < len(last6); i++ {
		if last6[i].Mode != last6[i-1].Mode {
			oscillations++
		}
	}
	if oscillations < 3 {
		return "", 0, false
	}

	totalDistance := 0.0
	for i := 1; i < len(last6); i++ {
		a := geo.Point{Lat: last6[i-1].Coord.Lat, Lon: last6[i-1].Coord.Lon}
		b := geo.Point{Lat: last6[i].Coord.Lat, Lon: last6[i].Coord.Lon}
		totalDistance += geo.Distance(a, b)
	}
	avgDistance := totalDistance / float64(len(last6)-1)
	if avgDistance <= 8 {
		return "", 0, false
	}

	if in.History.FloorDetectionRecent(in.Now, 60*time.Second) {
		return "", 0, false
	}

	current := last6[len(last6)-1]
	if current.Confidence >= 0.70 {
		return current.Mode, current.Confidence, true
	}

	counts := make(map[model.Mode]int)
	for _, s := range last6 {
		counts[s.Mode]++
	}
	var mostFrequent model.Mode
	max := 0
	for m, c := range counts {
		if c > max {
			max = c
			mostFrequent = m
		}
	}
	if mostFrequent != "" {
		return mostFrequent, fallbackConfidence, true
	}
	return model.ModeUnknown, fallbackConfidence, true
}

func (p *Processor) createLock(mode model.Mode, confidence float64, in Input) {
	p.lock = &model.ModeLock{Mode: mode, StartedAt: in.Now, LockedConfidence: confidence}
}

// applyModeLock implements create/enforce/break/expire.
func (p *Processor) applyModeLock(result model.ClassificationResult, in Input) model.ClassificationResult {
	if p.lock != nil {
		if in.Now.Sub(p.lock.StartedAt) >= p.opts.ModeLockDuration {
			p.lock = nil
		} else if result.Mode != p.lock.Mode && result.Confidence >= p.opts.ModeLockBreakConfidence {
			p.lock = nil
		} else {
			result.Mode = p.lock.Mode
			result.Confidence = p.lock.LockedConfidence
			return result
		}
	}

	if p.lock == nil && p.shouldCreateLock(result, in) {
		p.createLock(result.Mode, result.Confidence, in)
	}
	return result
}

func (p *Processor) shouldCreateLock(result model.ClassificationResult, in Input) bool {
	if result.Mode == model.ModeUnknown || result.Confidence < p.opts.ModeLockCreateMinConfidence {
		return false
	}
	recent := in.History.LocationHistorySince(in.Now.Add(-5 * time.Minute))
	if len(recent) < 8 {
		return false
	}
	sum := 0.0
	sources := make(map[model.SignalSource]bool)
	for _, e := range recent {
		if e.Mode != result.Mode {
			return false
		}
		sum += e.Confidence
		switch e.Source {
		case model.SourceFloor, model.SourceAccuracy, model.SourcePolygon, model.SourceDistanceMotion:
			sources[e.Source] = true
		}
	}
	if sum/float64(len(recent)) < 0.75 {
		return false
	}
	if len(sources) < 2 {
		return false
	}

	distance := geo.NearestPolygonDistance(geo.Point{Lat: in.Fix.Coord.Lat, Lon: in.Fix.Coord.Lon}, in.Footprints)
	if distance <= 30 {
		if !sources[model.SourceFloor] && !sources[model.SourcePolygon] {
			return false
		}
	}
	return true
}
