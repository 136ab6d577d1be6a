// Package engine implements DetectionEngine (C7): the single-threaded
// orchestrator that turns inbound platform events into one classification
// cycle per fix, running the tunnel-detection state machine, the manual
// override short-circuit, the tier pipeline, and the post-processor, then
// publishing the result. A cycle does not persist anything; durable state
// is only written through Snapshot and read back through Restore.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"contextengine/pkg/footprint"
	"contextengine/pkg/geo"
	"contextengine/pkg/history"
	"contextengine/pkg/model"
	"contextengine/pkg/motion"
	"contextengine/pkg/platform"
	"contextengine/pkg/postprocess"
	"contextengine/pkg/tier"
)

// Options configures the engine's numeric tunables. Zero fields fall back
// to WithDefaults.
type Options struct {
	StaleFixTolerance time.Duration // fixes older than this vs. the last processed one are dropped

	TunnelEnterRecentAccuracyM float64       // last 3 accuracy samples must average under this
	TunnelEnterCurrentAccuracyM float64      // current accuracy must exceed this
	TunnelEnterMinSpeed        float64       // avg speed must exceed this
	TunnelExitAccuracyM        float64       // current + last 3 accuracy must be under this
	TunnelMaxDuration          time.Duration // force-exit after this long

	GeofenceCount  int     // nearest footprints to wrap in wakeup geofences
	GeofenceRadius float64 // metres

	ImmediateUpdateWindow time.Duration // not read by the engine; see adaptObservationRate for the exit window actually applied
	TightDistanceFilterM  float64
	RelaxedDistanceFilterM float64

	BaseContextThreshold float64 // rough confidence floor fed to the tier pipeline; the post-processor refines it

	VehicleContextThreshold     float64       // post-process: confidence floor a vehicle proposal must clear
	ModeLockDuration            time.Duration // post-process: a mode-lock expires after this long
	ModeLockBreakConfidence     float64       // post-process: a contradicting result above this breaks the lock
	ModeLockCreateMinConfidence float64       // post-process: minimum confidence to arm a new lock

	History history.Options // retention budgets for ObservationHistory's buffers
}

func (o Options) WithDefaults() Options {
	if o.StaleFixTolerance == 0 {
		o.StaleFixTolerance = 10 * time.Second
	}
	if o.TunnelEnterRecentAccuracyM == 0 {
		o.TunnelEnterRecentAccuracyM = 40
	}
	if o.TunnelEnterCurrentAccuracyM == 0 {
		o.TunnelEnterCurrentAccuracyM = 100
	}
	if o.TunnelEnterMinSpeed == 0 {
		o.TunnelEnterMinSpeed = 5
	}
	if o.TunnelExitAccuracyM == 0 {
		o.TunnelExitAccuracyM = 50
	}
	if o.TunnelMaxDuration == 0 {
		o.TunnelMaxDuration = 600 * time.Second
	}
	if o.GeofenceCount == 0 {
		o.GeofenceCount = 20
	}
	if o.GeofenceRadius == 0 {
		o.GeofenceRadius = 30
	}
	if o.ImmediateUpdateWindow == 0 {
		o.ImmediateUpdateWindow = 15 * time.Second
	}
	if o.TightDistanceFilterM == 0 {
		o.TightDistanceFilterM = 10
	}
	if o.RelaxedDistanceFilterM == 0 {
		o.RelaxedDistanceFilterM = 15
	}
	if o.BaseContextThreshold == 0 {
		o.BaseContextThreshold = 0.60
	}
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
	return o
}

type tunnelPhase int

const (
	tunnelNormal tunnelPhase = iota
	tunnelInside
)

// Engine is DetectionEngine (C7). All mutating methods must be called
// from one serialising context; see the concurrency model's "Scheduling
// model" note.
type Engine struct {
	opts Options

	hist    *history.History
	motionA *motion.Analyzer
	post    *postprocess.Processor
	cache   *footprint.Cache

	commands  platform.Commands
	publisher platform.Publisher

	override model.ManualOverride

	lastState    model.DetectionState
	hasLastState bool
	lastFixTime  time.Time

	tunnel        tunnelPhase
	preTunnelMode model.Mode
	tunnelStart   time.Time

	monitoredRegions map[string]model.Footprint
}

var _ platform.Inbound = (*Engine)(nil)

// New constructs an Engine with its collaborators injected, per the design
// note that every shared service becomes an explicit dependency rather
// than a singleton.
func New(opts Options, cache *footprint.Cache, commands platform.Commands, publisher platform.Publisher) *Engine {
	opts = opts.WithDefaults()
	return &Engine{
		opts:    opts,
		hist:    history.New(opts.History),
		motionA: motion.New(),
		post: postprocess.New(postprocess.Options{
			VehicleContextThreshold:     opts.VehicleContextThreshold,
			ModeLockDuration:            opts.ModeLockDuration,
			ModeLockBreakConfidence:     opts.ModeLockBreakConfidence,
			ModeLockCreateMinConfidence: opts.ModeLockCreateMinConfidence,
		}),
		cache:            cache,
		commands:         commands,
		publisher:        publisher,
		monitoredRegions: make(map[string]model.Footprint),
	}
}

// OnFix runs one classification cycle, implementing DetectionEngine's
// state diagram. It implements platform.Inbound's OnFix: besides
// publishing, it returns the resulting state directly, so tests and the
// simulation harness can assert on it.
func (e *Engine) OnFix(ctx context.Context, fix model.Fix) (model.DetectionState, error) {
	if e.hasLastState && !e.lastFixTime.IsZero() && e.lastFixTime.Sub(fix.T) > e.opts.StaleFixTolerance {
		return e.lastState, ErrFixTooStale
	}

	e.hist.AddAccuracy(model.AccuracySample{AccuracyM: fix.AccuracyM, Coord: fix.Coord, T: fix.T})
	if fix.SpeedMPS != nil {
		// Speed without an activity flag still informs the stationary/
		// moving split MotionAnalyzer.Update relies on.
		e.hist.AddMotion(model.MotionSample{SpeedMPS: *fix.SpeedMPS, Activity: model.ActivityUnknown, T: fix.T})
	}

	motionState := e.motionA.Update(e.hist.RecentMotion(fix.T, 60*time.Second), fix.T)

	if e.updateTunnelState(fix, motionState) {
		state := e.publishTunnelState(fix)
		e.lastFixTime = fix.T
		return state, nil
	}

	if result, ok := tier.ManualOverride(tier.Input{Override: e.override, Now: fix.T}); ok {
		state := e.finalize(fix, result)
		e.lastFixTime = fix.T
		return state, nil
	}

	footprints, failed := e.fetchFootprints(ctx, fix)
	ids := geo.PointInAnyPolygon(geo.Point{Lat: fix.Coord.Lat, Lon: fix.Coord.Lon}, footprints)
	e.hist.UpdatePolygonOccupancy(ids, fix.Coord, fix.T)

	tierIn := tier.Input{
		Fix:              fix,
		History:          e.hist,
		Motion:           motionState,
		Footprints:       footprints,
		FootprintsFailed: failed,
		Now:              fix.T,
	}
	// The real threshold is computed again inside PostProcess; tiers only
	// need a rough value for Tier 5's ceiling.
	proposed := tier.Run(tierIn, e.opts.BaseContextThreshold)

	result := e.post.Process(proposed, postprocess.Input{
		Fix:           fix,
		History:       e.hist,
		Footprints:    footprints,
		Now:           fix.T,
		VehicleWasHot: e.hist.HasRecentMode(fix.T, 30*time.Second, model.ModeVehicle),
	})

	e.maintainGeofences(fix, footprints)
	e.adaptObservationRate(fix, motionState, result)

	state := e.finalize(fix, result)
	e.lastFixTime = fix.T
	return state, nil
}

func (e *Engine) fetchFootprints(ctx context.Context, fix model.Fix) ([]model.Footprint, bool) {
	if e.cache == nil {
		return nil, true
	}
	footprints, failed, err := e.cache.Fetch(ctx, fix.Coord.Lat, fix.Coord.Lon)
	if err != nil {
		slog.Warn("engine: footprint fetch error", "error", err)
		return nil, true
	}
	if !failed {
		go e.cache.PrewarmNeighbors(context.Background(), fix.Coord.Lat, fix.Coord.Lon)
	}
	return footprints, failed
}

// precedingAccuracy returns the n accuracy samples immediately before the
// current fix, i.e. excluding the sample the current fix itself just added
// to history (AddAccuracy runs ahead of the tunnel check in OnFix).
func (e *Engine) precedingAccuracy(n int) []model.AccuracySample {
	all := e.hist.LastNAccuracy(n + 1)
	if len(all) <= 1 {
		return nil
	}
	return all[:len(all)-1]
}

// updateTunnelState runs the tunnel detection FSM and reports whether the
// engine is (now) in the tunnel state, in which case OnFix must emit the
// frozen pre-tunnel mode without running the tiers.
func (e *Engine) updateTunnelState(fix model.Fix, m motion.MotionState) bool {
	switch e.tunnel {
	case tunnelNormal:
		recent := e.precedingAccuracy(3)
		if len(recent) < 3 {
			return false
		}
		avg := 0.0
		for _, s := range recent {
			avg += s.AccuracyM
		}
		avg /= float64(len(recent))

		if m.IsVehicle && avg < e.opts.TunnelEnterRecentAccuracyM &&
			fix.AccuracyM > e.opts.TunnelEnterCurrentAccuracyM && m.AvgSpeed > e.opts.TunnelEnterMinSpeed {
			e.tunnel = tunnelInside
			e.preTunnelMode = model.ModeVehicle
			e.tunnelStart = fix.T
			return true
		}
		return false

	case tunnelInside:
		recent := e.precedingAccuracy(3)
		allGood := len(recent) == 3
		for _, s := range recent {
			if s.AccuracyM >= e.opts.TunnelExitAccuracyM {
				allGood = false
			}
		}
		elapsed := fix.T.Sub(e.tunnelStart)
		if (allGood && fix.AccuracyM < e.opts.TunnelExitAccuracyM) || elapsed > e.opts.TunnelMaxDuration {
			e.tunnel = tunnelNormal
			return false
		}
		return true
	}
	return false
}

func (e *Engine) publishTunnelState(fix model.Fix) model.DetectionState {
	result := model.Decided(e.preTunnelMode, 0.95, model.SourceTunnel)
	return e.finalize(fix, result)
}

// finalize turns a final ClassificationResult into a published
// DetectionState and emits a transition if the mode changed. It publishes
// only; it does not write anything to the store.
func (e *Engine) finalize(fix model.Fix, result model.ClassificationResult) model.DetectionState {
	state := model.DetectionState{
		Coord:      fix.Coord,
		Mode:       result.Mode,
		Confidence: result.Confidence,
		T:          fix.T,
		SpeedMPS:   fix.SpeedMPS,
		AccuracyM:  &fix.AccuracyM,
		Reason:     result.Reason,
	}

	if e.hasLastState && e.lastState.Mode != state.Mode {
		var duration *time.Duration
		if !e.lastFixTime.IsZero() {
			d := fix.T.Sub(e.lastFixTime)
			duration = &d
		}
		if e.publisher != nil {
			e.publisher.PublishTransition(model.ModeTransition{
				From:           e.lastState.Mode,
				To:             state.Mode,
				Confidence:     state.Confidence,
				Trigger:        result.Source,
				DurationInFrom: duration,
				T:              fix.T,
			})
		}
	}

	if e.publisher != nil {
		e.publisher.PublishState(state)
	}
	e.lastState = state
	e.hasLastState = true
	return state
}

// LastState returns the most recently published state and whether one
// exists yet, for TTL bookkeeping and restart recovery.
func (e *Engine) LastState() (model.DetectionState, bool) {
	return e.lastState, e.hasLastState
}

// AdaptiveTTL is the cache lifetime the caller should apply to the last
// published DetectionState before treating it as stale.
func AdaptiveTTL(state model.DetectionState) time.Duration {
	if state.SpeedMPS != nil && *state.SpeedMPS > 2 {
		return 30 * time.Second
	}
	if state.SpeedMPS != nil && *state.SpeedMPS < 0.3 && state.Confidence > 0.8 {
		return 60 * time.Second
	}
	return 30 * time.Second
}

// adaptObservationRate requests a tighter or looser distance filter from
// the platform depending on motion and confidence, and asks for an
// immediate update on every cycle while history.RecentPolygonExit reports a
// polygon exit within its 90s window. Options.ImmediateUpdateWindow does
// not change that window.
func (e *Engine) adaptObservationRate(fix model.Fix, m motion.MotionState, result model.ClassificationResult) {
	if e.commands == nil {
		return
	}
	if !m.IsStationary || result.Confidence < 0.70 {
		e.commands.SetDistanceFilter(e.opts.TightDistanceFilterM)
	} else if m.IsStationary && result.Confidence >= 0.85 {
		e.commands.SetDistanceFilter(e.opts.RelaxedDistanceFilterM)
	}

	if e.hist.RecentPolygonExit(fix.T) {
		e.commands.RequestImmediateUpdate()
	}
}

// maintainGeofences keeps circular wakeup geofences around the nearest
// footprints. These only trigger reclassification; they never decide a
// mode on their own.
func (e *Engine) maintainGeofences(fix model.Fix, footprints []model.Footprint) {
	if e.commands == nil || len(footprints) == 0 {
		return
	}
	type scored struct {
		fp       model.Footprint
		distance float64
	}
	scoredList := make([]scored, 0, len(footprints))
	point := geo.Point{Lat: fix.Coord.Lat, Lon: fix.Coord.Lon}
	for _, fp := range footprints {
		scoredList = append(scoredList, scored{fp: fp, distance: geo.NearestPolygonDistance(point, []model.Footprint{fp})})
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].distance < scoredList[j].distance })
	if len(scoredList) > e.opts.GeofenceCount {
		scoredList = scoredList[:e.opts.GeofenceCount]
	}

	wanted := make(map[string]model.Footprint, len(scoredList))
	for _, s := range scoredList {
		wanted[s.fp.ID] = s.fp
	}
	for id := range e.monitoredRegions {
		if _, ok := wanted[id]; !ok {
			e.commands.StopMonitoringRegion(id)
			delete(e.monitoredRegions, id)
		}
	}
	for id, fp := range wanted {
		if _, ok := e.monitoredRegions[id]; ok {
			continue
		}
		centroid := footprintCentroid(fp)
		e.commands.StartMonitoringRegion(centroid, e.opts.GeofenceRadius, id)
		e.monitoredRegions[id] = fp
	}
}

func footprintCentroid(fp model.Footprint) model.Coord {
	if len(fp.Ring) == 0 {
		return model.Coord{}
	}
	var sumLat, sumLon float64
	for _, c := range fp.Ring {
		sumLat += c.Lat
		sumLon += c.Lon
	}
	n := float64(len(fp.Ring))
	return model.Coord{Lat: sumLat / n, Lon: sumLon / n}
}

// SetManualOverride activates or clears the manual-override record.
func (e *Engine) SetManualOverride(active bool, duration time.Duration, now time.Time) {
	e.override = model.ManualOverride{Active: active, StartedAt: now, Duration: duration}
}

// OnMotionUpdate folds a platform motion-activity sample into history.
func (e *Engine) OnMotionUpdate(sample model.MotionSample) {
	e.hist.AddMotion(sample)
}

// OnPressureSample folds a barometer reading into history. It does not add
// samples to the stationary-drift buffer.
func (e *Engine) OnPressureSample(sample model.PressureSample) {
	e.hist.AddPressure(sample)
}

// OnVisit accepts a stationary-visit hint and records nothing: visits are
// not added to history and never decide a mode.
func (e *Engine) OnVisit(model.Coord, time.Time, *time.Time) {}

// OnRegionEnter/OnRegionExit are geofence wakeups; the caller is expected
// to follow up with a fresh OnFix, since these never decide a mode by
// themselves.
func (e *Engine) OnRegionEnter(regionID string) {
	slog.Debug("engine: geofence entered", "region", regionID)
}

func (e *Engine) OnRegionExit(regionID string) {
	slog.Debug("engine: geofence exited", "region", regionID)
}

// Snapshot captures the engine's persisted state (history buffers, last
// published state, manual-override record, mode lock) for the store to
// write as a unit. The footprint cache is not part of it; pkg/footprint
// writes its own entries to the blob store.
type Snapshot struct {
	History   history.Snapshot
	LastState model.DetectionState
	HasState  bool
	Override  model.ManualOverride
	Lock      *model.ModeLock
}

// Snapshot returns the engine's persistable state.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		History:   e.hist.Snapshot(),
		LastState: e.lastState,
		HasState:  e.hasLastState,
		Override:  e.override,
		Lock:      e.post.Lock(),
	}
}

// Restore reloads persisted state. The restored LastState is marked stale,
// and it is kept as the last published state only if it is at most 5
// minutes old.
func (e *Engine) Restore(s Snapshot) {
	e.hist.Restore(s.History)
	e.lastState = s.LastState
	e.lastState.IsStale = true
	e.hasLastState = s.HasState && time.Since(s.LastState.T) <= 5*time.Minute
	e.override = s.Override
	e.post.SetLock(s.Lock)
}
