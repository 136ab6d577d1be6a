// Package model holds the data types shared across the context-inference
// engine: fixes and other sensor observations, the classification result
// types, and the engine's persisted/published state.
package model

import "time"

// Mode is the engine's output enumeration.
type Mode string

const (
	ModeInside  Mode = "inside"
	ModeOutside Mode = "outside"
	ModeVehicle Mode = "vehicle"
	ModeUnknown Mode = "unknown"
)

// ClassificationReason is attached whenever a mode collapses to unknown or a
// low-confidence state.
type ClassificationReason string

const (
	ReasonBuildingDataUnavailable ClassificationReason = "buildingDataUnavailable"
	ReasonPoorGPSAccuracy         ClassificationReason = "poorGPSAccuracy"
	ReasonInsufficientEvidence    ClassificationReason = "insufficientEvidence"
	ReasonNone                    ClassificationReason = "none"
)

// SignalSource identifies which tier produced a history entry, used to
// weight that entry's decay in the stable-mode vote.
type SignalSource string

const (
	SourceFloor          SignalSource = "floor"
	SourceAccuracy       SignalSource = "accuracyPattern"
	SourceGeofence       SignalSource = "geofence"
	SourcePressure       SignalSource = "pressureChange"
	SourcePolygon        SignalSource = "polygon"
	SourceDistanceMotion SignalSource = "distanceMotion"
	SourceFallback       SignalSource = "fallback"
	SourceManualOverride SignalSource = "manualOverride"
	SourceTunnel         SignalSource = "tunnel"
)

// Activity is the platform motion-recognition classification.
type Activity string

const (
	ActivityStationary Activity = "stationary"
	ActivityWalking    Activity = "walking"
	ActivityRunning    Activity = "running"
	ActivityCycling    Activity = "cycling"
	ActivityAutomotive Activity = "automotive"
	ActivityUnknown    Activity = "unknown"
)

// Coord is a plain geographic coordinate, kept distinct from geo.Point so
// model stays free of the geo package's orb dependency.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Fix is a single geographic observation delivered by the platform location
// service, carrying an accuracy radius and optionally a speed and a
// multi-story floor level.
type Fix struct {
	Coord      Coord     `json:"coord"`
	AccuracyM  float64   `json:"accuracy_m"`
	SpeedMPS   *float64  `json:"speed_mps,omitempty"`
	FloorLevel *int      `json:"floor_level,omitempty"`
	T          time.Time `json:"t"`
}

// MotionSample is a platform motion-activity update.
type MotionSample struct {
	SpeedMPS float64   `json:"speed_mps"`
	Activity Activity  `json:"activity"`
	T        time.Time `json:"t"`
}

// PressureSample is a barometer reading.
type PressureSample struct {
	PressureHPA       float64   `json:"pressure_hpa"`
	RelativeAltitudeM float64   `json:"relative_altitude_m"`
	T                 time.Time `json:"t"`
}

// AccuracySample records a fix's accuracy in isolation, for the
// gps-stability derived queries.
type AccuracySample struct {
	AccuracyM float64   `json:"accuracy_m"`
	Coord     Coord     `json:"coord"`
	T         time.Time `json:"t"`
}

// HistoryEntry is a past classification, retained for the stable-mode vote
// and mode-lock bookkeeping. Invariant: Mode is never ModeUnknown.
type HistoryEntry struct {
	Mode       Mode                 `json:"mode"`
	Confidence float64              `json:"confidence"`
	Coord      Coord                `json:"coord"`
	AccuracyM  *float64             `json:"accuracy_m,omitempty"`
	Source     SignalSource         `json:"source"`
	Reason     ClassificationReason `json:"reason,omitempty"`
	T          time.Time            `json:"t"`
}

// PolygonEntryRecord marks the moment a fix was found inside a footprint.
type PolygonEntryRecord struct {
	BuildingID string    `json:"building_id"`
	EnteredAt  time.Time `json:"entered_at"`
	EntryCoord Coord     `json:"entry_coord"`
}

// PolygonExitRecord marks the moment a fix left a footprint it had entered.
// The >= 10m entry-to-exit haversine rule is enforced by
// history.History.UpdatePolygonOccupancy, which keeps only the exit time
// and does not build a PolygonExitRecord.
type PolygonExitRecord struct {
	BuildingID string    `json:"building_id"`
	ExitedAt   time.Time `json:"exited_at"`
}

// DriftSample feeds the stationary-GPS-drift detector.
type DriftSample struct {
	Mode       Mode      `json:"mode"`
	Coord      Coord     `json:"coord"`
	Confidence float64   `json:"confidence"`
	T          time.Time `json:"t"`
}

// Footprint is a closed building-outline polygon as returned by the
// map-footprint service. Ring is a sequence of (lat,lon) pairs with
// Ring[0] == Ring[len-1]; geo.ClosePolygon closes it if the upstream isn't.
type Footprint struct {
	ID   string            `json:"id"`
	Ring []Coord           `json:"ring"`
	Tags map[string]string `json:"tags,omitempty"`
}

// ModeLock pins the published mode while active. At most one exists at a
// time; owned exclusively by the DetectionEngine.
type ModeLock struct {
	Mode             Mode      `json:"mode"`
	StartedAt        time.Time `json:"started_at"`
	LockedConfidence float64   `json:"locked_confidence"`
}

// ManualOverride pins the mode to inside with confidence 1.0 while active.
type ManualOverride struct {
	Active    bool          `json:"active"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Expired reports whether the override's duration has elapsed as of t.
func (m ManualOverride) Expired(t time.Time) bool {
	if !m.Active {
		return true
	}
	return t.Sub(m.StartedAt) >= m.Duration
}

// ClassificationResult is what a tier or the post-processor produces: a
// mode, a confidence, and diagnostics. NoDecision is the "pass" variant a
// tier returns when it declines to classify.
type ClassificationResult struct {
	Mode       Mode
	Confidence float64
	Reason     ClassificationReason
	Source     SignalSource
	NoDecision bool
}

// Decided is the sentinel-free way to build a deciding result.
func Decided(mode Mode, confidence float64, source SignalSource) ClassificationResult {
	return ClassificationResult{Mode: mode, Confidence: confidence, Source: source, Reason: ReasonNone}
}

// DecidedWithReason attaches a reason (used by unknown/low-confidence results).
func DecidedWithReason(mode Mode, confidence float64, source SignalSource, reason ClassificationReason) ClassificationResult {
	return ClassificationResult{Mode: mode, Confidence: confidence, Source: source, Reason: reason}
}

// NoDecisionResult is the "tier passes" return value.
func NoDecisionResult() ClassificationResult {
	return ClassificationResult{NoDecision: true}
}

// DetectionState is the engine's published output.
type DetectionState struct {
	Coord      Coord                `json:"coord"`
	Mode       Mode                 `json:"mode"`
	Confidence float64              `json:"confidence"`
	T          time.Time            `json:"t"`
	IsStale    bool                 `json:"is_stale"`
	SpeedMPS   *float64             `json:"speed_mps,omitempty"`
	AccuracyM  *float64             `json:"accuracy_m,omitempty"`
	Activity   *Activity            `json:"activity,omitempty"`
	Reason     ClassificationReason `json:"reason,omitempty"`
}

// ModeTransition is published on the transition stream for the downstream
// UV tracker (out of scope) to consume.
type ModeTransition struct {
	From           Mode         `json:"from"`
	To             Mode         `json:"to"`
	Confidence     float64      `json:"confidence"`
	Trigger        SignalSource `json:"trigger"`
	DurationInFrom *time.Duration `json:"duration_in_from,omitempty"`
	T              time.Time    `json:"t"`
}
