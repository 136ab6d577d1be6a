// Package platform declares the engine's boundary with the host device:
// the inbound location/motion/pressure callbacks it receives, and the
// outbound commands and published state it emits. Concrete adapters
// (the mobile platform's location APIs, or in tests, a replay feed)
// implement Commands; the engine implements Inbound.
package platform

import (
	"context"
	"time"

	"contextengine/pkg/model"
)

// Inbound is the set of callbacks the host platform's location service
// fires into the engine. The engine does not queue these calls: each one
// touches engine state directly from the calling goroutine, so callers
// must invoke them from one serialising context. OnFix returns the resulting published state so a
// synchronous caller (the replay harness, tests) can assert on it; a
// live adapter may discard it and rely on Publisher instead.
type Inbound interface {
	OnFix(ctx context.Context, fix model.Fix) (model.DetectionState, error)
	OnVisit(arrivalCoord model.Coord, arrivalTime time.Time, departureTime *time.Time)
	OnRegionEnter(regionID string)
	OnRegionExit(regionID string)
	OnPressureSample(sample model.PressureSample)
	OnMotionUpdate(sample model.MotionSample)
}

// Commands is the engine's outbound control surface over the platform's
// location service.
type Commands interface {
	SetDistanceFilter(metres float64)
	RequestImmediateUpdate()
	StartMonitoringRegion(center model.Coord, radiusM float64, id string)
	StopMonitoringRegion(id string)
	ResetAltimeterBaseline()
}

// Publisher receives the engine's published surface: the current
// DetectionState on every cycle, and the stream of mode transitions
// consumed by the downstream UV tracker.
type Publisher interface {
	PublishState(state model.DetectionState)
	PublishTransition(t model.ModeTransition)
}

// NoopCommands discards every outbound command. Useful for tests and for
// replay tooling that has no real device to steer.
type NoopCommands struct{}

func (NoopCommands) SetDistanceFilter(float64)                          {}
func (NoopCommands) RequestImmediateUpdate()                            {}
func (NoopCommands) StartMonitoringRegion(model.Coord, float64, string) {}
func (NoopCommands) StopMonitoringRegion(string)                        {}
func (NoopCommands) ResetAltimeterBaseline()                            {}
