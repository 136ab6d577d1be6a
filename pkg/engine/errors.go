package engine

import "errors"

// ErrLocationUnavailable is the one error-taxonomy member that is fatal to
// the current cycle rather than recovered into a ClassificationReason: the
// platform has no fix buffered at all, so there is nothing to classify.
// Nothing in the engine returns it: OnFix always receives a fix.
var ErrLocationUnavailable = errors.New("contextengine: no fix available")

// ErrFixTooStale is returned (alongside the last published state) when an
// incoming fix's timestamp trails the last processed fix by more than the
// engine's reorder tolerance.
var ErrFixTooStale = errors.New("contextengine: fix older than reorder tolerance, dropped")
