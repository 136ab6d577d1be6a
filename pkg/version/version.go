// Package version holds the build-time version string, overridden via
// -ldflags "-X contextengine/pkg/version.Version=vX.Y.Z" by the release
// build; defaults to "dev" for local builds.
package version

var Version = "dev"
