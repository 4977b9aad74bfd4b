// Package version carries build metadata, stamped in at link time via
// -ldflags "-X github.com/keystone-vision/shelfwatch/internal/version.Version=...".
package version

var (
	// Version is the shelfwatch release version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)
