// Package version provides the Kestrel version string.
// The version is set at build time via -ldflags.
package version

// Version is the current Kestrel version.
// Override at build time: go build -ldflags "-X github.com/strategist922/kestrel/internal/version.Version=3.0.0"
var Version = "3.0.0"

// BuildTime is the build timestamp.
// Override at build time: go build -ldflags "-X github.com/strategist922/kestrel/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var BuildTime = "unknown"
