// Package buildinfo contains application metadata that can be set at build time.
//
// For release builds, use ldflags to set the version:
//
//	go build -ldflags "-X github.com/venuekit/cardbridge/buildinfo.Version=1.0.0"
//
// Or set multiple values:
//
//	go build -ldflags "\
//	  -X github.com/venuekit/cardbridge/buildinfo.Version=1.0.0 \
//	  -X github.com/venuekit/cardbridge/buildinfo.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/venuekit/cardbridge/buildinfo.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package buildinfo

import "fmt"

// Application metadata - can be overridden at build time via ldflags
var (
	// Name is the technical application name
	Name = "cardbridge"

	// DirName is the name of the config directory within user config paths
	DirName = "cardbridge"

	// DisplayName is the user-friendly name (used for mDNS, titles)
	DisplayName = "CardBridge Agent"

	// Description is a short description of the application
	Description = "Contactless card reader agent with HTTP forwarding"

	// Version is the semantic version (set via ldflags for releases)
	Version = "dev"

	// Commit is the git commit hash (set via ldflags)
	Commit = ""

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = ""
)

// FullVersion returns the version string with optional commit info.
// Examples:
//   - "dev" (development build)
//   - "1.0.0" (release build)
//   - "1.0.0 (abc1234)" (release build with commit)
func FullVersion() string {
	if Commit != "" {
		return fmt.Sprintf("%s (%s)", Version, Commit)
	}
	return Version
}

// UserAgent returns a user agent string for HTTP requests.
// Example: "cardbridge/1.0.0"
func UserAgent() string {
	return fmt.Sprintf("%s/%s", Name, Version)
}
