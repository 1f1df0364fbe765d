// Package version provides build-time version information for the realtime binaries.
//
// Variables are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/rickgao/crm-realtime/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/crm-realtime/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/crm-realtime/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

// Build-time variables (set via ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String returns a formatted version string.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}

// UserAgent is sent by the admin API client.
func UserAgent() string {
	return "crm-realtime/" + Version
}

// Info returns the build fields for health and status payloads.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     Commit,
		"build_time": BuildTime,
	}
}
