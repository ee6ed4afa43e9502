// Package appversion carries the daemon's build identity. Release builds
// stamp the variables through the linker:
//
//	go build -ldflags "\
//	  -X github.com/lobbygrid/lobbygrid/internal/version.Version=v0.3.0 \
//	  -X github.com/lobbygrid/lobbygrid/internal/version.GitCommit=$(git rev-parse --short HEAD) \
//	  -X github.com/lobbygrid/lobbygrid/internal/version.BuildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Unstamped builds report "dev".
package appversion

import "fmt"

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"

	// GitCommit is the short commit hash the binary was built from.
	GitCommit = "unknown"

	// BuildDate is the UTC build timestamp in RFC 3339 form.
	BuildDate = "unknown"
)

// Full renders the version block printed by the version subcommand.
func Full(binary string) string {
	return fmt.Sprintf("%s %s\n  commit:  %s\n  built:   %s", binary, Version, GitCommit, BuildDate)
}
