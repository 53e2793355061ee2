// Package buildinfo exposes the version, commit and build time stamped
// into the agentfleet binary at link time.
package buildinfo

import "fmt"

var (
	// Version is the release version, "dev" for local builds.
	// Set via: -ldflags "-X github.com/terrpan/agentfleet/internal/buildinfo.Version=<value>"
	Version = "dev"

	// Commit is the git commit the binary was built from.
	// Set via: -ldflags "-X github.com/terrpan/agentfleet/internal/buildinfo.Commit=<value>"
	Commit = "unknown"

	// BuildTime is the RFC 3339 build timestamp.
	// Set via: -ldflags "-X github.com/terrpan/agentfleet/internal/buildinfo.BuildTime=<value>"
	BuildTime = "unknown"
)

// String renders the build info on one line, as printed by `agentfleet version`.
func String() string {
	return fmt.Sprintf("agentfleet %s (commit %s, built %s)", Version, Commit, BuildTime)
}
