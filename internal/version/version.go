// Package version carries build metadata injected at link time via
// -ldflags "-X github.com/you/matchvault/internal/version.Version=...".
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)
