// Package version holds build metadata injected via ldflags:
//
//	-ldflags "-X github.com/kailas-cloud/backfill/internal/version.Version=v1.2.3"
package version

import "fmt"

//nolint:revive // Set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// String renders the build metadata for --version output.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
