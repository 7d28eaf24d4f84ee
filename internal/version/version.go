// Package version carries build metadata, set at link time:
//
//	go build -ldflags "-X inkflow/internal/version.Version=v1.2.0 -X inkflow/internal/version.Commit=$(git rev-parse --short HEAD)"
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line description of the build.
func Info() string {
	return fmt.Sprintf("inkflow %s (commit %s, built %s)", Version, Commit, Date)
}
