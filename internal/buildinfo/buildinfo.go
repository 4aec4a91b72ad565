// Package buildinfo carries the release identity stamped in with -ldflags:
//
//	go build -ldflags "-X github.com/jailkeeper/jailkeeper/internal/buildinfo.Version=v0.3.0"
package buildinfo

import (
	"fmt"
	"runtime"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the full build identity for --version.
func String() string {
	return fmt.Sprintf("jailkeeper %s (commit %s, built %s, %s/%s)", Version, Commit, Date, runtime.GOOS, runtime.GOARCH)
}

// Short is the version alone, for log prefixes and history records.
func Short() string {
	if Version == "" {
		return "dev"
	}
	return Version
}
