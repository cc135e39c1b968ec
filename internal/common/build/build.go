// Package build holds version information set at link time with -ldflags "-X ...".
package build

import "runtime"

var (
	ReleaseVersion = "dev"
	GitCommit      = "unknown"
	BuildTime      = "unknown"
	GoVersion      = runtime.Version()
)
