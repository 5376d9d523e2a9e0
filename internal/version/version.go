// Package version reports the build of huddle.
package version

import (
	"fmt"
	"runtime"
)

// Version and Commit are set at build time via:
//
//	go build -ldflags "-X ...version.VERSION=0.1.0 -X ...version.Commit=abc123"
var (
	VERSION = "dev"
	Commit  = "dev"
)

// String returns the one-line version banner.
func String() string {
	return fmt.Sprintf("huddle %s (%s) %s %s/%s", VERSION, Commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
