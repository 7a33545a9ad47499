// Package version carries build metadata injected with -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version  = "dev"
	Revision = "unknown"
	BuiltAt  = "unknown"
)

// String renders the version block printed by "obox version".
func String() string {
	return fmt.Sprintf("Version:  %s\nRevision: %s\nBuilt at: %s\nGo:       %s %s/%s\n",
		Version, Revision, BuiltAt, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
