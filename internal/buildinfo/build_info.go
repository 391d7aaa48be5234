package buildinfo

import (
	"fmt"
	"runtime"
)

// BuildInfo carries the version stamp the linker injects into the livequery
// binary, printed once at startup.
type BuildInfo struct {
	Version    string
	CommitHash string
	BuildDate  string
}

// String renders the startup banner line.
func (i BuildInfo) String() string {
	return fmt.Sprintf("version %s (commit %s, built %s, %s)",
		i.Version, i.CommitHash, i.BuildDate, runtime.Version())
}
