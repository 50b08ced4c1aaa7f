// Package version reports build information for the commands.
//
// Release builds set the variables with ldflags:
//
//	go build -ldflags "-X github.com/rickgao/cryptostream/internal/version.Version=1.2.0 \
//	                   -X github.com/rickgao/cryptostream/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/cryptostream/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Without ldflags, Commit and BuildTime fall back to the VCS stamp the Go
// toolchain embeds in the binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if Commit == "unknown" && len(s.Value) >= 7 {
				Commit = s.Value[:7]
			}
		case "vcs.time":
			if BuildTime == "unknown" {
				BuildTime = s.Value
			}
		}
	}
}

// String returns a one-line version banner.
func String() string {
	return fmt.Sprintf("cryptostream %s (%s) built %s with %s", Version, Commit, BuildTime, runtime.Version())
}
