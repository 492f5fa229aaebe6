// Package buildinfo reports what binary is running. Release builds stamp
// the variables below with -ldflags; plain `go build` binaries fall back
// to the VCS settings the toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Stamped at build time:
//
//	-ldflags "-X github.com/nugget/firewalla-bridge/internal/buildinfo.Version=v1.2.0 ..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

var vcsOnce sync.Once

// fillFromVCS replaces unstamped commit and time with the values from
// the embedded build settings, if any.
func fillFromVCS() {
	vcsOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		dirty := false
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if GitCommit == "unknown" && len(s.Value) >= 12 {
					GitCommit = s.Value[:12]
				}
			case "vcs.time":
				if BuildTime == "unknown" {
					BuildTime = s.Value
				}
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
		if dirty && GitCommit != "unknown" {
			GitCommit += "-dirty"
		}
	})
}

// BuildInfo returns the static build metadata. The result is stable for
// the life of the process.
func BuildInfo() map[string]string {
	fillFromVCS()
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// RuntimeInfo is BuildInfo plus process uptime, for the status API.
func RuntimeInfo() map[string]string {
	info := BuildInfo()
	info["uptime"] = Uptime().String()
	return info
}

// Uptime is the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent is sent on every request to the Firewalla API.
func UserAgent() string {
	return fmt.Sprintf("firewalla-bridge/%s (%s; %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// String is a one-line summary for logs and `version`.
func String() string {
	fillFromVCS()
	return fmt.Sprintf("firewalla-bridge %s (%s) built %s", Version, GitCommit, BuildTime)
}
