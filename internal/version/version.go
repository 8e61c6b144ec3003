// Package version reports the reviewer build version.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is set with -ldflags "-X .../internal/version.Version=v1.2.3" for
// releases. Development builds derive it from the VCS stamp.
var Version = "dev"

func init() {
	if Version == "dev" {
		Version = fromBuildInfo(debug.ReadBuildInfo())
	}
}

// fromBuildInfo returns the short commit hash, suffixed with -dirty for
// modified trees, or "dev" when the binary carries no VCS stamp.
func fromBuildInfo(info *debug.BuildInfo, ok bool) string {
	if !ok {
		return "dev"
	}
	revision, modified := "", false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if revision == "" {
		return "dev"
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}
	if modified {
		revision += "-dirty"
	}
	return revision
}

// commitTime returns the vcs.time stamp, if any.
func commitTime(info *debug.BuildInfo, ok bool) string {
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.time" {
			return s.Value
		}
	}
	return ""
}

// Full returns the version line printed by `reviewer version`.
func Full() string {
	line := fmt.Sprintf("reviewer %s (%s, %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if t := commitTime(debug.ReadBuildInfo()); t != "" {
		line += " built from commit of " + t
	}
	return line
}
