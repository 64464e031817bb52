// Package version carries build metadata injected via -ldflags "-X".
package version

import "runtime"

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is the build metadata reported on startup and by /health.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// GetShortCommit returns the short git commit hash (first 7 characters)
func GetShortCommit() string {
	if len(GitCommit) >= 7 {
		return GitCommit[:7]
	}
	return GitCommit
}

// LogFields flattens Info for structured startup logs.
func LogFields() map[string]interface{} {
	info := GetInfo()
	return map[string]interface{}{
		"version":    info.Version,
		"git_commit": GetShortCommit(),
		"build_date": info.BuildDate,
		"go_version": info.GoVersion,
	}
}
