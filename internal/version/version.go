// Package version contains build version information.
package version

// Version is the application version, set at build time via ldflags.
var Version = "0.0.0"

// GitCommit is the git commit hash, set at build time via ldflags.
var GitCommit = "unknown"

// BuildDate is the build date, set at build time via ldflags.
var BuildDate = "unknown"

// Info is the build description served on /version.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the current build info.
func Get() Info {
	return Info{Version: Version, Commit: GitCommit, BuildDate: BuildDate}
}
