package version

// These variables will be injected at build time via ldflags
var (
	Version   = "dev"     // semantic version (e.g., v1.2.3)
	GitCommit = "unknown" // git commit hash
	BuildDate = "unknown" // build timestamp
)

// Info represents version information for the daemon
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

// GetInfo returns version information as a struct
func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
	}
}
