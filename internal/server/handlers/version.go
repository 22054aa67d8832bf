package handlers

import (
	"net/http"
	"runtime"
)

// Build metadata, pushed down from the CLI layer where ldflags land.
var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetBuildInfo records the binary's build metadata for /version. Empty
// fields keep their defaults.
func SetBuildInfo(version, commit, date string) {
	if version != "" {
		buildVersion = version
	}
	if commit != "" {
		buildCommit = commit
	}
	if date != "" {
		buildDate = date
	}
}

// VersionResponse is the body served by /version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// VersionHandler reports build metadata.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
	})
}
