package contracts

import (
	"fmt"
	"runtime"
)

const (
	// Version is the protocol client version reported on check-in
	Version = "2.0.0"

	// APIVersion is the version prefix of the portal routes
	APIVersion = "v1"

	// UserAgentPrefix identifies the license client to the portal
	UserAgentPrefix = "AMPOS-Client"
)

var (
	// BuildTime is set during build using ldflags
	BuildTime = "unknown"

	// GitCommit is set during build using ldflags
	GitCommit = "unknown"
)

// UserAgent returns the User-Agent header value for the given client version
func UserAgent(version string) string {
	if version == "" {
		version = Version
	}
	return fmt.Sprintf("%s/%s", UserAgentPrefix, version)
}

// VersionInfo returns a human readable build description
func VersionInfo() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s/%s)", Version, GitCommit, BuildTime, runtime.GOOS, runtime.GOARCH)
}

// BuildInfo describes the running build
type BuildInfo struct {
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
	GitCommit  string `json:"git_commit"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Info returns the build description as a struct
func Info() BuildInfo {
	return BuildInfo{
		Version:    Version,
		APIVersion: APIVersion,
		GitCommit:  GitCommit,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}
