package core

import "strings"

const modulePath = "github.com/linyinli/llama-box/core"

// Version is the application version, set at build time via ldflags:
//
//	go build -ldflags "-X github.com/linyinli/llama-box/core.Version=$(git describe --tags --always)" .
//
// If not set at build time, defaults to "dev".
var Version = "dev"

// BuildTime is the build timestamp, set at build time via ldflags.
var BuildTime = "unknown"

// GitCommit is the git commit hash, set at build time via ldflags.
var GitCommit = "unknown"

// GetVersion returns the application version string.
func GetVersion() string {
	return Version
}

// GetVersionInfo returns a formatted version information string, e.g.
// "v0.0.75 (built 2024-11-02T10:30:00Z, commit abc1234)".
func GetVersionInfo() string {
	return Version + " (built " + BuildTime + ", commit " + GitCommit + ")"
}

// BuildLdflags returns the ldflags string for injecting version information.
// Empty arguments are omitted.
func BuildLdflags(version, buildTime, gitCommit string) string {
	var flags []string
	if version != "" {
		flags = append(flags, "-X "+modulePath+".Version="+version)
	}
	if buildTime != "" {
		flags = append(flags, "-X "+modulePath+".BuildTime="+buildTime)
	}
	if gitCommit != "" {
		flags = append(flags, "-X "+modulePath+".GitCommit="+gitCommit)
	}
	return strings.Join(flags, " ")
}
