// Package sysinfo reports build and host information about the running node.
package sysinfo

import (
	"os"
	"runtime"
	"runtime/debug"
	"time"
)

var (
	// Version is the node version, set at build time via ldflags:
	// go build -ldflags="-X github.com/postalsys/handlemesh/internal/sysinfo.Version=v1.0.0"
	Version = "dev"

	startTime = time.Now()
)

func init() {
	if Version == "dev" {
		Version = enhanceDevVersion()
	}
}

// enhanceDevVersion appends the VCS revision recorded by the Go toolchain,
// or the process start time when the build has none.
func enhanceDevVersion() string {
	var revision string
	var dirty bool
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				revision = s.Value
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
	}

	if revision == "" {
		return "dev-" + startTime.UTC().Format("20060102-150405")
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}
	if dirty {
		revision += "-dirty"
	}
	return "dev-" + revision
}

// Info describes the running process.
type Info struct {
	Version   string    `json:"version"`
	Hostname  string    `json:"hostname"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
	GoVersion string    `json:"go_version"`
	StartTime time.Time `json:"start_time"`
}

// Collect gathers the process information.
func Collect() Info {
	hostname, _ := os.Hostname()
	return Info{
		Version:   Version,
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
		StartTime: startTime,
	}
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startTime)
}
