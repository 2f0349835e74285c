// Package buildinfo exposes the version metadata stamped into the
// binary at link time:
//
//	go build -ldflags "-X github.com/nugget/mnemo/internal/buildinfo.Version=v1.2.0 ..."
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime,omitempty"`
}

// Current returns the build metadata. Uptime is left empty; see
// [Running].
func Current() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// Running returns [Current] with the process uptime filled in.
func Running() Info {
	info := Current()
	info.Uptime = time.Since(started).Truncate(time.Second).String()
	return info
}

// Fields returns label/value pairs in display order.
func (i Info) Fields() [][2]string {
	fields := [][2]string{
		{"version", i.Version},
		{"git_commit", i.GitCommit},
		{"git_branch", i.GitBranch},
		{"build_time", i.BuildTime},
		{"go_version", i.GoVersion},
		{"os", i.OS},
		{"arch", i.Arch},
	}
	if i.Uptime != "" {
		fields = append(fields, [2]string{"uptime", i.Uptime})
	}
	return fields
}

// String returns a one-line summary.
func (i Info) String() string {
	return fmt.Sprintf("Mnemo %s (%s@%s) built %s", i.Version, i.GitCommit, i.GitBranch, i.BuildTime)
}

// UserAgent returns the User-Agent for outbound HTTP requests.
func UserAgent() string {
	return "mnemo/" + Version
}
