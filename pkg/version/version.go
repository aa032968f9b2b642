// Package version reports build metadata. Release builds set the variables
// with -ldflags "-X"; `go install` builds fall back to the VCS stamp the Go
// toolchain embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

// readBuildInfo is replaced in tests
var readBuildInfo = debug.ReadBuildInfo

type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit,omitempty"`
	BuildTime string `json:"buildTime,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Get merges linker-provided values with the embedded build info.
func Get() *Info {
	info := &Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	bi, ok := readBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.GitCommit == "" {
				info.GitCommit = s.Value
			}
		case "vcs.time":
			if info.BuildTime == "" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

func (i *Info) String() string {
	s := "ydsync " + i.Version
	if i.GitCommit != "" {
		s += " (" + shortCommit(i.GitCommit)
		if i.Modified {
			s += ", dirty"
		}
		s += ")"
	}
	if i.BuildTime != "" {
		s += " built " + i.BuildTime
	}
	return s + fmt.Sprintf(" %s %s", i.GoVersion, i.Platform)
}

// UserAgent identifies the client to the Disk API
func UserAgent() string {
	return fmt.Sprintf("ydsync/%s (%s/%s)", Get().Version, runtime.GOOS, runtime.GOARCH)
}
