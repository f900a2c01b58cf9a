// Package version describes the pocketsync build and the on-disk formats it
// reads and writes.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const devVersion = "0.1.0-dev"

// StateFormat is the layout of the committed sync state. Stores refuse state
// written with any other format.
const StateFormat = 1

// Set through -ldflags "-X" by release builds.
var (
	Version  = devVersion
	Revision = ""
	Date     = ""
)

// Info is what `pocketsync version` reports.
type Info struct {
	Version     string
	Revision    string
	Modified    bool
	Date        string
	Go          string
	Platform    string
	StateFormat int
}

// Get merges the linker-provided values with the module build info.
func Get() Info {
	info := Info{
		Version:     Version,
		Revision:    Revision,
		Date:        Date,
		Go:          runtime.Version(),
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		StateFormat: StateFormat,
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		info.merge(bi)
	}
	return info
}

func (i *Info) merge(bi *debug.BuildInfo) {
	if i.Version == devVersion || i.Version == "" {
		if v := bi.Main.Version; v != "" && v != "(devel)" {
			i.Version = strings.TrimPrefix(v, "v")
		}
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if i.Revision == "" {
				i.Revision = s.Value
			}
		case "vcs.modified":
			i.Modified = i.Modified || s.Value == "true"
		case "vcs.time":
			if i.Date == "" {
				i.Date = s.Value
			}
		}
	}
}

// ShortRevision is the first 7 characters of the revision, or "unknown".
func (i Info) ShortRevision() string {
	r := i.Revision
	if r == "" {
		return "unknown"
	}
	if len(r) > 7 {
		r = r[:7]
	}
	if i.Modified {
		r += "-dirty"
	}
	return r
}

// String is `0.1.0 (5e23a4c, state format 1, go1.22.1 linux/amd64)`.
func (i Info) String() string {
	s := fmt.Sprintf("%s (%s, state format %d, %s %s", i.Version, i.ShortRevision(), i.StateFormat, i.Go, i.Platform)
	if i.Date != "" {
		s += ", built " + i.Date
	}
	return s + ")"
}

func Detailed() string {
	return Get().String()
}

func DetailedWithApp() string {
	return "pocketsync " + Detailed()
}
