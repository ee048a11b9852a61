// Package version reports build information for the imgbatch binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Set with -ldflags "-X github.com/teranos/imgbatch/version.Version=v1.2.0 ...".
// Unset values fall back to the VCS stamp the Go toolchain embeds.
var (
	Version    = "dev"
	CommitHash = ""
	BuildTime  = ""
)

const unknown = "unknown"

// Info describes the running binary
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Modified   bool   `json:"modified,omitempty"` // built from a dirty worktree
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

var (
	vcsOnce sync.Once
	vcs     map[string]string
)

func vcsSettings() map[string]string {
	vcsOnce.Do(func() {
		vcs = map[string]string{}
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range bi.Settings {
			vcs[s.Key] = s.Value
		}
	})
	return vcs
}

// Get returns the build information, preferring ldflags over the VCS stamp
func Get() Info {
	return resolve(vcsSettings())
}

func resolve(settings map[string]string) Info {
	info := Info{
		Version:    Version,
		CommitHash: firstNonEmpty(CommitHash, settings["vcs.revision"], unknown),
		BuildTime:  firstNonEmpty(BuildTime, settings["vcs.time"], unknown),
		Modified:   settings["vcs.modified"] == "true",
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
	return info
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// String is the one-line form printed by `imgbatch version`
func (i Info) String() string {
	dirty := ""
	if i.Modified {
		dirty = "+dirty"
	}
	return fmt.Sprintf("imgbatch %s (%s%s, built %s, %s %s)",
		i.Version, i.Short(), dirty, i.BuildTime, i.GoVersion, i.Platform)
}

// Short is the abbreviated commit hash
func (i Info) Short() string {
	if len(i.CommitHash) > 7 && i.CommitHash != unknown {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}
