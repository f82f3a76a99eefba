// Package version reports faasd's build provenance, grounded on the
// teacher's version/version.go ldflags-plus-debug.BuildInfo idiom, with
// a String() renderer added so cmd/faasd's version command has one
// formatting path instead of building its own report line by line.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/google/go-cmp/cmp"
)

var (
	// GitRepo, GitBranch, GitCommit, and BuildTime are set via -ldflags
	// at build time; they stay empty for `go run`/`go test` invocations.
	GitRepo   string
	GitBranch string
	GitCommit string
	BuildTime string
)

// Info is faasd's full version report: the ldflags values above, plus
// whatever the Go toolchain itself recorded (module path, dependency
// versions, VCS revision) via debug.ReadBuildInfo.
type Info struct {
	GitRepo   string           `json:"gitRepo,omitempty"`
	GitBranch string           `json:"gitBranch,omitempty"`
	GitCommit string           `json:"gitCommit,omitempty"`
	BuildTime string           `json:"buildTime,omitempty"`
	BuildInfo *debug.BuildInfo `json:"buildInfo,omitempty"`
}

// Get reads the package-level ldflags vars plus the runtime's build
// info into one Info value.
func Get() Info {
	info := Info{
		GitRepo:   GitRepo,
		GitBranch: GitBranch,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	}
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		info.BuildInfo = buildInfo
	}
	return info
}

// Equal reports whether v and other describe the same build: same
// ldflags-reported repo/branch/commit, and — when both carry runtime
// build info — the same module path, dependency set, and Go version.
// BuildTime is deliberately excluded: a rebuild of the same commit
// should still compare equal.
func (v Info) Equal(other Info) bool {
	if v.BuildInfo != nil {
		if other.BuildInfo == nil {
			return false
		}
		if v.BuildInfo.Main.Path != other.BuildInfo.Main.Path ||
			!cmp.Equal(v.BuildInfo.Deps, other.BuildInfo.Deps) ||
			v.BuildInfo.GoVersion != other.BuildInfo.GoVersion {
			return false
		}
	}
	return v.GitBranch == other.GitBranch &&
		v.GitCommit == other.GitCommit &&
		v.GitRepo == other.GitRepo
}

// String renders Info as the multi-line report the `version` command
// prints, falling back to whatever the Go toolchain itself recorded
// (vcs.revision, vcs.time, vcs.modified) when a field wasn't set via
// -ldflags — the common case for a `go install`-built binary.
func (v Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Git Repository: %s\n", v.GitRepo)
	fmt.Fprintf(&b, "Git Branch: %s\n", v.GitBranch)

	commit, buildTime := v.GitCommit, v.BuildTime
	var modified string
	if v.BuildInfo != nil {
		for _, setting := range v.BuildInfo.Settings {
			switch setting.Key {
			case "vcs.revision":
				if commit == "" {
					commit = setting.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = setting.Value
				}
			case "vcs.modified":
				modified = setting.Value
			}
		}
	}
	fmt.Fprintf(&b, "Git Commit: %s\n", commit)
	fmt.Fprintf(&b, "Build Time: %s\n", buildTime)
	if modified != "" {
		fmt.Fprintf(&b, "Modified: %s\n", modified)
	}
	return b.String()
}
