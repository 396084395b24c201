// Package buildinfo reports which proxwatch build is running. Release
// builds stamp the version fields through -ldflags; anything left
// unstamped is filled from the module and VCS metadata the Go toolchain
// embeds in every binary.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// startTime records when the process started.
var startTime = time.Now()

// Build describes the running binary.
type Build struct {
	Version  string
	Commit   string
	Branch   string
	Time     string
	Modified bool // built from a dirty working tree
}

var (
	currentOnce sync.Once
	current     Build
)

// Current returns the running build, resolved once per process.
func Current() Build {
	currentOnce.Do(func() {
		bi, _ := debug.ReadBuildInfo()
		current = resolve(Build{
			Version: Version,
			Commit:  GitCommit,
			Branch:  GitBranch,
			Time:    BuildTime,
		}, bi)
	})
	return current
}

// resolve fills the fields of b that were not stamped with values from
// bi. Stamped values always win.
func resolve(b Build, bi *debug.BuildInfo) Build {
	if bi == nil {
		return b
	}
	if b.Version == "dev" {
		if v := bi.Main.Version; v != "" && v != "(devel)" {
			b.Version = v
		}
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "unknown" {
				b.Commit = shortRevision(s.Value)
			}
		case "vcs.time":
			if b.Time == "unknown" {
				b.Time = s.Value
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// Info returns all build and runtime info as a map.
func Info() map[string]string {
	b := Current()
	info := map[string]string{
		"version":    b.Version,
		"git_commit": b.Commit,
		"git_branch": b.Branch,
		"build_time": b.Time,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
	if b.Modified {
		info["modified"] = "true"
	}
	return info
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	b := Current()
	commit := b.Commit
	if b.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("Proxwatch %s (%s@%s) built %s", b.Version, commit, b.Branch, b.Time)
}

// UserAgent is the User-Agent header value for outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("Proxwatch/%s (%s/%s)", Current().Version, runtime.GOOS, runtime.GOARCH)
}
