// Package misc keeps small helpers needed across the program.
package misc

import "runtime/debug"

var (
	appName = "rdr"
	version = "dev"
	gitHash = "unknown"
)

func GetAppName() string {
	return appName
}

// GetVersion returns program version set at build time, falling back to
// module build info when available.
func GetVersion() string {
	if version != "dev" {
		return version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return version
}

func GetGitHash() string {
	if gitHash != "unknown" {
		return gitHash
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				return s.Value
			}
		}
	}
	return gitHash
}
