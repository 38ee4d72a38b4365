// Package version carries build metadata injected with -ldflags.
package version

import "fmt"

// Set at build time, e.g.
//
//	-ldflags "-X github.com/blogchat/chatrelay/internal/version.Version=v0.2.0"
var (
	Version = "v0.1.0"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// Info returns the version string.
func Info() string {
	return Version
}

// FullInfo returns version, commit and build time on one line.
func FullInfo() string {
	return fmt.Sprintf("version=%s commit=%s built_at=%s", Version, Commit, BuiltAt)
}

// UserAgent identifies a chatrelay component in outbound requests.
func UserAgent(component string) string {
	return fmt.Sprintf("chatrelay-%s/%s", component, Version)
}
