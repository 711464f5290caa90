// Package version holds the build-time version variables for the hubsync
// binary. The zero values ("dev", "none", "unknown") are used for local builds.
package version

import "fmt"

// These variables are overridden by -ldflags at release time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns the formatted version string printed by hubsync version.
func Info() string {
	return fmt.Sprintf(
		"hubsync version %s\ncommit: %s\nbuilt: %s\n",
		Version,
		Commit,
		Date,
	)
}

// AppID identifies hubsync in the user agent of outbound AWS requests.
func AppID() string {
	return "hubsync-" + Version
}
