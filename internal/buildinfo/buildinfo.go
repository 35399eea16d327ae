// Package buildinfo carries values stamped in at link time.
package buildinfo

import "runtime/debug"

// Version is set with -ldflags "-X converge/internal/buildinfo.Version=v1.2.3".
var Version = "dev"

// Resolved returns Version, falling back to the module version recorded by
// "go install" when no value was stamped.
func Resolved() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}
