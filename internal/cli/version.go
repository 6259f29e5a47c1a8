package cli

import (
	"fmt"
	"runtime/debug"
)

// versionString reports the module version and revision produce was built
// from, when available. A near-zero-cost convenience: build info is
// already embedded in every Go binary built with modules.
func versionString() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "produce (unknown build)"
	}
	revision := "unknown"
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			revision = setting.Value
			break
		}
	}
	return fmt.Sprintf("produce %s (%s)", info.Main.Version, revision)
}
