package version

import (
	"runtime/debug"
)

// Swappable for testing
var readBuildInfo = debug.ReadBuildInfo

// BuildVersion returns the module version. Development builds report
// "dev", with the short VCS revision appended when the build info
// carries one.
func BuildVersion() string {
	info, ok := readBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 12 {
			return "dev+" + s.Value[:12]
		}
	}
	return "dev"
}
