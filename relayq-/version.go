package relayq

import (
	"runtime/debug"
)

// Version is set at startup from the build info of the binary: the module
// version, or the vcs revision for development builds.
var Version = "(devel)"

func init() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	Version = buildInfo.Main.Version
	if Version != "(devel)" && Version != "" {
		return
	}
	Version = "(devel)"
	var rev, modified string
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			rev = setting.Value
		case "vcs.modified":
			modified = setting.Value
		}
	}
	if rev == "" {
		return
	}
	Version = rev
	if modified == "true" {
		Version += "+modifications"
	}
}
