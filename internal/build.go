package internal

import "runtime/debug"

var (
	AppName    = "bgm-recorder"
	AppVersion = "devel"
	ModName    string

	BuildInfo *debug.BuildInfo
)

func init() {
	var ok bool
	if BuildInfo, ok = debug.ReadBuildInfo(); ok {
		ModName = BuildInfo.Main.Path
	}
}
