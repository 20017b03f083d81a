package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version/Commit 由 -ldflags "-X" 注入；未注入 Commit 时回退到构建信息中的 vcs.revision。
var (
	Version = "0.1.0"
	Commit  = ""
)

const shortRevision = 12

// Revision 返回提交标识，无法确定时为 "dev"。
func Revision() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		rev, dirty := "", false
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				rev = s.Value
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
		if rev != "" {
			if len(rev) > shortRevision {
				rev = rev[:shortRevision]
			}
			if dirty {
				rev += "-dirty"
			}
			return rev
		}
	}
	return "dev"
}

// Full 返回 CLI 打印的版本行：服务名、版本、提交与 Go 工具链。
func Full() string {
	return fmt.Sprintf("stream-cache %s (%s, %s %s/%s)", Version, Revision(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
