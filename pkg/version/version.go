// Package version holds build metadata stamped in via -ldflags.
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// overridden at build time:
//
//	-X reprun.io/reprun/pkg/version.gitVersion=$(git describe --tags --dirty)
//	-X reprun.io/reprun/pkg/version.gitCommit=$(git rev-parse HEAD)
//	-X reprun.io/reprun/pkg/version.buildDate=$(date -u +'%Y-%m-%dT%H:%M:%SZ')
var (
	gitVersion = "v0.0.0-dev"
	gitCommit  = "unknown"
	buildDate  = "1970-01-01T00:00:00Z"
)

type Version struct {
	GitVersion string `json:"gitVersion"`
	GitCommit  string `json:"gitCommit"`
	BuildDate  string `json:"buildDate"`
	GoVersion  string `json:"goVersion"`
	Compiler   string `json:"compiler"`
	Platform   string `json:"platform"`
}

func Get() Version {
	return Version{
		GitVersion: gitVersion,
		GitCommit:  gitCommit,
		BuildDate:  buildDate,
		GoVersion:  runtime.Version(),
		Compiler:   runtime.Compiler,
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

func (v Version) String() string {
	bts, _ := json.MarshalIndent(v, "", "  ")
	return string(bts)
}
