// Copyright 2024 The lmsd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package version provides information about lmsd version and build configuration.
//
// # Extra files
//
// The following text files may be present in this (`build/version`) directory during building:
//   - version.txt (required) contains the version in `v<major>.<minor>.<patch>` format.
//   - package.txt (optional) contains package type (e.g. "deb", "docker", etc).
//
// # Go build tags
//
// The following Go build tags affect builds of lmsd:
//
//	lms_dev - enables development build (implied by builds with race detector)
//
// # Development builds
//
// Development builds of lmsd behave differently in a few aspects:
//   - they are slower;
//   - transaction nesting is checked and misuse crashes the process;
//   - unended transactions and connections are detected by finalizers;
//   - metrics are written to stderr on exit;
//   - the default logging level is set to debug.
package version

import (
	"embed"
	"runtime"
	runtimedebug "runtime/debug"
	"strings"

	"github.com/lms-server/lms/internal/util/devbuild"
	"github.com/lms-server/lms/internal/util/must"
)

//go:embed *.txt
var gen embed.FS

// Info provides details about the current build.
//
//nolint:vet // for readability
type Info struct {
	Version          string
	Commit           string
	Dirty            bool
	Package          string
	DevBuild         bool
	BuildEnvironment map[string]string
}

// info singleton instance set by init().
var info *Info

// unknown is a placeholder for unknown values.
const unknown = "unknown"

// Get returns current build's info.
//
// It returns a shared instance without any synchronization.
func Get() *Info {
	return info
}

func init() {
	info = &Info{
		Version:  strings.TrimSpace(string(must.NotFail(gen.ReadFile("version.txt")))),
		Commit:   unknown,
		Package:  unknown,
		DevBuild: devbuild.Enabled,
		BuildEnvironment: map[string]string{
			"go.runtime": runtime.Version(),
		},
	}

	if b, err := gen.ReadFile("package.txt"); err == nil {
		info.Package = strings.TrimSpace(string(b))
	}

	buildInfo, ok := runtimedebug.ReadBuildInfo()
	if !ok {
		return
	}

	info.BuildEnvironment["go.version"] = buildInfo.GoVersion

	for _, s := range buildInfo.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Commit = s.Value
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		case "-race", "-tags", "CGO_ENABLED", "GOOS", "GOARCH":
			info.BuildEnvironment[s.Key] = s.Value
		}
	}
}
