// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package buildinfo reports how the running elfgen binary was built.
package buildinfo

import (
	"errors"
	"runtime/debug"
)

// Info is the subset of the embedded build settings logged at startup.
type Info struct {
	Version     string
	GoVersion   string
	GoArch      string
	GoOS        string
	VcsRevision string
	VcsTime     string
	VcsModified bool
}

// Fetch reads the build information embedded in the binary.
func Fetch() (*Info, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, errors.New("can't read the build info")
	}
	return fromBuildInfo(bi), nil
}

func fromBuildInfo(bi *debug.BuildInfo) *Info {
	info := &Info{
		Version:   bi.Main.Version,
		GoVersion: bi.GoVersion,
	}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "GOARCH":
			info.GoArch = setting.Value
		case "GOOS":
			info.GoOS = setting.Value
		case "vcs.revision":
			info.VcsRevision = setting.Value
		case "vcs.time":
			info.VcsTime = setting.Value
		case "vcs.modified":
			info.VcsModified = setting.Value == "true"
		}
	}
	return info
}

// Keyvals returns the information as logger key value pairs.
func (i *Info) Keyvals() []interface{} {
	return []interface{}{
		"version", i.Version,
		"go_version", i.GoVersion,
		"arch", i.GoArch,
		"os", i.GoOS,
		"revision", i.VcsRevision,
		"modified", i.VcsModified,
	}
}
