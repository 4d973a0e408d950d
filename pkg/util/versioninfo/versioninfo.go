// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package versioninfo

import (
	"fmt"

	semver "github.com/Masterminds/semver"
)

// Set with -ldflags "-X" at build time.
var (
	SQLMuxVersion   = "None"
	SQLMuxGitBranch = "None"
	SQLMuxGitHash   = "None"
	SQLMuxBuildTS   = "None"
)

// Short is the version line printed by --version.
func Short() string {
	return fmt.Sprintf("%s, commit %s", SQLMuxVersion, SQLMuxGitHash)
}

// release drops the pre-release part so that v1.2.0-alpha counts as v1.2.0.
func release(v string) (*semver.Version, bool) {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return nil, false
	}
	if ver.Prerelease() != "" {
		r, err := ver.SetPrerelease("")
		if err != nil {
			return nil, false
		}
		ver = &r
	}
	return ver, true
}

// GtEqToVersion reports whether v1 >= v2. Development builds that carry no semantic
// version, such as "None" or "nightly", satisfy any minimum.
func GtEqToVersion(v1, v2 string) bool {
	floor, ok := release(v2)
	if !ok {
		return true
	}
	ver, ok := release(v1)
	if !ok {
		return true
	}
	return !ver.LessThan(floor)
}
