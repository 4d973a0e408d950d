//go:build !(linux || netbsd || freebsd || dragonfly || aix)

// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package keepalive

import (
	"github.com/sqlmux/sqlmux/lib/config"
)

// Only SO_KEEPALIVE itself is set on other platforms.
func setKeepalive(fd uintptr, cfg config.KeepAlive) error {
	return nil
}
