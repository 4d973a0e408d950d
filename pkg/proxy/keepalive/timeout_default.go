//go:build !linux

// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package keepalive

import (
	"github.com/sqlmux/sqlmux/lib/config"
)

func setTimeout(fd uintptr, cfg config.KeepAlive) error {
	return nil
}
