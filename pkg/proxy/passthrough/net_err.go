// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"context"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/sqlmux/sqlmux/lib/util/errors"
)

// isDisconnectError returns whether the error is caused by peer disconnection.
func isDisconnectError(err error) bool {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded), errors.Is(err, net.ErrClosed):
		return true
	}
	return false
}
