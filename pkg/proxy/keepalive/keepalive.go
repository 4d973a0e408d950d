// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package keepalive

import (
	"net"

	"github.com/sqlmux/sqlmux/lib/config"
	"github.com/sqlmux/sqlmux/lib/util/errors"
)

var (
	ErrKeepAlive = errors.New("failed to set keepalive and timeout")
)

// SetKeepalive applies the keepalive options to a TCP connection. Wrapped connections
// are unwrapped through NetConn.
func SetKeepalive(conn net.Conn, cfg config.KeepAlive) error {
	for {
		w, ok := conn.(interface{ NetConn() net.Conn })
		if !ok {
			break
		}
		conn = w.NetConn()
	}
	tcpcn, ok := conn.(*net.TCPConn)
	if !ok {
		return errors.Wrapf(ErrKeepAlive, "not net.TCPConn")
	}

	if err := tcpcn.SetKeepAlive(cfg.Enabled); err != nil {
		return errors.Wrap(ErrKeepAlive, err)
	}
	if !cfg.Enabled && cfg.Timeout == 0 {
		return nil
	}

	syscn, err := tcpcn.SyscallConn()
	if err != nil {
		return errors.Wrap(ErrKeepAlive, err)
	}

	var kerr, terr error
	cerr := syscn.Control(func(fd uintptr) {
		if cfg.Enabled {
			kerr = setKeepalive(fd, cfg)
		}
		if cfg.Timeout > 0 {
			terr = setTimeout(fd, cfg)
		}
	})
	return errors.Collect(ErrKeepAlive, kerr, terr, cerr)
}
