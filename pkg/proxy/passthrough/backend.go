// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/lib/util/retry"
	"github.com/sqlmux/sqlmux/pkg/proxy/keepalive"
	"github.com/sqlmux/sqlmux/pkg/proxy/proxyprotocol"
	"github.com/sqlmux/sqlmux/pkg/target"
	"github.com/sqlmux/sqlmux/pkg/worker"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const dialRetryInterval = 100 * time.Millisecond

var (
	ErrDialBackend  = errors.New("dial backend failed")
	ErrTargetIsDown = errors.New("target is down")
)

var _ worker.BackendConnection = (*BackendConn)(nil)

// BackendConn forwards the bytes of one session to one target. It is the handler of its socket
// while attached to a session.
type BackendConn struct {
	sk      *socket
	target  *target.Target
	lg      *zap.Logger
	session atomic.Pointer[Session]
	// peer is the client address announced in the PROXY header.
	peer        string
	established atomic.Bool
	// awaiting is true from a write until the next reply.
	awaiting atomic.Bool
	// out holds what the session wrote before the dial completed.
	out []byte
}

func newBackendConn(s *Session, tgt *target.Target, w *worker.Worker, cfg *Config, lg *zap.Logger) *BackendConn {
	c := &BackendConn{
		target: tgt,
		lg:     lg.With(zap.String("target", tgt.Name())),
	}
	c.sk = newSocket(worker.RoleBackend, s, w, nil, cfg.BufferSize, c.lg)
	c.sk.SetHandler(c)
	c.session.Store(s)
	if addr := s.client.RemoteAddr(); addr != nil {
		c.peer = addr.String()
	}
	return c
}

// dialer connects with retries until the connect timeout. An attempt that finds the target down
// stops retrying.
func (c *BackendConn) dialer(ctx context.Context, cfg *Config, src, dst net.Addr) dialFunc {
	return func() (net.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		var conn net.Conn
		addr := c.target.Addr()
		err := retry.Retry(ctx, func() error {
			if c.target.IsDown() {
				return backoff.Permanent(ErrTargetIsDown)
			}
			d := net.Dialer{Timeout: cfg.DialTimeout}
			var err error
			conn, err = d.DialContext(ctx, "tcp", addr)
			return err
		}, dialRetryInterval, retry.InfiniteCnt)
		if err != nil {
			return nil, errors.Wrap(ErrDialBackend, errors.Wrapf(err, "dial %s", addr))
		}
		if err := keepalive.SetKeepalive(conn, cfg.KeepAlive); err != nil {
			c.lg.Warn("failed to set keepalive", zap.String("backend_addr", addr), zap.Error(err))
		}
		if c.target.ProxyProtocol() && src != nil && dst != nil {
			if _, err := proxyprotocol.NewHeader(src, dst).WriteTo(conn); err != nil {
				_ = conn.Close()
				return nil, errors.Wrap(ErrDialBackend, errors.Wrapf(err, "write proxy header to %s", addr))
			}
		}
		return conn, nil
	}
}

func (c *BackendConn) Descriptor() worker.Descriptor {
	return c.sk
}

func (c *BackendConn) Server() worker.Server {
	return c.target
}

// CanReuse prefers connections whose PROXY header named the same client.
func (c *BackendConn) CanReuse(s worker.Session) worker.ReuseScore {
	ps, ok := s.(*Session)
	if !ok || c.sk.HungUp() {
		return worker.ReuseNotPossible
	}
	if !c.target.ProxyProtocol() {
		return worker.OptimalReuse
	}
	if ps.peer == c.peer {
		return worker.OptimalReuse
	}
	return worker.ReuseNotPossible
}

func (c *BackendConn) Reuse(s worker.Session, _ worker.Upstream, _ worker.ReuseScore) bool {
	ps, ok := s.(*Session)
	if !ok || c.sk.HungUp() || c.sk.Err() != nil {
		return false
	}
	c.session.Store(ps)
	c.sk.SetSession(ps)
	c.lg.Debug("reuse pooled connection", zap.Uint64("session", ps.ID()), zap.Uint64("descriptor", c.sk.ID()))
	return true
}

// Ping is a no-op since the stream carries no protocol of its own.
func (c *BackendConn) Ping() {}

func (c *BackendConn) CanClose() bool {
	return c.sk.State() == worker.StateClosed || !c.awaiting.Load()
}

func (c *BackendConn) Established() bool {
	return c.established.Load()
}

func (c *BackendConn) SetToPooled() {
	c.session.Store(nil)
	c.sk.SetSession(nil)
	c.out = nil
}

// Write forwards client bytes. Bytes written while dialing are sent once connected.
func (c *BackendConn) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	c.awaiting.Store(true)
	if !c.established.Load() {
		c.out = append(c.out, p...)
		return nil
	}
	_, err := c.sk.Write(p)
	return err
}

// WriteReady reports a completed dial.
func (c *BackendConn) WriteReady(worker.Descriptor) {
	if c.established.Swap(true) {
		return
	}
	s := c.session.Load()
	addr := c.sk.RemoteAddr()
	c.lg.Debug("backend connected", zap.Stringer("backend_addr", addr))
	if len(c.out) > 0 {
		out := c.out
		c.out = nil
		if _, err := c.sk.Write(out); err != nil {
			c.lg.Warn("write to backend failed", zap.Error(err))
			if s != nil {
				s.onBackendClosed(c, err)
			}
			return
		}
	}
	if s != nil {
		s.onBackendReady(c)
	}
}

func (c *BackendConn) ReadyForReading(worker.Descriptor) {
	data := c.sk.Take()
	if len(data) == 0 {
		return
	}
	c.awaiting.Store(false)
	if s := c.session.Load(); s != nil {
		s.forwardToClient(data)
	}
}

func (c *BackendConn) Error(worker.Descriptor) {
	c.closed(c.sk.Err())
}

func (c *BackendConn) Hangup(worker.Descriptor) {
	c.closed(c.sk.Err())
}

func (c *BackendConn) closed(err error) {
	if s := c.session.Load(); s != nil {
		s.onBackendClosed(c, err)
	}
}

func (c *BackendConn) RuntimeSize() int64 {
	return c.sk.RuntimeSize() + int64(cap(c.out))
}
