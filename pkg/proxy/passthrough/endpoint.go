// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"time"

	"github.com/sqlmux/sqlmux/pkg/target"
	"github.com/sqlmux/sqlmux/pkg/worker"
	"go.uber.org/zap"
)

var _ worker.Endpoint = (*endpoint)(nil)

// endpoint is the demand of a session for a connection to its target.
type endpoint struct {
	s         *Session
	target    *target.Target
	waitStart time.Time
}

func (ep *endpoint) Server() worker.Server {
	return ep.target
}

func (ep *endpoint) Session() worker.Session {
	return ep.s
}

func (ep *endpoint) ConnWaitStart() time.Time {
	return ep.waitStart
}

func (ep *endpoint) tryConnect(w *worker.Worker) worker.ContinueResult {
	res, err := w.GetBackendConnection(ep.target, ep.s, ep.s)
	if err != nil {
		ep.s.lg.Warn("get backend connection failed", zap.String("target", ep.target.Name()), zap.Error(err))
		return worker.ContinueFail
	}
	if res.ConnLimitReached {
		return worker.ContinueWait
	}
	ep.s.attach(res.Conn.(*BackendConn))
	return worker.ContinueSuccess
}

func (ep *endpoint) ContinueConnecting() worker.ContinueResult {
	if ep.s.closed {
		return worker.ContinueFail
	}
	res := ep.tryConnect(ep.s.Owner())
	if res != worker.ContinueWait {
		ep.s.ep = nil
	}
	return res
}

func (ep *endpoint) HandleFailedContinue() {
	ep.s.ep = nil
	ep.s.close(false)
}

func (ep *endpoint) HandleTimedOutContinue() {
	ep.s.ep = nil
	ep.s.lg.Info("timed out waiting for a connection", zap.String("target", ep.target.Name()),
		zap.Duration("waited", time.Since(ep.waitStart)))
	ep.s.close(false)
}
