// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package target

import (
	"context"
	"net"
	"time"

	"github.com/sqlmux/sqlmux/lib/config"
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/lib/util/retry"
	"github.com/sqlmux/sqlmux/pkg/metrics"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// HealthCheck probes one server. A nil error means the server is healthy.
type HealthCheck interface {
	Check(ctx context.Context, name, addr string) error
}

type configurable interface {
	SetConfig(cfg config.HealthCheck)
}

// DefaultHealthCheck dials the server port.
type DefaultHealthCheck struct {
	cfg    atomic.Pointer[config.HealthCheck]
	logger *zap.Logger
}

func NewDefaultHealthCheck(cfg config.HealthCheck, logger *zap.Logger) *DefaultHealthCheck {
	dhc := &DefaultHealthCheck{logger: logger}
	dhc.SetConfig(cfg)
	return dhc
}

func (dhc *DefaultHealthCheck) SetConfig(cfg config.HealthCheck) {
	dhc.cfg.Store(&cfg)
}

func (dhc *DefaultHealthCheck) Check(ctx context.Context, name, addr string) error {
	cfg := dhc.cfg.Load()
	if !cfg.Enable {
		return nil
	}
	startTime := time.Now()
	err := retry.Retry(ctx, func() error {
		conn, err := net.DialTimeout("tcp", addr, cfg.DialTimeout)
		if err != nil {
			return err
		}
		if ignoredErr := conn.Close(); ignoredErr != nil {
			dhc.logger.Warn("close connection in health check failed", zap.String("server", name), zap.Error(ignoredErr))
		}
		return nil
	}, cfg.RetryInterval, uint64(cfg.MaxRetries))
	metrics.HealthCheckDurationHistogram.WithLabelValues(name).Observe(time.Since(startTime).Seconds())
	return errors.Wrapf(err, "connect %s failed", addr)
}
