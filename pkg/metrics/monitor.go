// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	TimeJumpBackCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelMonitor,
			Name:      "time_jump_back_total",
			Help:      "Counter of system time jumps backward.",
		})

	// AliveCounter moves every aliveSeconds while the monitor runs. A flat line means a stalled process.
	AliveCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelMonitor,
			Name:      "alive_total",
			Help:      "Counter of monitor heartbeats.",
		})
)

const (
	monitorInterval = 100 * time.Millisecond
	ticksPerSecond  = int(time.Second / monitorInterval)
	aliveSeconds    = 5
)

// monitorSystemTime calls onJump whenever the wall clock moves backward and onAlive once per second.
func monitorSystemTime(ctx context.Context, lg *zap.Logger, now func() time.Time, onJump, onAlive func()) {
	lg.Info("start system time monitor")
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for ticks := 1; ; ticks++ {
		last := now()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if cur := now(); cur.Before(last) {
			lg.Error("system time jump backward", zap.Time("last", last), zap.Time("now", cur))
			onJump()
		}
		if ticks%ticksPerSecond == 0 {
			onAlive()
		}
	}
}
