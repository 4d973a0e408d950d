// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"time"

	"github.com/sqlmux/sqlmux/lib/config"
)

type Options struct {
	Threads              int
	RebalanceThreshold   int
	RebalancePeriod      time.Duration
	RebalanceWindow      int
	TickInterval         time.Duration
	PoolCheckInterval    time.Duration
	ActivationInterval   time.Duration
	TimeoutCheckInterval time.Duration
	// Now is the clock of the workers. Tests replace it.
	Now func() time.Time
}

func NewOptions(cfg *config.Workers) Options {
	return Options{
		Threads:              cfg.Threads,
		RebalanceThreshold:   cfg.RebalanceThreshold,
		RebalancePeriod:      cfg.RebalancePeriod,
		RebalanceWindow:      cfg.RebalanceWindow,
		TickInterval:         cfg.TickInterval,
		PoolCheckInterval:    cfg.PoolCheckInterval,
		ActivationInterval:   cfg.ActivationInterval,
		TimeoutCheckInterval: cfg.TimeoutCheckInterval,
	}
}

func (o *Options) fill() {
	def := config.DefaultWorkers()
	if o.Threads <= 0 {
		o.Threads = 1
	}
	if o.RebalanceWindow <= 0 {
		o.RebalanceWindow = def.RebalanceWindow
	}
	if o.TickInterval <= 0 {
		o.TickInterval = def.TickInterval
	}
	if o.PoolCheckInterval <= 0 {
		o.PoolCheckInterval = def.PoolCheckInterval
	}
	if o.ActivationInterval <= 0 {
		o.ActivationInterval = def.ActivationInterval
	}
	if o.TimeoutCheckInterval <= 0 {
		o.TimeoutCheckInterval = def.TimeoutCheckInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}
