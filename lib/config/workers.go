// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"runtime"
	"time"

	"github.com/sqlmux/sqlmux/lib/util/errors"
)

const (
	MaxWorkerThreads   = 128
	MaxRebalanceWindow = 600
)

// Workers configures the routing worker runtime.
type Workers struct {
	// Threads is the number of routing workers. 0 means one per CPU.
	Threads int `yaml:"threads,omitempty" toml:"threads,omitempty" json:"threads,omitempty"`
	// RebalanceThreshold is the load difference in percent between the busiest and the idlest
	// worker that triggers a session move. 0 disables rebalancing.
	RebalanceThreshold int `yaml:"rebalance-threshold,omitempty" toml:"rebalance-threshold,omitempty" json:"rebalance-threshold,omitempty"`
	// RebalancePeriod is how often the load is sampled and compared.
	// 0 compares the one-second load only when asked explicitly.
	RebalancePeriod time.Duration `yaml:"rebalance-period,omitempty" toml:"rebalance-period,omitempty" json:"rebalance-period,omitempty"`
	// RebalanceWindow is the number of samples averaged.
	RebalanceWindow      int           `yaml:"rebalance-window,omitempty" toml:"rebalance-window,omitempty" json:"rebalance-window,omitempty"`
	TickInterval         time.Duration `yaml:"tick-interval,omitempty" toml:"tick-interval,omitempty" json:"tick-interval,omitempty"`
	PoolCheckInterval    time.Duration `yaml:"pool-check-interval,omitempty" toml:"pool-check-interval,omitempty" json:"pool-check-interval,omitempty"`
	ActivationInterval   time.Duration `yaml:"activation-interval,omitempty" toml:"activation-interval,omitempty" json:"activation-interval,omitempty"`
	TimeoutCheckInterval time.Duration `yaml:"timeout-check-interval,omitempty" toml:"timeout-check-interval,omitempty" json:"timeout-check-interval,omitempty"`
}

type QueryClassifier struct {
	// CacheSize is the global byte budget shared by the per-worker classification caches. 0 disables caching.
	CacheSize int64  `yaml:"cache-size,omitempty" toml:"cache-size,omitempty" json:"cache-size,omitempty"`
	Options   uint32 `yaml:"options,omitempty" toml:"options,omitempty" json:"options,omitempty"`
}

func DefaultWorkers() Workers {
	return Workers{
		RebalanceThreshold:   20,
		RebalanceWindow:      10,
		TickInterval:         100 * time.Millisecond,
		PoolCheckInterval:    time.Second,
		ActivationInterval:   5 * time.Second,
		TimeoutCheckInterval: 10 * time.Second,
	}
}

func DefaultQueryClassifier() QueryClassifier {
	return QueryClassifier{CacheSize: 64 * 1024 * 1024}
}

func (w *Workers) Check() error {
	if w.Threads == 0 {
		w.Threads = min(runtime.NumCPU(), MaxWorkerThreads)
	}
	if w.Threads < 0 || w.Threads > MaxWorkerThreads {
		return errors.Wrapf(ErrInvalidConfigValue, "threads must be between 1 and %d", MaxWorkerThreads)
	}
	if w.RebalanceThreshold < 0 || w.RebalanceThreshold > 100 {
		return errors.Wrapf(ErrInvalidConfigValue, "rebalance-threshold must be between 0 and 100")
	}
	if w.RebalancePeriod < 0 {
		return errors.Wrapf(ErrInvalidConfigValue, "rebalance-period must not be negative")
	}
	if w.RebalanceWindow == 0 {
		w.RebalanceWindow = 10
	}
	if w.RebalanceWindow < 1 || w.RebalanceWindow > MaxRebalanceWindow {
		return errors.Wrapf(ErrInvalidConfigValue, "rebalance-window must be between 1 and %d", MaxRebalanceWindow)
	}
	defaults := DefaultWorkers()
	for _, d := range []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&w.TickInterval, defaults.TickInterval},
		{&w.PoolCheckInterval, defaults.PoolCheckInterval},
		{&w.ActivationInterval, defaults.ActivationInterval},
		{&w.TimeoutCheckInterval, defaults.TimeoutCheckInterval},
	} {
		if *d.v < 0 {
			return errors.Wrapf(ErrInvalidConfigValue, "worker intervals must not be negative")
		}
		if *d.v == 0 {
			*d.v = d.def
		}
	}
	return nil
}

func (qc *QueryClassifier) Check() error {
	if qc.CacheSize < 0 {
		return errors.Wrapf(ErrInvalidConfigValue, "cache-size must not be negative")
	}
	return nil
}
