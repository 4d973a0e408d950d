// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"github.com/sqlmux/sqlmux/lib/util/errors"
)

// HealthCheck configures how server targets are probed.
type HealthCheck struct {
	Enable        bool          `yaml:"enable,omitempty" toml:"enable,omitempty" json:"enable,omitempty"`
	Interval      time.Duration `yaml:"interval,omitempty" toml:"interval,omitempty" json:"interval,omitempty"`
	MaxRetries    int           `yaml:"max-retries,omitempty" toml:"max-retries,omitempty" json:"max-retries,omitempty"`
	RetryInterval time.Duration `yaml:"retry-interval,omitempty" toml:"retry-interval,omitempty" json:"retry-interval,omitempty"`
	DialTimeout   time.Duration `yaml:"dial-timeout,omitempty" toml:"dial-timeout,omitempty" json:"dial-timeout,omitempty"`
}

func DefaultHealthCheck() HealthCheck {
	return HealthCheck{
		Enable:        true,
		Interval:      3 * time.Second,
		MaxRetries:    3,
		RetryInterval: time.Second,
		DialTimeout:   time.Second,
	}
}

func (hc *HealthCheck) Check() error {
	if hc.Interval < 0 || hc.RetryInterval < 0 || hc.DialTimeout < 0 || hc.MaxRetries < 0 {
		return errors.Wrapf(ErrInvalidConfigValue, "health-check values must not be negative")
	}
	def := DefaultHealthCheck()
	if hc.Interval == 0 {
		hc.Interval = def.Interval
	}
	if hc.RetryInterval == 0 {
		hc.RetryInterval = def.RetryInterval
	}
	if hc.DialTimeout == 0 {
		hc.DialTimeout = def.DialTimeout
	}
	return nil
}
