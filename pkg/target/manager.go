// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package target

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sqlmux/sqlmux/lib/config"
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/lib/util/waitgroup"
	"go.uber.org/zap"
)

var (
	ErrNoSuchTarget = errors.New("no such target")
)

// Observer is told about target changes that the workers need to react to.
// Callbacks run outside the manager lock.
type Observer interface {
	// OnPoolSizeChanged is called when persist-pool-max changed.
	OnPoolSizeChanged(t *Target)
	// OnTargetUp is called when a target that was not running becomes running.
	OnTargetUp(t *Target)
	// OnTargetRemoved is called after a target is removed from the config.
	OnTargetRemoved(t *Target)
}

// Manager owns the server targets. Targets are created from the config, updated
// online and probed periodically.
type Manager struct {
	lg       *zap.Logger
	hc       HealthCheck
	wg       waitgroup.WaitGroup
	cancel   context.CancelFunc
	observer Observer

	mu      sync.RWMutex
	targets map[string]*Target
}

// NewManager creates a manager. If hc is nil, the server ports are dialed.
func NewManager(lg *zap.Logger, hc HealthCheck) *Manager {
	m := &Manager{
		lg:      lg,
		targets: make(map[string]*Target),
	}
	if hc == nil {
		hc = NewDefaultHealthCheck(config.DefaultHealthCheck(), lg.Named("hc"))
	}
	m.hc = hc
	return m
}

// SetObserver must be called before Init.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

// Init creates the targets and starts the health check and config loops.
func (m *Manager) Init(ctx context.Context, cfg *config.Config, cfgCh <-chan *config.Config) {
	m.setHealthCheckConfig(cfg.HealthCheck)
	m.Update(cfg.Servers)

	ctx, m.cancel = context.WithCancel(ctx)
	interval := cfg.HealthCheck.Interval
	if interval <= 0 {
		interval = config.DefaultHealthCheck().Interval
	}
	m.wg.RunWithRecover(func() {
		m.run(ctx, interval, cfgCh)
	}, nil, m.lg)
}

func (m *Manager) setHealthCheckConfig(cfg config.HealthCheck) {
	if c, ok := m.hc.(configurable); ok {
		c.SetConfig(cfg)
	}
}

func (m *Manager) run(ctx context.Context, interval time.Duration, cfgCh <-chan *config.Config) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-cfgCh:
			if !ok {
				cfgCh = nil
				continue
			}
			m.setHealthCheckConfig(cfg.HealthCheck)
			if cfg.HealthCheck.Interval != interval && cfg.HealthCheck.Interval > 0 {
				interval = cfg.HealthCheck.Interval
				ticker.Reset(interval)
			}
			m.Update(cfg.Servers)
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// Update applies a new servers section. Existing targets keep their status and statistics.
func (m *Manager) Update(servers []config.Server) {
	var poolChanged, removed []*Target
	m.mu.Lock()
	names := make(map[string]struct{}, len(servers))
	for _, cfg := range servers {
		names[cfg.Name] = struct{}{}
		if t, ok := m.targets[cfg.Name]; ok {
			if t.update(cfg) {
				poolChanged = append(poolChanged, t)
			}
			continue
		}
		m.targets[cfg.Name] = NewTarget(cfg)
		m.lg.Info("add server", zap.String("server", cfg.Name), zap.String("addr", cfg.Addr))
	}
	for name, t := range m.targets {
		if _, ok := names[name]; !ok {
			// Workers still holding the target purge its pools once it's down.
			t.SetStatus(StatusDown)
			delete(m.targets, name)
			removed = append(removed, t)
			m.lg.Info("remove server", zap.String("server", name))
		}
	}
	m.mu.Unlock()

	if m.observer == nil {
		return
	}
	for _, t := range poolChanged {
		m.observer.OnPoolSizeChanged(t)
	}
	for _, t := range removed {
		m.observer.OnTargetRemoved(t)
	}
}

func (m *Manager) Get(name string) (*Target, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[name]
	return t, ok
}

// Targets returns all targets sorted by name.
func (m *Manager) Targets() []*Target {
	m.mu.RLock()
	targets := make([]*Target, 0, len(m.targets))
	for _, t := range m.targets {
		targets = append(targets, t)
	}
	m.mu.RUnlock()
	slices.SortFunc(targets, func(a, b *Target) int {
		return strings.Compare(a.name, b.name)
	})
	return targets
}

// SetStatus changes the status of a target by hand.
func (m *Manager) SetStatus(name string, s Status) error {
	t, ok := m.Get(name)
	if !ok {
		return errors.Wrapf(ErrNoSuchTarget, "%s", name)
	}
	m.setStatus(t, s)
	return nil
}

func (m *Manager) setStatus(t *Target, s Status) {
	prev := t.SetStatus(s)
	if prev == s {
		return
	}
	m.lg.Info("update server status", zap.String("server", t.name), zap.Stringer("from", prev), zap.Stringer("to", s))
	if s == StatusRunning && m.observer != nil {
		m.observer.OnTargetUp(t)
	}
}

// CheckHealth probes all targets concurrently. Targets in maintenance are skipped.
func (m *Manager) CheckHealth(ctx context.Context) {
	var wg waitgroup.WaitGroup
	for _, t := range m.Targets() {
		if t.Status() == StatusMaintenance {
			continue
		}
		wg.RunWithRecover(func() {
			err := m.hc.Check(ctx, t.name, t.Addr())
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if t.Status() == StatusRunning {
					m.lg.Warn("server is unhealthy", zap.String("server", t.name), zap.Error(err))
				}
				m.setStatus(t, StatusDown)
				return
			}
			m.setStatus(t, StatusRunning)
		}, nil, m.lg)
	}
	wg.Wait()
}

func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
