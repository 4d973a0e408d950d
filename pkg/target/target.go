// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package target

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sqlmux/sqlmux/lib/config"
	"github.com/sqlmux/sqlmux/pkg/metrics"
	"github.com/sqlmux/sqlmux/pkg/worker"
	"go.uber.org/atomic"
)

type Status int32

const (
	StatusRunning Status = iota
	// StatusMaintenance accepts no new connections, but the health check leaves it alone.
	StatusMaintenance
	StatusDown
)

var statusNames = []string{"running", "maintenance", "down"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (Status, bool) {
	for i, name := range statusNames {
		if name == s {
			return Status(i), true
		}
	}
	return 0, false
}

var _ worker.ConnStats = (*connStats)(nil)

// connStats is shared by all workers, so every counter is atomic.
type connStats struct {
	conns   atomic.Int64
	intents atomic.Int64
	gauge   prometheus.Gauge
}

func (s *connStats) AddConnection() {
	s.conns.Inc()
	s.gauge.Inc()
}

func (s *connStats) RemoveConnection() {
	s.conns.Dec()
	s.gauge.Dec()
}

func (s *connStats) AddConnIntent() int64 {
	return s.intents.Inc()
}

func (s *connStats) RemoveConnIntent() {
	s.intents.Dec()
}

func (s *connStats) NCurrentConns() int64 {
	return s.conns.Load()
}

func (s *connStats) NConnIntents() int64 {
	return s.intents.Load()
}

var _ worker.Server = (*Target)(nil)

// Target is a backend server built from a [[servers]] section. The settings can
// change online and are read by all workers concurrently.
type Target struct {
	name          string
	addr          atomic.String
	maxConns      atomic.Int64
	poolMax       atomic.Int64
	cfgPoolMax    atomic.Int64
	maxAge        atomic.Duration
	proxyProtocol atomic.Bool
	status        atomic.Int32
	stats         connStats
}

func NewTarget(cfg config.Server) *Target {
	t := &Target{name: cfg.Name}
	t.stats.gauge = metrics.TargetConnGauge.WithLabelValues(cfg.Name)
	t.update(cfg)
	t.setStatusMetrics(StatusRunning)
	return t
}

// update returns true if the effective pool size changed.
func (t *Target) update(cfg config.Server) bool {
	t.addr.Store(cfg.Addr)
	t.maxConns.Store(cfg.MaxRoutingConnections)
	t.maxAge.Store(cfg.PersistMaxTime)
	t.proxyProtocol.Store(cfg.ProxyProtocol)
	if t.cfgPoolMax.Swap(cfg.PersistPoolMax) == cfg.PersistPoolMax {
		return false
	}
	// A new configured size replaces any size set online.
	return t.poolMax.Swap(cfg.PersistPoolMax) != cfg.PersistPoolMax
}

// SetPersistPoolMax overrides the configured pool size until the configured size changes.
func (t *Target) SetPersistPoolMax(size int64) {
	t.poolMax.Store(size)
}

func (t *Target) Name() string {
	return t.name
}

func (t *Target) Addr() string {
	return t.addr.Load()
}

func (t *Target) Status() Status {
	return Status(t.status.Load())
}

// SetStatus returns the previous status.
func (t *Target) SetStatus(s Status) Status {
	prev := Status(t.status.Swap(int32(s)))
	if prev != s {
		t.setStatusMetrics(s)
	}
	return prev
}

func (t *Target) setStatusMetrics(s Status) {
	for i, name := range statusNames {
		val := 0.0
		if Status(i) == s {
			val = 1
		}
		metrics.TargetStatusGauge.WithLabelValues(t.name, name).Set(val)
	}
}

func (t *Target) IsRunning() bool {
	return t.Status() == StatusRunning
}

func (t *Target) IsDown() bool {
	return t.Status() == StatusDown
}

func (t *Target) MaxRoutingConnections() int64 {
	return t.maxConns.Load()
}

func (t *Target) PersistentConnsEnabled() bool {
	return t.poolMax.Load() > 0
}

func (t *Target) PersistPoolMax() int64 {
	return t.poolMax.Load()
}

func (t *Target) PersistMaxTime() time.Duration {
	return t.maxAge.Load()
}

// ProxyProtocol reports whether new connections start with a PROXY header.
func (t *Target) ProxyProtocol() bool {
	return t.proxyProtocol.Load()
}

func (t *Target) Stats() worker.ConnStats {
	return &t.stats
}

// Info is the JSON view of a target.
type Info struct {
	Name                  string        `json:"name"`
	Addr                  string        `json:"addr"`
	Status                string        `json:"status"`
	Connections           int64         `json:"connections"`
	ConnIntents           int64         `json:"connection_intents"`
	MaxRoutingConnections int64         `json:"max_routing_connections"`
	PersistPoolMax        int64         `json:"persist_pool_max"`
	PersistMaxTime        time.Duration `json:"persist_max_time"`
}

func (t *Target) Info() Info {
	return Info{
		Name:                  t.name,
		Addr:                  t.Addr(),
		Status:                t.Status().String(),
		Connections:           t.stats.NCurrentConns(),
		ConnIntents:           t.stats.NConnIntents(),
		MaxRoutingConnections: t.MaxRoutingConnections(),
		PersistPoolMax:        t.PersistPoolMax(),
		PersistMaxTime:        t.PersistMaxTime(),
	}
}
