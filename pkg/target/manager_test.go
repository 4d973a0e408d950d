// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package target

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sqlmux/sqlmux/lib/config"
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/lib/util/logger"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *mockHealthCheck, *mockObserver) {
	lg, _ := logger.CreateLoggerForTest(t)
	hc := newMockHealthCheck()
	m := NewManager(lg, hc)
	o := &mockObserver{}
	m.SetObserver(o)
	t.Cleanup(m.Close)
	return m, hc, o
}

func TestManagerUpdate(t *testing.T) {
	m, _, o := newTestManager(t)
	m.Update([]config.Server{
		{Name: "b", Addr: "127.0.0.1:2", PersistPoolMax: 1},
		{Name: "a", Addr: "127.0.0.1:1"},
	})
	targets := m.Targets()
	require.Len(t, targets, 2)
	require.Equal(t, "a", targets[0].Name())
	require.Equal(t, "b", targets[1].Name())
	b := targets[1]
	b.Stats().AddConnection()

	m.Update([]config.Server{
		{Name: "b", Addr: "127.0.0.1:2", PersistPoolMax: 5},
	})
	require.Equal(t, []string{"b"}, o.poolChanged)
	require.Equal(t, []string{"a"}, o.removed)
	_, ok := m.Get("a")
	require.False(t, ok)
	// Updated in place.
	got, ok := m.Get("b")
	require.True(t, ok)
	require.Same(t, b, got)
	require.EqualValues(t, 1, got.Stats().NCurrentConns())
	require.True(t, targets[0].IsDown())
}

func TestManagerSetStatus(t *testing.T) {
	m, _, o := newTestManager(t)
	m.Update([]config.Server{{Name: "a", Addr: "127.0.0.1:1"}})
	require.ErrorIs(t, m.SetStatus("x", StatusDown), ErrNoSuchTarget)
	require.NoError(t, m.SetStatus("a", StatusMaintenance))
	require.Empty(t, o.ups())
	require.NoError(t, m.SetStatus("a", StatusRunning))
	require.Equal(t, []string{"a"}, o.ups())
	// No change, no notification.
	require.NoError(t, m.SetStatus("a", StatusRunning))
	require.Len(t, o.ups(), 1)
}

func TestCheckHealth(t *testing.T) {
	m, hc, o := newTestManager(t)
	m.Update([]config.Server{
		{Name: "a", Addr: "127.0.0.1:1"},
		{Name: "b", Addr: "127.0.0.1:2"},
		{Name: "c", Addr: "127.0.0.1:3"},
	})
	require.NoError(t, m.SetStatus("c", StatusMaintenance))
	hc.setErr("a", errors.New("mock dial error"))
	ctx := context.Background()
	m.CheckHealth(ctx)
	a, _ := m.Get("a")
	b, _ := m.Get("b")
	c, _ := m.Get("c")
	require.True(t, a.IsDown())
	require.True(t, b.IsRunning())
	require.Equal(t, StatusMaintenance, c.Status())
	require.Zero(t, hc.nChecks("c"))

	hc.setErr("a", nil)
	m.CheckHealth(ctx)
	require.True(t, a.IsRunning())
	require.Equal(t, []string{"a"}, o.ups())
}

func TestManagerWatchConfig(t *testing.T) {
	m, hc, _ := newTestManager(t)
	cfg := config.NewConfig()
	cfg.HealthCheck.Interval = 10 * time.Millisecond
	cfg.Servers = []config.Server{{Name: "a", Addr: "127.0.0.1:1"}}
	cfgCh := make(chan *config.Config, 1)
	m.Init(context.Background(), cfg, cfgCh)
	_, ok := m.Get("a")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return hc.nChecks("a") > 0
	}, 3*time.Second, 10*time.Millisecond)

	newCfg := cfg.Clone()
	newCfg.Servers = append(newCfg.Servers, config.Server{Name: "b", Addr: "127.0.0.1:2"})
	cfgCh <- newCfg
	require.Eventually(t, func() bool {
		_, ok := m.Get("b")
		return ok
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDefaultHealthCheck(t *testing.T) {
	lg, _ := logger.CreateLoggerForTest(t)
	cfg := config.DefaultHealthCheck()
	cfg.MaxRetries = 1
	cfg.RetryInterval = 10 * time.Millisecond
	hc := NewDefaultHealthCheck(cfg, lg)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	addr := l.Addr().String()
	require.NoError(t, hc.Check(context.Background(), "up", addr))
	require.NoError(t, l.Close())
	require.Error(t, hc.Check(context.Background(), "down", addr))

	cfg.Enable = false
	hc.SetConfig(cfg)
	require.NoError(t, hc.Check(context.Background(), "down", addr))
}
