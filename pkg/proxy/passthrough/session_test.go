// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/sqlmux/sqlmux/lib/config"
	"github.com/sqlmux/sqlmux/pkg/metrics"
	"github.com/sqlmux/sqlmux/pkg/proxy/proxyprotocol"
	"github.com/sqlmux/sqlmux/pkg/target"
	"github.com/stretchr/testify/require"
)

func TestForward(t *testing.T) {
	be := newMockBackend(t, false, echo)
	tgt := newTestTarget("forward", be.addr(), 0, 0)
	h, r, addr := startProxy(t, Config{}, testOptions(2), tgt)

	conn := dialProxy(t, addr)
	roundTrip(t, conn, "hello")
	roundTrip(t, conn, "world")
	require.EqualValues(t, 1, h.NSessions())
	require.EqualValues(t, 1, tgt.Stats().NCurrentConns())
	total := 0
	for _, w := range r.Workers() {
		total += w.NSessions()
	}
	require.Equal(t, 1, total)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return h.NSessions() == 0 && tgt.Stats().NCurrentConns() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, be.accepts.Load())
}

func TestBackendClosesSession(t *testing.T) {
	be := newMockBackend(t, false, func(conn net.Conn) {
		buf := make([]byte, 4)
		_, _ = conn.Read(buf)
	})
	tgt := newTestTarget("closing", be.addr(), 0, 0)
	h, _, addr := startProxy(t, Config{}, testOptions(1), tgt)

	conn := dialProxy(t, addr)
	_, err := conn.Write([]byte("quit"))
	require.NoError(t, err)
	expectClosed(t, conn)
	require.Eventually(t, func() bool {
		return h.NSessions() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNoRunningTarget(t *testing.T) {
	tgt := newTestTarget("maintained", "127.0.0.1:1", 0, 0)
	tgt.SetStatus(target.StatusMaintenance)
	h, _, addr := startProxy(t, Config{}, testOptions(1), tgt)
	conn := dialProxy(t, addr)
	expectClosed(t, conn)
	require.Eventually(t, func() bool {
		return h.NSessions() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	unused := l.Addr().String()
	require.NoError(t, l.Close())

	tgt := newTestTarget("refused", unused, 0, 0)
	cfg := Config{DialTimeout: 50 * time.Millisecond, ConnectTimeout: 200 * time.Millisecond}
	h, _, addr := startProxy(t, cfg, testOptions(1), tgt)
	conn := dialProxy(t, addr)
	expectClosed(t, conn)
	require.Eventually(t, func() bool {
		return h.NSessions() == 0 && tgt.Stats().NCurrentConns() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConnLimitWait(t *testing.T) {
	be := newMockBackend(t, false, echo)
	tgt := newTestTarget("limited", be.addr(), 1, 0)
	_, r, addr := startProxy(t, Config{}, testOptions(2), tgt)

	first := dialProxy(t, addr)
	roundTrip(t, first, "first")
	second := dialProxy(t, addr)
	_, err := second.Write([]byte("second"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		waiting := 0
		for _, w := range r.Workers() {
			waiting += w.NWaiting()
		}
		return waiting == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The queued session gets the connection released by the first one.
	require.NoError(t, first.Close())
	expectReply(t, second, "second")
	require.EqualValues(t, 2, be.accepts.Load())
	require.EqualValues(t, 1, tgt.Stats().NCurrentConns())
}

func TestConnWaitTimeout(t *testing.T) {
	be := newMockBackend(t, false, echo)
	tgt := newTestTarget("timeout", be.addr(), 1, 0)
	_, _, addr := startProxy(t, Config{MultiplexTimeout: 50 * time.Millisecond}, testOptions(1), tgt)

	first := dialProxy(t, addr)
	roundTrip(t, first, "first")
	second := dialProxy(t, addr)
	expectClosed(t, second)
	// The first session is untouched.
	roundTrip(t, first, "again")
}

func TestPoolReuse(t *testing.T) {
	be := newMockBackend(t, false, echo)
	tgt := newTestTarget("pooled", be.addr(), 0, 4)
	_, r, addr := startProxy(t, Config{}, testOptions(1), tgt)

	first := dialProxy(t, addr)
	roundTrip(t, first, "first")
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		return r.PoolGetStats("pooled").CurrSize == 1
	}, 5*time.Second, 10*time.Millisecond)
	// A pooled connection still counts.
	require.EqualValues(t, 1, tgt.Stats().NCurrentConns())

	second := dialProxy(t, addr)
	roundTrip(t, second, "second")
	require.EqualValues(t, 1, be.accepts.Load())
	stats := r.PoolGetStats("pooled")
	require.EqualValues(t, 1, stats.TimesFound)
	require.Zero(t, stats.CurrSize)
}

func TestProxyProtocolHeader(t *testing.T) {
	peers := make(chan string, 1)
	be := newMockBackend(t, true, func(conn net.Conn) {
		buf := make([]byte, 1)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		peers <- conn.RemoteAddr().String()
		_, _ = conn.Write(buf)
	})
	tgt := target.NewTarget(config.Server{Name: "proxied", Addr: be.addr(), ProxyProtocol: true})
	_, _, addr := startProxy(t, Config{}, testOptions(1), tgt)

	conn := dialProxy(t, addr)
	roundTrip(t, conn, "p")
	select {
	case peer := <-peers:
		require.Equal(t, conn.LocalAddr().String(), peer)
	case <-time.After(5 * time.Second):
		t.Fatal("backend got no connection")
	}
}

func TestProxyProtocolClient(t *testing.T) {
	peers := make(chan string, 1)
	be := newMockBackend(t, true, func(conn net.Conn) {
		buf := make([]byte, len("forwarded"))
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		peers <- conn.RemoteAddr().String()
		_, _ = conn.Write(buf)
	})
	tgt := target.NewTarget(config.Server{Name: "forwarded", Addr: be.addr(), ProxyProtocol: true})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, _, addr := startProxyOn(t, proxyprotocol.NewListener(l), Config{}, testOptions(1), tgt)

	conn := dialProxy(t, addr)
	src, err := net.ResolveTCPAddr("tcp", "10.0.0.1:5000")
	require.NoError(t, err)
	_, err = proxyprotocol.NewHeader(src, conn.RemoteAddr()).WriteTo(conn)
	require.NoError(t, err)
	roundTrip(t, conn, "forwarded")
	select {
	case peer := <-peers:
		require.Equal(t, src.String(), peer)
	case <-time.After(5 * time.Second):
		t.Fatal("backend got no connection")
	}
}

func TestIdleTimeout(t *testing.T) {
	be := newMockBackend(t, false, echo)
	tgt := newTestTarget("idle", be.addr(), 0, 0)
	h, _, addr := startProxy(t, Config{IdleTimeout: 100 * time.Millisecond}, testOptions(1), tgt)

	conn := dialProxy(t, addr)
	roundTrip(t, conn, "ping")
	expectClosed(t, conn)
	require.Eventually(t, func() bool {
		return h.NSessions() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClassifyStatements(t *testing.T) {
	be := newMockBackend(t, false, echo)
	tgt := newTestTarget("classify", be.addr(), 0, 0)
	_, r, addr := startProxy(t, Config{}, testOptions(1), tgt)

	before, err := metrics.ReadCounter(metrics.StatementCounter.WithLabelValues("read"))
	require.NoError(t, err)
	conn := dialProxy(t, addr)
	for _, sql := range []string{"select 1", "select 2"} {
		roundTrip(t, conn, string(mysqlPacket(comQuery, sql)))
	}
	after, err := metrics.ReadCounter(metrics.StatementCounter.WithLabelValues("read"))
	require.NoError(t, err)
	require.Equal(t, before+2, after)

	// Both statements share one canonical form.
	stats := r.QCStats(t.Context())
	require.EqualValues(t, 1, stats[0].Inserts)
	require.EqualValues(t, 1, stats[0].Hits)
}

func TestSessionRebalance(t *testing.T) {
	be := newMockBackend(t, false, echo)
	tgt := newTestTarget("moved", be.addr(), 0, 0)
	_, r, addr := startProxy(t, Config{}, testOptions(2), tgt)

	conn := dialProxy(t, addr)
	roundTrip(t, conn, "before")
	from := 0
	if r.Get(1).NSessions() == 1 {
		from = 1
	}
	require.NoError(t, r.RebalanceWorker(from, 1-from, 1))
	require.Eventually(t, func() bool {
		return r.Get(1-from).NSessions() == 1 && r.Get(from).NSessions() == 0
	}, 5*time.Second, 10*time.Millisecond)
	roundTrip(t, conn, "after")
}

func TestCloseWithPendingSessions(t *testing.T) {
	be := newMockBackend(t, false, echo)
	tgt := newTestTarget("shutdown", be.addr(), 0, 0)
	h, r, addr := startProxy(t, Config{}, testOptions(2), tgt)
	conns := make([]net.Conn, 0, 4)
	for range 4 {
		conn := dialProxy(t, addr)
		roundTrip(t, conn, "x")
		conns = append(conns, conn)
	}
	require.EqualValues(t, 4, h.NSessions())
	r.StartShutdown()
	for _, conn := range conns {
		expectClosed(t, conn)
	}
	require.Eventually(t, func() bool {
		return h.NSessions() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
