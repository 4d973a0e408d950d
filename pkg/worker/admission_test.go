// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestConnLimitAndActivation(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	w := r.Get(0)
	srv := newMockServer("limit", 2, 0)

	held := make([]BackendConnection, 0, 2)
	for range 2 {
		res, err := w.GetBackendConnection(srv, newMockSession(w), nil)
		require.NoError(t, err)
		require.False(t, res.ConnLimitReached)
		require.NotNil(t, res.Conn)
		held = append(held, res.Conn)
	}
	require.Equal(t, int64(2), srv.stats.NCurrentConns())

	before, err := readConnLimitCounter(srv.name)
	require.NoError(t, err)
	third := newMockSession(w)
	res, err := w.GetBackendConnection(srv, third, nil)
	require.NoError(t, err)
	require.True(t, res.ConnLimitReached)
	require.Nil(t, res.Conn)
	after, err := readConnLimitCounter(srv.name)
	require.NoError(t, err)
	require.Equal(t, before+1, after)

	ep := &mockEndpoint{srv: srv, session: third, w: w, waitStart: w.now()}
	w.AddConnWaitEntry(ep)
	require.Equal(t, 1, w.NWaiting())
	require.True(t, w.ConnToServerNeeded(srv))

	// A scan while the server is still saturated keeps the endpoint queued.
	w.ActivateWaitingEndpoints()
	require.Equal(t, 1, w.NWaiting())
	require.Nil(t, ep.conn)

	// Releasing a connection schedules a scan on the event loop.
	w.closeBackend(held[0].Descriptor(), srv)
	require.Nil(t, ep.conn)
	drain(w)
	require.NotNil(t, ep.conn)
	require.Zero(t, w.NWaiting())
	require.False(t, w.ConnToServerNeeded(srv))
	require.Equal(t, int64(2), srv.stats.NCurrentConns())
	require.Zero(t, srv.stats.NConnIntents())
}

func TestAdmissionExactInOneGoroutine(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	w := r.Get(0)
	srv := newMockServer("exact", 3, 0)
	succeeded := 0
	for range 5 {
		res, err := w.GetBackendConnection(srv, newMockSession(w), nil)
		require.NoError(t, err)
		if !res.ConnLimitReached {
			succeeded++
		}
	}
	require.Equal(t, 3, succeeded)
	require.Equal(t, int64(3), srv.stats.NCurrentConns())
	require.Zero(t, srv.stats.NConnIntents())
}

func TestAdmissionConcurrentBound(t *testing.T) {
	const (
		workers  = 4
		attempts = 50
		maxConns = 7
	)
	r := newTestRegistry(t, workers, nil)
	srv := newMockServer("concurrent", maxConns, 0)
	var succeeded atomic.Int64
	var wg sync.WaitGroup
	for i := range workers {
		w := r.Get(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range attempts {
				res, err := w.GetBackendConnection(srv, newMockSession(w), nil)
				if err == nil && !res.ConnLimitReached {
					succeeded.Inc()
				}
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, succeeded.Load(), int64(maxConns))
	require.Equal(t, succeeded.Load(), srv.stats.NCurrentConns())
	require.Zero(t, srv.stats.NConnIntents())
}

func TestCreateConnectionError(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	w := r.Get(0)
	srv := newMockServer("err", 1, 0)
	s := newMockSession(w)
	s.createErr = errMockConnect
	_, err := w.GetBackendConnection(srv, s, nil)
	require.ErrorIs(t, err, ErrCreateConnection)
	require.Zero(t, srv.stats.NCurrentConns())
	require.Zero(t, srv.stats.NConnIntents())

	// Without a limit the intent counter is not involved.
	srv = newMockServer("unlimited", 0, 0)
	_, err = w.GetBackendConnection(srv, s, nil)
	require.True(t, errors.Is(err, ErrCreateConnection))
}

func TestWaitQueueFIFO(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	w := r.Get(0)
	srv := newMockServer("fifo", 1, 0)

	res, err := w.GetBackendConnection(srv, newMockSession(w), nil)
	require.NoError(t, err)
	current := res.Conn

	var order []int
	eps := make([]*mockEndpoint, 0, 3)
	for i := range 3 {
		ep := &mockEndpoint{srv: srv, session: newMockSession(w), w: w, waitStart: w.now(), order: &order, idx: i}
		eps = append(eps, ep)
		w.AddConnWaitEntry(ep)
	}
	// Connections become available one at a time.
	for i := range 3 {
		w.closeBackend(current.Descriptor(), srv)
		drain(w)
		require.Equal(t, i+1, len(order))
		require.Equal(t, 2-i, w.NWaiting())
		current = eps[i].conn
		require.NotNil(t, current)
	}
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestActivationResults(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	w := r.Get(0)
	srv := newMockServer("results", 0, 0)
	var order []int
	failing := &mockEndpoint{srv: srv, session: newMockSession(w), w: w, results: []ContinueResult{ContinueFail}, order: &order, idx: 0}
	ok := &mockEndpoint{srv: srv, session: newMockSession(w), w: w, results: []ContinueResult{ContinueSuccess}, order: &order, idx: 1}
	waiting := &mockEndpoint{srv: srv, session: newMockSession(w), w: w, results: []ContinueResult{ContinueWait, ContinueSuccess}, order: &order, idx: 2}
	last := &mockEndpoint{srv: srv, session: newMockSession(w), w: w, results: []ContinueResult{ContinueSuccess}, order: &order, idx: 3}
	for _, ep := range []*mockEndpoint{failing, ok, waiting, last} {
		w.AddConnWaitEntry(ep)
	}

	w.ActivateWaitingEndpoints()
	require.Equal(t, 1, failing.failed)
	require.Equal(t, []int{1}, order)
	// The head waits, so the endpoint behind it is not tried.
	require.Equal(t, 2, w.NWaiting())

	w.ActivateWaitingEndpoints()
	require.Equal(t, []int{1, 2, 3}, order)
	require.Zero(t, w.NWaiting())
}

func TestTimeoutScan(t *testing.T) {
	clock := newMockClock()
	r := newTestRegistry(t, 1, clock)
	w := r.Get(0)
	srv := newMockServer("timeout", 1, 0)

	old := &mockEndpoint{srv: srv, session: newMockSession(w), w: w, waitStart: clock.Now()}
	w.AddConnWaitEntry(old)
	clock.Advance(40 * time.Second)
	young := &mockEndpoint{srv: srv, session: newMockSession(w), w: w, waitStart: clock.Now()}
	w.AddConnWaitEntry(young)

	before, err := readWaitTimeoutCounter(srv.name)
	require.NoError(t, err)
	w.FailTimedOutEndpoints()
	require.Zero(t, old.timedOut)
	require.Equal(t, 2, w.NWaiting())

	// old has waited 70s, young 30s, the timeout is one minute.
	clock.Advance(30 * time.Second)
	w.FailTimedOutEndpoints()
	require.Equal(t, 1, old.timedOut)
	require.Zero(t, young.timedOut)
	require.Equal(t, 1, w.NWaiting())
	after, err := readWaitTimeoutCounter(srv.name)
	require.NoError(t, err)
	require.Equal(t, before+1, after)

	clock.Advance(time.Minute)
	w.FailTimedOutEndpoints()
	require.Equal(t, 1, young.timedOut)
	require.Equal(t, 1, old.timedOut)
	require.Zero(t, w.NWaiting())
}

func TestEraseConnWaitEntry(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	w := r.Get(0)
	srv := newMockServer("erase", 1, 0)
	ep1 := &mockEndpoint{srv: srv, session: newMockSession(w), w: w}
	ep2 := &mockEndpoint{srv: srv, session: newMockSession(w), w: w}
	w.AddConnWaitEntry(ep1)
	w.AddConnWaitEntry(ep2)
	w.EraseConnWaitEntry(ep1)
	require.Equal(t, 1, w.NWaiting())
	require.True(t, w.ConnToServerNeeded(srv))
	w.EraseConnWaitEntry(ep1)
	require.Equal(t, 1, w.NWaiting())
	w.EraseConnWaitEntry(ep2)
	require.Zero(t, w.NWaiting())
	require.False(t, w.ConnToServerNeeded(srv))
}

func TestNotifyCoalesced(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	w := r.Get(0)
	srv := newMockServer("notify", 1, 0)
	w.AddConnWaitEntry(&mockEndpoint{srv: srv, session: newMockSession(w), w: w, results: []ContinueResult{ContinueWait}})
	for range 5 {
		w.NotifyConnectionAvailable(srv)
	}
	w.mu.Lock()
	require.Len(t, w.msgs, 1)
	w.mu.Unlock()
	drain(w)
	require.False(t, w.activationScheduled.Load())

	// The broadcast variant goes through the inbox of every worker.
	require.Equal(t, 1, r.BroadcastConnAvailable(srv))
	drain(w)
	w.mu.Lock()
	require.Len(t, w.msgs, 1)
	w.mu.Unlock()
}

func TestPoolReuse(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	w := r.Get(0)
	srv := newMockServer("reuse", 0, 4)

	s1 := newMockSession(w)
	res, err := w.GetBackendConnection(srv, s1, nil)
	require.NoError(t, err)
	conn := res.Conn.(*mockConn)
	w.AddDescriptor(conn.desc)
	conn.score = 5
	require.True(t, w.MoveToConnPool(conn))
	require.True(t, conn.pooled)
	_, tracked := w.descriptors[conn.desc.ID()]
	require.False(t, tracked)
	require.Equal(t, int64(1), w.PoolStats(srv.name).CurrSize)

	hits, err := readPoolCounter(srv.name, true)
	require.NoError(t, err)
	s2 := newMockSession(w)
	res, err = w.GetBackendConnection(srv, s2, nil)
	require.NoError(t, err)
	require.Same(t, conn, res.Conn)
	require.Equal(t, 1, conn.reused)
	require.Zero(t, s2.created)
	require.Contains(t, s2.BackendConnections(), BackendConnection(conn))
	require.Same(t, conn, conn.desc.Handler())
	_, tracked = w.descriptors[conn.desc.ID()]
	require.True(t, tracked)
	newHits, err := readPoolCounter(srv.name, true)
	require.NoError(t, err)
	require.Equal(t, hits+1, newHits)
	require.Equal(t, int64(1), srv.stats.NCurrentConns())
}

func TestPoolReuseFailure(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	w := r.Get(0)
	srv := newMockServer("reusefail", 0, 4)

	res, err := w.GetBackendConnection(srv, newMockSession(w), nil)
	require.NoError(t, err)
	conn := res.Conn.(*mockConn)
	w.AddDescriptor(conn.desc)
	conn.score = 5
	conn.reuseOK = false
	require.True(t, w.MoveToConnPool(conn))

	s2 := newMockSession(w)
	res, err = w.GetBackendConnection(srv, s2, nil)
	require.NoError(t, err)
	require.NotSame(t, conn, res.Conn)
	require.Equal(t, 1, s2.created)
	require.NotContains(t, s2.BackendConnections(), BackendConnection(conn))
	require.Equal(t, int64(1), srv.stats.NCurrentConns())
	w.deleteZombies()
	require.Equal(t, StateClosed, conn.desc.State())
}

func TestMoveToConnPoolConditions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(srv *mockServer, s *mockSession, c *mockConn)
	}{
		{"pooling disabled", func(srv *mockServer, _ *mockSession, _ *mockConn) { srv.poolMax.Store(0) }},
		{"hung up", func(_ *mockServer, _ *mockSession, c *mockConn) { c.desc.SetHungUp() }},
		{"not polling", func(_ *mockServer, _ *mockSession, c *mockConn) { c.desc.SetState(StateDisabled) }},
		{"not established", func(_ *mockServer, _ *mockSession, c *mockConn) { c.established = false }},
		{"session forbids", func(_ *mockServer, s *mockSession, _ *mockConn) { s.canPool = false }},
		{"server stopped", func(srv *mockServer, _ *mockSession, _ *mockConn) { srv.running.Store(false) }},
	}
	for _, test := range tests {
		r := newTestRegistry(t, 1, nil)
		w := r.Get(0)
		srv := newMockServer("cond", 0, 2)
		s := newMockSession(w)
		c := newMockConn(w, s, srv, 1)
		test.setup(srv, s, c)
		require.False(t, w.MoveToConnPool(c), test.name)
		require.False(t, c.pooled, test.name)
	}

	r := newTestRegistry(t, 1, nil)
	w := r.Get(0)
	srv := newMockServer("full", 0, 2)
	s := newMockSession(w)
	for range 2 {
		require.True(t, w.MoveToConnPool(newMockConn(w, s, srv, 1)))
	}
	require.False(t, w.MoveToConnPool(newMockConn(w, s, srv, 1)))
}

func TestPooledActivityEvicts(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	w := r.Get(0)
	srv := newMockServer("evict", 0, 2)
	s := newMockSession(w)
	c := newMockConn(w, s, srv, 1)
	srv.stats.AddConnection()
	require.True(t, w.MoveToConnPool(c))

	w.PostEvent(Event{Desc: c.desc, Kind: EventRead})
	drain(w)
	require.Zero(t, c.events)
	require.Zero(t, w.PoolStats(srv.name).CurrSize)
	require.Equal(t, StateClosed, c.desc.State())
	require.Zero(t, srv.stats.NCurrentConns())
}

func TestPoolAdmin(t *testing.T) {
	r := newTestRegistry(t, 2, nil)
	w := r.Get(0)
	down := newMockServer("down", 0, 8)
	up := newMockServer("up", 0, 8)
	s := newMockSession(w)
	for range 3 {
		require.True(t, w.MoveToConnPool(newMockConn(w, s, down, 1)))
		require.True(t, w.MoveToConnPool(newMockConn(w, s, up, 1)))
	}
	require.Equal(t, int64(3), r.PoolGetStats("up").CurrSize)

	down.down.Store(true)
	w.poolCloseExpired()
	require.Zero(t, w.PoolStats("down").CurrSize)
	require.Equal(t, int64(3), w.PoolStats("up").CurrSize)

	r.PoolSetSize("up", 2)
	w.poolCloseExpired()
	require.Equal(t, int64(1), r.PoolGetStats("up").CurrSize)
	require.Equal(t, int64(3), r.PoolGetStats("up").MaxSize)

	w.PoolCloseAllConnsByServer("up")
	require.Zero(t, r.PoolGetStats("up").CurrSize)
	require.Zero(t, r.PoolGetStats("up").MaxSize)
}

func TestPoolResizeFromZero(t *testing.T) {
	r := newTestRegistry(t, 2, nil)
	w := r.Get(1)
	srv := newMockServer("late", 0, 0)
	s := newMockSession(w)
	require.False(t, w.MoveToConnPool(newMockConn(w, s, srv, 1)))

	// The server reports the size set online, so pools created afterwards honor it.
	srv.poolMax.Store(2)
	r.PoolSetSize("late", 2)
	require.True(t, w.MoveToConnPool(newMockConn(w, s, srv, 1)))
	require.Equal(t, int64(1), r.PoolGetStats("late").CurrSize)
}
