// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/lib/util/logger"
	"go.uber.org/atomic"
)

type mockStats struct {
	conns   atomic.Int64
	intents atomic.Int64
}

func (s *mockStats) AddConnection()       { s.conns.Inc() }
func (s *mockStats) RemoveConnection()    { s.conns.Dec() }
func (s *mockStats) AddConnIntent() int64 { return s.intents.Inc() }
func (s *mockStats) RemoveConnIntent()    { s.intents.Dec() }
func (s *mockStats) NCurrentConns() int64 { return s.conns.Load() }
func (s *mockStats) NConnIntents() int64  { return s.intents.Load() }

type mockServer struct {
	name     string
	running  atomic.Bool
	down     atomic.Bool
	maxConns int64
	poolMax  atomic.Int64
	maxAge   time.Duration
	stats    mockStats
}

func newMockServer(name string, maxConns, poolMax int64) *mockServer {
	srv := &mockServer{name: name, maxConns: maxConns}
	srv.poolMax.Store(poolMax)
	srv.running.Store(true)
	return srv
}

func (s *mockServer) Name() string                  { return s.name }
func (s *mockServer) IsRunning() bool               { return s.running.Load() }
func (s *mockServer) IsDown() bool                  { return s.down.Load() }
func (s *mockServer) MaxRoutingConnections() int64  { return s.maxConns }
func (s *mockServer) PersistentConnsEnabled() bool  { return s.poolMax.Load() > 0 }
func (s *mockServer) PersistPoolMax() int64         { return s.poolMax.Load() }
func (s *mockServer) PersistMaxTime() time.Duration { return s.maxAge }
func (s *mockServer) Stats() ConnStats              { return &s.stats }

type mockDescriptor struct {
	*DescriptorBase
	closed atomic.Int32
}

func newMockDescriptor(role Role, s Session, owner *Worker) *mockDescriptor {
	d := &mockDescriptor{DescriptorBase: NewDescriptorBase(role, s, owner, nil)}
	d.SetState(StatePolling)
	return d
}

func (d *mockDescriptor) EnableEvents() error {
	d.SetState(StatePolling)
	return nil
}

func (d *mockDescriptor) DisableEvents() error {
	d.SetState(StateDisabled)
	return nil
}

func (d *mockDescriptor) Shutdown() {}

func (d *mockDescriptor) Close() error {
	d.SetState(StateClosed)
	d.closed.Inc()
	return nil
}

type mockConn struct {
	desc        *mockDescriptor
	srv         *mockServer
	score       ReuseScore
	reuseOK     bool
	canClose    bool
	established bool
	pooled      bool
	reused      int
	events      int
}

func newMockConn(w *Worker, s Session, srv *mockServer, score ReuseScore) *mockConn {
	c := &mockConn{srv: srv, score: score, reuseOK: true, canClose: true, established: true}
	c.desc = newMockDescriptor(RoleBackend, s, w)
	c.desc.SetHandler(c)
	return c
}

func (c *mockConn) ReadyForReading(Descriptor)            { c.events++ }
func (c *mockConn) WriteReady(Descriptor)                 { c.events++ }
func (c *mockConn) Error(Descriptor)                      { c.events++ }
func (c *mockConn) Hangup(Descriptor)                     { c.events++ }
func (c *mockConn) Descriptor() Descriptor                { return c.desc }
func (c *mockConn) Server() Server                        { return c.srv }
func (c *mockConn) CanReuse(Session) ReuseScore           { return c.score }
func (c *mockConn) Ping()                                 {}
func (c *mockConn) CanClose() bool                        { return c.canClose }
func (c *mockConn) Established() bool                     { return c.established }
func (c *mockConn) SetToPooled()                          { c.pooled = true }
func (c *mockConn) Reuse(Session, Upstream, ReuseScore) bool {
	c.reused++
	c.pooled = false
	return c.reuseOK
}

type mockSession struct {
	id        uint64
	client    *mockDescriptor
	mu        sync.Mutex
	backends  []BackendConnection
	movable   bool
	canPool   bool
	activity  uint64
	timeout   time.Duration
	createErr error
	created   int
	killed    atomic.Int32
	moved     atomic.Int32
	ticks     atomic.Int32
	owner     atomic.Pointer[Worker]
	size      int64
}

var sessionID atomic.Uint64

func newMockSession(w *Worker) *mockSession {
	s := &mockSession{id: sessionID.Inc(), movable: true, canPool: true, timeout: time.Minute}
	s.client = newMockDescriptor(RoleClient, s, w)
	s.owner.Store(w)
	return s
}

func (s *mockSession) ID() uint64                   { return s.id }
func (s *mockSession) ClientDescriptor() Descriptor { return s.client }
func (s *mockSession) BackendConnections() []BackendConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BackendConnection(nil), s.backends...)
}

func (s *mockSession) CreateBackendConnection(srv Server, w *Worker, _ Upstream) (BackendConnection, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created++
	c := newMockConn(w, s, srv.(*mockServer), ReuseNotPossible)
	s.LinkBackendConnection(c)
	return c, nil
}

func (s *mockSession) LinkBackendConnection(c BackendConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends = append(s.backends, c)
}

func (s *mockSession) UnlinkBackendConnection(c BackendConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.backends {
		if b == c {
			s.backends = append(s.backends[:i], s.backends[i+1:]...)
			return
		}
	}
}

func (s *mockSession) CanPoolBackends() bool           { return s.canPool }
func (s *mockSession) IsMovable() bool                 { return s.movable }
func (s *mockSession) IOActivity() uint64              { return s.activity }
func (s *mockSession) MultiplexTimeout() time.Duration { return s.timeout }
func (s *mockSession) Tick(time.Duration)              { s.ticks.Inc() }
func (s *mockSession) RuntimeSize() int64              { return s.size }

func (s *mockSession) MoveTo(w *Worker) bool {
	s.moved.Inc()
	return true
}

func (s *mockSession) OnMoved(w *Worker) {
	s.owner.Store(w)
}

// Kill closes the session on its owner like a protocol module would.
func (s *mockSession) Kill() {
	s.killed.Inc()
	w := s.owner.Load()
	w.DeregisterSession(s.id)
	w.CloseDescriptor(s.client)
}

type mockEndpoint struct {
	srv       *mockServer
	session   *mockSession
	w         *Worker
	waitStart time.Time
	results   []ContinueResult
	order     *[]int
	idx       int
	failed    int
	timedOut  int
	conn      BackendConnection
}

func (e *mockEndpoint) Server() Server           { return e.srv }
func (e *mockEndpoint) Session() Session         { return e.session }
func (e *mockEndpoint) ConnWaitStart() time.Time { return e.waitStart }
func (e *mockEndpoint) HandleFailedContinue()    { e.failed++ }
func (e *mockEndpoint) HandleTimedOutContinue()  { e.timedOut++ }

// ContinueConnecting returns the scripted results, or asks the worker for a connection.
func (e *mockEndpoint) ContinueConnecting() ContinueResult {
	if len(e.results) > 0 {
		res := e.results[0]
		e.results = e.results[1:]
		if res == ContinueSuccess && e.order != nil {
			*e.order = append(*e.order, e.idx)
		}
		return res
	}
	res, err := e.w.GetBackendConnection(e.srv, e.session, nil)
	if err != nil {
		return ContinueFail
	}
	if res.ConnLimitReached {
		return ContinueWait
	}
	e.conn = res.Conn
	if e.order != nil {
		*e.order = append(*e.order, e.idx)
	}
	return ContinueSuccess
}

type mockHook struct {
	initErr  error
	inits    atomic.Int32
	finishes atomic.Int32
}

func (h *mockHook) ThreadInit(*Worker) error {
	h.inits.Inc()
	return h.initErr
}

func (h *mockHook) ThreadFinish(*Worker) {
	h.finishes.Inc()
}

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Now()}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestRegistry creates workers that are not started, so tests drive them on the test goroutine.
func newTestRegistry(t *testing.T, threads int, clock *mockClock, hooks ...ThreadHook) *Registry {
	lg, _ := logger.CreateLoggerForTest(t)
	opts := Options{Threads: threads, TickInterval: 10 * time.Millisecond}
	if clock != nil {
		opts.Now = clock.Now
	}
	return NewRegistry(lg, opts, nil, hooks...)
}

// drain handles the queued messages and events of an unstarted worker.
func drain(w *Worker) {
	w.tick(nil)
}

var errMockConnect = errors.New("mock connect failure")
