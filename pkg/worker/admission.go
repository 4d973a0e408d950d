// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	glist "github.com/bahlo/generic-list-go"
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"go.uber.org/zap"
)

var ErrCreateConnection = errors.New("failed to create backend connection")

// ConnectionResult is the outcome of GetBackendConnection. A reached limit is not an error:
// the caller should queue its endpoint with AddConnWaitEntry.
type ConnectionResult struct {
	ConnLimitReached bool
	Conn             BackendConnection
}

// GetBackendConnection returns a pooled connection if one suits s, otherwise opens a new one
// unless the connection limit of srv is reached.
//
// The limit is checked against process-wide counters that other workers update concurrently,
// so a small transient overshoot is possible.
func (w *Worker) GetBackendConnection(srv Server, s Session, up Upstream) (ConnectionResult, error) {
	if srv.PersistentConnsEnabled() && srv.IsRunning() {
		if conn := w.poolGetConnection(srv, s, up); conn != nil {
			return ConnectionResult{Conn: conn}, nil
		}
	}

	maxConns := srv.MaxRoutingConnections()
	if maxConns <= 0 {
		return w.createBackendConnection(srv, s, up)
	}
	stats := srv.Stats()
	if stats.NCurrentConns()+stats.NConnIntents() >= maxConns {
		addConnLimitMetrics(srv.Name())
		return ConnectionResult{ConnLimitReached: true}, nil
	}
	intents := stats.AddConnIntent()
	defer stats.RemoveConnIntent()
	if intents+stats.NCurrentConns() > maxConns {
		addConnLimitMetrics(srv.Name())
		return ConnectionResult{ConnLimitReached: true}, nil
	}
	return w.createBackendConnection(srv, s, up)
}

func (w *Worker) createBackendConnection(srv Server, s Session, up Upstream) (ConnectionResult, error) {
	conn, err := s.CreateBackendConnection(srv, w, up)
	if err != nil {
		return ConnectionResult{}, errors.Wrap(ErrCreateConnection, err)
	}
	if conn == nil {
		return ConnectionResult{}, errors.Wrapf(ErrCreateConnection, "server %s", srv.Name())
	}
	srv.Stats().AddConnection()
	return ConnectionResult{Conn: conn}, nil
}

func (w *Worker) poolGetConnection(srv Server, s Session, up Upstream) BackendConnection {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()

	pool, ok := w.pools[srv.Name()]
	if !ok {
		return nil
	}
	for {
		score, candidate := pool.GetConnection(s)
		if candidate == nil {
			addPoolMetrics(srv.Name(), false)
			return nil
		}
		d := candidate.Descriptor()
		d.SetHandler(candidate)
		s.LinkBackendConnection(candidate)
		if candidate.Reuse(s, up, score) {
			w.addDescriptor(d)
			addPoolMetrics(srv.Name(), true)
			return candidate
		}
		s.UnlinkBackendConnection(candidate)
		w.lg.Warn("failed to reuse a pooled connection", zap.String("server", srv.Name()), zap.Uint64("session", s.ID()))
		w.closeBackend(d, srv)
	}
}

// MoveToConnPool parks an idle connection of a session in the pool of its server.
// It returns false if the connection cannot be pooled and must be closed by the caller.
func (w *Worker) MoveToConnPool(conn BackendConnection) bool {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()

	srv := conn.Server()
	globalCap := srv.PersistPoolMax()
	if globalCap <= 0 {
		return false
	}
	d := conn.Descriptor()
	s := d.Session()
	if d.State() != StatePolling || d.HungUp() || !conn.Established() ||
		s == nil || !s.CanPoolBackends() || !srv.IsRunning() {
		return false
	}
	pool, ok := w.pools[srv.Name()]
	if !ok {
		pool = newConnectionPool(w, srv, globalCap)
		w.pools[srv.Name()] = pool
	}
	if !pool.HasSpace() {
		return false
	}
	pool.AddConnection(conn)
	conn.SetToPooled()
	d.SetHandler(&pooledHandler{w: w, conn: conn})
	w.removeDescriptor(d)
	return true
}

// pooledHandler is installed on idle pooled descriptors. Any activity evicts and closes the connection
// because it cannot be attributed to a session.
type pooledHandler struct {
	w    *Worker
	conn BackendConnection
}

func (h *pooledHandler) ReadyForReading(Descriptor) { h.w.evict(h.conn) }
func (h *pooledHandler) WriteReady(Descriptor)      { h.w.evict(h.conn) }
func (h *pooledHandler) Error(Descriptor)           { h.w.evict(h.conn) }
func (h *pooledHandler) Hangup(Descriptor)          { h.w.evict(h.conn) }

func (w *Worker) evict(conn BackendConnection) {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	if pool, ok := w.pools[conn.Server().Name()]; ok {
		pool.RemoveAndClose(conn)
	}
}

// closePooled puts a pooled descriptor back into bookkeeping and closes it.
func (w *Worker) closePooled(conn BackendConnection) {
	d := conn.Descriptor()
	w.addDescriptor(d)
	w.closeBackend(d, conn.Server())
}

func (w *Worker) closeBackend(d Descriptor, srv Server) {
	w.CloseDescriptor(d)
	srv.Stats().RemoveConnection()
	w.NotifyConnectionAvailable(srv)
}

func (w *Worker) poolCloseExpired() {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	for name, pool := range w.pools {
		if pool.srv.IsDown() {
			pool.CloseAll()
		} else {
			pool.CloseExpired()
		}
		setPoolSizeMetrics(w.id, name, pool.Len())
	}
}

// PoolCloseAllConns must run on the worker goroutine.
func (w *Worker) PoolCloseAllConns() {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	for name, pool := range w.pools {
		pool.CloseAll()
		setPoolSizeMetrics(w.id, name, 0)
	}
	clear(w.pools)
}

// PoolCloseAllConnsByServer must run on the worker goroutine.
func (w *Worker) PoolCloseAllConnsByServer(name string) {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	if pool, ok := w.pools[name]; ok {
		pool.CloseAll()
		delete(w.pools, name)
		setPoolSizeMetrics(w.id, name, 0)
	}
}

// PoolSetSize changes the capacity of the pool of a server. It may be called from any goroutine.
func (w *Worker) PoolSetSize(name string, globalCapacity int64) {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	if pool, ok := w.pools[name]; ok {
		pool.SetCapacity(globalCapacity)
	}
}

// PoolStats may be called from any goroutine.
func (w *Worker) PoolStats(name string) PoolStats {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	if pool, ok := w.pools[name]; ok {
		return pool.Stats()
	}
	return PoolStats{}
}

// AddConnWaitEntry queues ep until a connection to its server may be available.
func (w *Worker) AddConnWaitEntry(ep Endpoint) {
	w.epMu.Lock()
	defer w.epMu.Unlock()
	name := ep.Server().Name()
	q, ok := w.waiting[name]
	if !ok {
		q = glist.New[Endpoint]()
		w.waiting[name] = q
	}
	q.PushBack(ep)
	w.nWaiting.Inc()
}

// EraseConnWaitEntry removes ep, e.g. when its session closes while waiting.
func (w *Worker) EraseConnWaitEntry(ep Endpoint) {
	w.epMu.Lock()
	defer w.epMu.Unlock()
	name := ep.Server().Name()
	q, ok := w.waiting[name]
	if !ok {
		return
	}
	for e := q.Front(); e != nil; e = e.Next() {
		if e.Value == ep {
			q.Remove(e)
			w.nWaiting.Dec()
			break
		}
	}
	if q.Len() == 0 {
		delete(w.waiting, name)
	}
}

// ConnToServerNeeded reports whether an endpoint of this worker waits for srv.
func (w *Worker) ConnToServerNeeded(srv Server) bool {
	w.epMu.Lock()
	defer w.epMu.Unlock()
	_, ok := w.waiting[srv.Name()]
	return ok
}

// NWaiting returns the number of queued endpoints.
func (w *Worker) NWaiting() int {
	return int(w.nWaiting.Load())
}

// NotifyConnectionAvailable schedules one activation scan if an endpoint waits for srv.
// The scan runs once control returns to the event loop.
func (w *Worker) NotifyConnectionAvailable(srv Server) {
	if !w.ConnToServerNeeded(srv) {
		return
	}
	if !w.activationScheduled.CompareAndSwap(false, true) {
		return
	}
	w.post(message{kind: msgTask, task: func(w *Worker) {
		w.activationScheduled.Store(false)
		w.ActivateWaitingEndpoints()
	}})
}

// frontWaiting returns the oldest endpoint of the queue of a server.
func (w *Worker) frontWaiting(name string) *glist.Element[Endpoint] {
	w.epMu.Lock()
	defer w.epMu.Unlock()
	if q, ok := w.waiting[name]; ok {
		return q.Front()
	}
	return nil
}

func (w *Worker) removeWaiting(name string, e *glist.Element[Endpoint]) {
	w.epMu.Lock()
	defer w.epMu.Unlock()
	q, ok := w.waiting[name]
	if !ok {
		return
	}
	// e may have been erased by the endpoint callback already.
	n := q.Len()
	q.Remove(e)
	if q.Len() < n {
		w.nWaiting.Dec()
	}
	if q.Len() == 0 {
		delete(w.waiting, name)
	}
}

func (w *Worker) waitingServers() []string {
	w.epMu.Lock()
	defer w.epMu.Unlock()
	names := make([]string, 0, len(w.waiting))
	for name := range w.waiting {
		names = append(names, name)
	}
	return names
}

// ActivateWaitingEndpoints resumes queued endpoints, oldest first. A server whose head endpoint
// has to wait again is skipped until the next scan.
// The wait lock is not held during endpoint callbacks so they may get or release connections.
func (w *Worker) ActivateWaitingEndpoints() {
	for _, name := range w.waitingServers() {
		for {
			e := w.frontWaiting(name)
			if e == nil {
				break
			}
			ep := e.Value
			res := ep.ContinueConnecting()
			if res == ContinueWait {
				break
			}
			w.removeWaiting(name, e)
			if res == ContinueFail {
				ep.HandleFailedContinue()
			}
		}
	}
}

// FailTimedOutEndpoints fails the endpoints that waited longer than the multiplex timeout of their
// session. Queues are time ordered so each scan stops at the first endpoint still in time.
func (w *Worker) FailTimedOutEndpoints() {
	now := w.now()
	for _, name := range w.waitingServers() {
		for {
			e := w.frontWaiting(name)
			if e == nil {
				break
			}
			ep := e.Value
			if now.Sub(ep.ConnWaitStart()) <= ep.Session().MultiplexTimeout() {
				break
			}
			w.removeWaiting(name, e)
			addWaitTimeoutMetrics(name)
			ep.HandleTimedOutContinue()
		}
	}
}
