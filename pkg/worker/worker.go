// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"net"
	"sync"
	"time"

	glist "github.com/bahlo/generic-list-go"
	"github.com/sqlmux/sqlmux/pkg/qc"
	"github.com/tidwall/btree"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type State int32

const (
	// WorkerCreated is the state before the goroutine runs.
	WorkerCreated State = iota
	// WorkerActive accepts new connections.
	WorkerActive
	// WorkerDraining accepts no new connections and becomes dormant once its sessions are gone.
	WorkerDraining
	WorkerDormant
	WorkerStopped
)

func (s State) String() string {
	switch s {
	case WorkerCreated:
		return "created"
	case WorkerActive:
		return "active"
	case WorkerDraining:
		return "draining"
	case WorkerDormant:
		return "dormant"
	case WorkerStopped:
		return "stopped"
	}
	return "unknown"
}

const shutdownCheckInterval = 100 * time.Millisecond

type msgKind int

const (
	msgTask msgKind = iota
	msgSessionMove
	msgConnAvailable
)

// message is the only way other goroutines change the state of a worker.
type message struct {
	kind    msgKind
	task    func(w *Worker)
	sem     *Semaphore
	session Session
	descs   []Descriptor
	server  Server
	posted  time.Time
}

type delayedCall struct {
	interval time.Duration
	next     time.Time
	fn       func(w *Worker) bool
}

type sessionItem struct {
	id uint64
	s  Session
}

// Worker runs one event loop. Apart from the pool and wait queue locks, its state is only
// touched by its own goroutine.
type Worker struct {
	id   int
	lg   *zap.Logger
	reg  *Registry
	opts *Options

	// inbox
	mu      sync.Mutex
	msgs    []message
	events  []Event
	closed  bool
	wake    chan struct{}
	stopped chan struct{}

	state     atomic.Int32
	requested atomic.Int32

	descriptors map[uint64]Descriptor
	sessions    *btree.BTreeG[sessionItem]
	nSessions   atomic.Int64
	zombies     []Descriptor
	nZombies    atomic.Int64
	calls       []*delayedCall
	locals      map[any]any

	poolMu sync.Mutex
	pools  map[string]*ConnectionPool

	epMu                sync.Mutex
	waiting             map[string]*glist.List[Endpoint]
	nWaiting            atomic.Int64
	activationScheduled atomic.Bool

	cache *qc.Cache

	rebalance    rebalancePlan
	shuttingDown bool
	nextShutdown time.Time

	load    *Load
	statsMu sync.Mutex
	stats   Statistics
}

func newWorker(id int, reg *Registry, lg *zap.Logger) *Worker {
	w := &Worker{
		id:          id,
		lg:          lg.With(zap.Int("worker", id)),
		reg:         reg,
		opts:        &reg.opts,
		wake:        make(chan struct{}, 1),
		stopped:     make(chan struct{}),
		descriptors: make(map[uint64]Descriptor),
		sessions: btree.NewBTreeG(func(a, b sessionItem) bool {
			return a.id < b.id
		}),
		locals:  make(map[any]any),
		pools:   make(map[string]*ConnectionPool),
		waiting: make(map[string]*glist.List[Endpoint]),
	}
	w.requested.Store(-1)
	w.load = newLoad(w.now())
	return w
}

func (w *Worker) ID() int {
	return w.id
}

func (w *Worker) Logger() *zap.Logger {
	return w.lg
}

func (w *Worker) Registry() *Registry {
	return w.reg
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

// RequestState asks the worker to become active or to drain. It is applied at the start of the next tick.
func (w *Worker) RequestState(s State) {
	if s == WorkerActive || s == WorkerDraining {
		w.requested.Store(int32(s))
		w.signal()
	}
}

func (w *Worker) Load(p LoadPeriod) int {
	return w.load.Percentage(p)
}

// ClassifierCache returns the statement classification cache of the worker, nil if the worker
// has not started. Only the worker goroutine may use it.
func (w *Worker) ClassifierCache() *qc.Cache {
	return w.cache
}

func (w *Worker) now() time.Time {
	return w.opts.Now()
}

func (w *Worker) nWorkers() int {
	return w.reg.NWorkers()
}

// Local returns a value stored by SetLocal. Only the worker goroutine may call it.
func (w *Worker) Local(key any) any {
	return w.locals[key]
}

func (w *Worker) SetLocal(key, value any) {
	if value == nil {
		delete(w.locals, key)
		return
	}
	w.locals[key] = value
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) post(m message) bool {
	m.posted = w.now()
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.msgs = append(w.msgs, m)
	w.mu.Unlock()
	w.signal()
	return true
}

// Execute queues task to the worker and posts sem, if not nil, once it has run.
// It returns false if the worker no longer accepts tasks. A worker must not wait on a
// semaphore of a task it posted to itself.
func (w *Worker) Execute(task func(w *Worker), sem *Semaphore) bool {
	return w.post(message{kind: msgTask, task: task, sem: sem})
}

// PostEvent delivers an I/O event of a descriptor. It may be called from any goroutine.
func (w *Worker) PostEvent(ev Event) {
	if ev.Posted.IsZero() {
		ev.Posted = w.now()
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.events = append(w.events, ev)
	w.mu.Unlock()
	w.signal()
}

func (w *Worker) postConnAvailable(srv Server) bool {
	return w.post(message{kind: msgConnAvailable, server: srv})
}

// AddDescriptor starts the bookkeeping of a descriptor owned by this worker.
func (w *Worker) AddDescriptor(d Descriptor) {
	w.addDescriptor(d)
}

func (w *Worker) addDescriptor(d Descriptor) {
	if _, ok := w.descriptors[d.ID()]; ok {
		return
	}
	w.descriptors[d.ID()] = d
	w.statsMu.Lock()
	w.stats.CurrentDescriptors++
	w.stats.TotalDescriptors++
	w.statsMu.Unlock()
}

func (w *Worker) removeDescriptor(d Descriptor) {
	if _, ok := w.descriptors[d.ID()]; !ok {
		return
	}
	delete(w.descriptors, d.ID())
	w.statsMu.Lock()
	w.stats.CurrentDescriptors--
	w.statsMu.Unlock()
}

// Destroy queues d for destruction at the end of the tick.
func (w *Worker) Destroy(d Descriptor) {
	w.zombies = append(w.zombies, d)
	w.nZombies.Store(int64(len(w.zombies)))
}

// CloseDescriptor stops the events of d and queues it for destruction.
func (w *Worker) CloseDescriptor(d Descriptor) {
	if d.State() == StatePolling {
		if err := d.DisableEvents(); err != nil {
			w.lg.Debug("disable events failed", zap.Uint64("descriptor", d.ID()), zap.Error(err))
		}
		d.Shutdown()
	}
	w.Destroy(d)
}

func (w *Worker) RegisterSession(s Session) {
	if _, replaced := w.sessions.Set(sessionItem{id: s.ID(), s: s}); !replaced {
		w.nSessions.Inc()
	}
}

func (w *Worker) DeregisterSession(id uint64) {
	if _, ok := w.sessions.Delete(sessionItem{id: id}); ok {
		w.nSessions.Dec()
	}
}

func (w *Worker) Session(id uint64) (Session, bool) {
	item, ok := w.sessions.Get(sessionItem{id: id})
	return item.s, ok
}

func (w *Worker) NSessions() int {
	return int(w.nSessions.Load())
}

func (w *Worker) NZombies() int {
	return int(w.nZombies.Load())
}

// ForEachSession iterates in session id order until fn returns false.
func (w *Worker) ForEachSession(fn func(s Session) bool) {
	w.sessions.Scan(func(item sessionItem) bool {
		return fn(item.s)
	})
}

// DelayedCall runs fn every interval on the worker goroutine while fn returns true.
// Only the worker goroutine may call it.
func (w *Worker) DelayedCall(interval time.Duration, fn func(w *Worker) bool) {
	w.calls = append(w.calls, &delayedCall{interval: interval, next: w.now().Add(interval), fn: fn})
}

func (w *Worker) init() error {
	if w.reg.qcProps != nil {
		w.cache = qc.NewCache(w.reg.qcProps, w.reg.NRunning)
	}
	hooks := w.reg.hooks
	for i, h := range hooks {
		if err := h.ThreadInit(w); err != nil {
			for j := i - 1; j >= 0; j-- {
				hooks[j].ThreadFinish(w)
			}
			w.releaseCache()
			return err
		}
	}
	w.DelayedCall(w.opts.PoolCheckInterval, func(w *Worker) bool {
		w.poolCloseExpired()
		return true
	})
	w.DelayedCall(w.opts.ActivationInterval, func(w *Worker) bool {
		w.ActivateWaitingEndpoints()
		return true
	})
	w.DelayedCall(w.opts.TimeoutCheckInterval, func(w *Worker) bool {
		w.FailTimedOutEndpoints()
		return true
	})
	w.DelayedCall(time.Second, func(w *Worker) bool {
		w.tickSessions()
		return true
	})
	w.state.Store(int32(WorkerActive))
	return nil
}

func (w *Worker) finish() {
	w.PoolCloseAllConns()
	w.mu.Lock()
	w.closed = true
	msgs := w.msgs
	w.msgs, w.events = nil, nil
	w.mu.Unlock()
	// Tasks posted before closing still run so that no waiter blocks forever.
	for _, m := range msgs {
		w.handleMessage(m)
	}
	w.deleteZombies()
	for i := len(w.reg.hooks) - 1; i >= 0; i-- {
		w.reg.hooks[i].ThreadFinish(w)
	}
	w.releaseCache()
	w.state.Store(int32(WorkerStopped))
	updateWorkerMetrics(w)
}

func (w *Worker) releaseCache() {
	if w.cache != nil {
		w.cache.Clear()
		w.cache = nil
	}
}

// run is the body of the worker goroutine. ready receives the result of the initialization.
func (w *Worker) run(ready chan<- error) {
	if err := w.init(); err != nil {
		ready <- err
		return
	}
	ready <- nil
	defer w.finish()

	ticker := time.NewTicker(w.opts.TickInterval)
	defer ticker.Stop()
	for {
		var accepts <-chan accepted
		if w.State() == WorkerActive && !w.shuttingDown {
			accepts = w.reg.accepts
		}
		var acc *accepted
		w.load.aboutToWait(w.now())
		select {
		case <-w.stopped:
			return
		case <-w.wake:
		case <-ticker.C:
		case a := <-accepts:
			acc = &a
		}
		w.load.aboutToWork(w.now())
		w.tick(acc)
		if w.shuttingDown && w.tryShutdown() {
			return
		}
	}
}

// tick keeps a fixed order: status changes, due callbacks, I/O, zombies, rebalance.
func (w *Worker) tick(acc *accepted) {
	w.processStatusChange()
	w.runDueCalls()

	if acc != nil {
		w.accept(*acc)
	}
	w.mu.Lock()
	msgs, events := w.msgs, w.events
	w.msgs, w.events = nil, nil
	w.mu.Unlock()
	w.recordPoll(len(msgs) + len(events))
	for _, m := range msgs {
		w.handleMessage(m)
	}
	for _, ev := range events {
		w.dispatch(ev)
	}

	w.deleteZombies()
	if w.rebalance.perform {
		w.performRebalance()
	}
	updateWorkerMetrics(w)
}

func (w *Worker) accept(acc accepted) {
	w.statsMu.Lock()
	w.stats.Accepts++
	w.statsMu.Unlock()
	acc.handler.OnAccept(w, acc.conn)
}

func (w *Worker) processStatusChange() {
	if req := State(w.requested.Swap(-1)); req == WorkerActive || req == WorkerDraining {
		if cur := w.State(); cur != req && cur != WorkerStopped {
			w.lg.Info("worker state changes", zap.Stringer("from", cur), zap.Stringer("to", req))
			w.state.Store(int32(req))
			w.reg.onStateChange()
		}
	}
	if w.State() == WorkerDraining && w.NSessions() == 0 {
		w.lg.Info("worker becomes dormant")
		w.state.Store(int32(WorkerDormant))
		w.reg.onStateChange()
	}
}

func (w *Worker) runDueCalls() {
	now := w.now()
	calls := w.calls
	n := len(calls)
	kept := make([]*delayedCall, 0, n)
	for _, c := range calls {
		if now.Before(c.next) {
			kept = append(kept, c)
			continue
		}
		if c.fn(w) {
			c.next = now.Add(c.interval)
			kept = append(kept, c)
		}
	}
	// Calls registered by the callbacks are appended after the first n.
	w.calls = append(kept, w.calls[n:]...)
}

func (w *Worker) handleMessage(m message) {
	w.statsMu.Lock()
	if qt := w.now().Sub(m.posted); qt > w.stats.MaxQueueTime {
		w.stats.MaxQueueTime = qt
	}
	w.statsMu.Unlock()
	switch m.kind {
	case msgTask:
		m.task(w)
		if m.sem != nil {
			m.sem.Post()
		}
	case msgSessionMove:
		w.adoptSession(m.session, m.descs)
	case msgConnAvailable:
		w.NotifyConnectionAvailable(m.server)
	}
}

// dispatch calls the handler of the descriptor. Events of a descriptor that moved to another
// worker are forwarded to it.
func (w *Worker) dispatch(ev Event) {
	d := ev.Desc
	if owner := d.Owner(); owner != w {
		if owner != nil {
			owner.PostEvent(ev)
		}
		return
	}
	if d.State() != StatePolling {
		return
	}
	start := w.now()
	h := d.Handler()
	w.statsMu.Lock()
	if qt := start.Sub(ev.Posted); qt > w.stats.MaxQueueTime {
		w.stats.MaxQueueTime = qt
	}
	switch ev.Kind {
	case EventRead:
		w.stats.Reads++
	case EventWrite:
		w.stats.Writes++
	case EventError:
		w.stats.Errors++
	case EventHangup:
		w.stats.Hangups++
	}
	w.statsMu.Unlock()

	switch ev.Kind {
	case EventRead:
		h.ReadyForReading(d)
	case EventWrite:
		h.WriteReady(d)
	case EventError:
		h.Error(d)
	case EventHangup:
		h.Hangup(d)
	}

	w.statsMu.Lock()
	if et := w.now().Sub(start); et > w.stats.MaxExecTime {
		w.stats.MaxExecTime = et
	}
	w.statsMu.Unlock()
}

// tickSessions gives every polling session the time since its last client I/O.
// A session may close itself in Tick, so the sessions are collected first.
func (w *Worker) tickSessions() {
	now := w.now()
	var sessions []Session
	w.ForEachSession(func(s Session) bool {
		if d := s.ClientDescriptor(); d != nil && d.State() == StatePolling {
			sessions = append(sessions, s)
		}
		return true
	})
	for _, s := range sessions {
		d := s.ClientDescriptor()
		last := d.LastRead()
		if lw := d.LastWrite(); lw.After(last) {
			last = lw
		}
		s.Tick(now.Sub(last))
	}
}

// startShutdown runs on the worker goroutine.
func (w *Worker) startShutdown() {
	if w.shuttingDown {
		return
	}
	w.shuttingDown = true
	w.nextShutdown = time.Time{}
	w.lg.Info("worker starts shutting down", zap.Int("sessions", w.NSessions()))
}

// tryShutdown closes pooled connections and kills sessions until none is left.
func (w *Worker) tryShutdown() bool {
	now := w.now()
	if now.Before(w.nextShutdown) {
		return false
	}
	w.nextShutdown = now.Add(shutdownCheckInterval)
	w.PoolCloseAllConns()
	if w.NSessions() == 0 {
		w.deleteZombies()
		return len(w.zombies) == 0
	}
	var sessions []Session
	w.ForEachSession(func(s Session) bool {
		sessions = append(sessions, s)
		return true
	})
	for _, s := range sessions {
		s.Kill()
	}
	return false
}

func (w *Worker) stop() {
	select {
	case <-w.stopped:
	default:
		close(w.stopped)
	}
}

// accepted is a connection taken from a shared listener.
type accepted struct {
	conn    net.Conn
	handler ListenerHandler
}
