// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/lib/util/waitgroup"
	"github.com/sqlmux/sqlmux/pkg/qc"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	ErrInitWorker    = errors.New("failed to initialize worker")
	ErrNoSuchWorker  = errors.New("no such worker")
	ErrWorkerStopped = errors.New("worker does not accept tasks")
	ErrShuttingDown  = errors.New("workers are shutting down")
)

// ListenerHandler turns an accepted client connection into a session on the accepting worker.
type ListenerHandler interface {
	OnAccept(w *Worker, conn net.Conn)
}

// AcceptMode decides which worker takes a new connection.
type AcceptMode int

const (
	// AcceptShared lets any idle active worker take the next connection, one per wake.
	AcceptShared AcceptMode = iota
	// AcceptRoundRobin hands connections to workers in turn.
	AcceptRoundRobin
)

// balanceInterval is used when no rebalance period is configured.
const balanceInterval = time.Second

// Registry owns the fixed set of workers of the process.
type Registry struct {
	lg      *zap.Logger
	opts    Options
	hooks   []ThreadHook
	qcProps *qc.Properties
	workers []*Worker
	accepts chan accepted

	rr       atomic.Uint64
	nRunning atomic.Int32
	started  atomic.Bool
	shutdown atomic.Bool

	threshold atomic.Int32
	period    atomic.Duration
	window    atomic.Int32

	loadMu sync.Mutex
	loads  []*AverageN

	listenerMu sync.Mutex
	listeners  []net.Listener

	shutdownCh chan struct{}
	cancel     context.CancelFunc
	workerWG   waitgroup.WaitGroup
	bgWG       waitgroup.WaitGroup
	closeOnce  sync.Once
}

// NewRegistry creates the workers without starting them. qcProps may be nil to run without
// statement classification caches.
func NewRegistry(lg *zap.Logger, opts Options, qcProps *qc.Properties, hooks ...ThreadHook) *Registry {
	opts.fill()
	r := &Registry{
		lg:      lg,
		opts:    opts,
		hooks:   hooks,
		qcProps: qcProps,
		accepts: make(chan accepted),

		shutdownCh: make(chan struct{}),
	}
	r.threshold.Store(int32(opts.RebalanceThreshold))
	r.period.Store(opts.RebalancePeriod)
	r.window.Store(int32(opts.RebalanceWindow))
	r.workers = make([]*Worker, opts.Threads)
	r.loads = make([]*AverageN, opts.Threads)
	for i := range r.workers {
		r.workers[i] = newWorker(i, r, lg.Named("worker"))
		r.loads[i] = NewAverageN(opts.RebalanceWindow)
	}
	return r
}

// Start runs every worker. If one fails to initialize, the started ones are stopped and the
// error is returned.
func (r *Registry) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return nil
	}
	ctx, r.cancel = context.WithCancel(ctx)
	for i, w := range r.workers {
		ready := make(chan error, 1)
		r.workerWG.RunWithRecover(func() {
			w.run(ready)
		}, func(any) {
			select {
			case ready <- errors.Errorf("worker %d panicked", w.id):
			default:
			}
		}, r.lg)
		if err := <-ready; err != nil {
			r.lg.Error("failed to start worker, stopping the others", zap.Int("worker", i), zap.Error(err))
			for _, started := range r.workers[:i] {
				started.stop()
			}
			r.cancel()
			r.workerWG.Wait()
			return errors.Wrap(ErrInitWorker, err)
		}
	}
	r.onStateChange()
	r.bgWG.RunWithRecover(func() {
		r.balanceLoop(ctx)
	}, nil, r.lg)
	r.lg.Info("workers started", zap.Int("threads", len(r.workers)))
	return nil
}

// NWorkers is the configured number of workers.
func (r *Registry) NWorkers() int {
	return len(r.workers)
}

// NRunning is the number of active workers.
func (r *Registry) NRunning() int {
	return int(r.nRunning.Load())
}

func (r *Registry) onStateChange() {
	n := 0
	for _, w := range r.workers {
		if w.State() == WorkerActive {
			n++
		}
	}
	r.nRunning.Store(int32(n))
}

// Get returns the worker with the id, nil if there is none.
func (r *Registry) Get(id int) *Worker {
	if id < 0 || id >= len(r.workers) {
		return nil
	}
	return r.workers[id]
}

func (r *Registry) Workers() []*Worker {
	return r.workers
}

// PickWorker returns the workers in turn. It ignores the load.
func (r *Registry) PickWorker() *Worker {
	n := r.rr.Inc() - 1
	return r.workers[n%uint64(len(r.workers))]
}

// Broadcast queues task to every worker and returns the number of workers that accepted it.
// sem, if not nil, is posted once per worker after the task ran.
func (r *Registry) Broadcast(task func(w *Worker), sem *Semaphore) int {
	n := 0
	for _, w := range r.workers {
		if w.Execute(task, sem) {
			n++
		}
	}
	return n
}

// ExecuteConcurrently runs task on all workers at the same time and waits for all of them.
// It must not be called from a worker goroutine.
func (r *Registry) ExecuteConcurrently(ctx context.Context, task func(w *Worker)) int {
	sem := NewSemaphore()
	n := r.Broadcast(task, sem)
	return sem.WaitN(ctx, n)
}

// ExecuteSerially runs task on one worker after the other. It must not be called from a worker goroutine.
// If ctx ends first, a task already queued still runs later, so task must not write memory that the
// caller reads after the return. Use collectSerially to gather results.
func (r *Registry) ExecuteSerially(ctx context.Context, task func(w *Worker)) int {
	sem := NewSemaphore()
	n := 0
	for _, w := range r.workers {
		if !w.Execute(task, sem) {
			continue
		}
		if err := sem.Wait(ctx); err != nil {
			break
		}
		n++
	}
	return n
}

// collectSerially runs task on one worker after the other and returns, by worker id, the results of
// the workers that answered before ctx ended. Each task only sends its own result on a channel that
// has room for all of them, so a task running after the caller left never blocks or races.
func collectSerially[T any](ctx context.Context, r *Registry, task func(w *Worker) T) ([]T, []bool) {
	values := make([]T, len(r.workers))
	answered := make([]bool, len(r.workers))
	ch := make(chan T, len(r.workers))
	for i, w := range r.workers {
		if !w.Execute(func(w *Worker) {
			ch <- task(w)
		}, nil) {
			continue
		}
		select {
		case v := <-ch:
			values[i], answered[i] = v, true
		case <-ctx.Done():
			return values, answered
		}
	}
	return values, answered
}

// collectOn runs task on one worker and returns its result.
func collectOn[T any](ctx context.Context, r *Registry, id int, task func(w *Worker) T) (T, error) {
	var zero T
	w := r.Get(id)
	if w == nil {
		return zero, errors.Wrapf(ErrNoSuchWorker, "worker %d", id)
	}
	ch := make(chan T, 1)
	if !w.Execute(func(w *Worker) {
		ch <- task(w)
	}, nil) {
		return zero, errors.Wrapf(ErrWorkerStopped, "worker %d", id)
	}
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, errors.WithStack(ctx.Err())
	}
}

// BroadcastConnAvailable tells every worker that a connection to srv may be available.
func (r *Registry) BroadcastConnAvailable(srv Server) int {
	n := 0
	for _, w := range r.workers {
		if w.postConnAvailable(srv) {
			n++
		}
	}
	return n
}

// Watchdog checks that every worker still runs its loop. It returns the number of workers that
// answered before ctx ended.
func (r *Registry) Watchdog(ctx context.Context) int {
	n := r.ExecuteConcurrently(ctx, func(*Worker) {})
	if n < len(r.workers) {
		r.lg.Warn("some workers did not answer the watchdog", zap.Int("answered", n), zap.Int("workers", len(r.workers)))
	}
	return n
}

// SetRebalance updates the rebalance settings online.
func (r *Registry) SetRebalance(threshold int, period time.Duration, window int) {
	r.threshold.Store(int32(threshold))
	r.period.Store(period)
	if window > 0 {
		r.window.Store(int32(window))
	}
}

func (r *Registry) balanceLoop(ctx context.Context) {
	timer := time.NewTimer(balanceInterval)
	defer timer.Stop()
	for {
		period := r.period.Load()
		interval := period
		if interval <= 0 {
			interval = balanceInterval
		}
		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if period > 0 {
			r.CollectWorkerLoad(int(r.window.Load()))
		}
		if threshold := int(r.threshold.Load()); threshold > 0 && !r.shutdown.Load() {
			r.BalanceWorkers(threshold)
		}
	}
}

// CollectWorkerLoad adds the one-second load of each worker to its window of count samples.
func (r *Registry) CollectWorkerLoad(count int) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	for i, w := range r.workers {
		r.loads[i].Resize(count)
		r.loads[i].Add(w.Load(LoadOneSecond))
	}
}

func (r *Registry) averageLoad(i int) int {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.loads[i].Value()
}

// BalanceWorkers asks the most loaded active worker to move a session to the least loaded one
// if their loads differ by more than threshold percent. The averaged load is used when a
// rebalance period is configured, the one-second load otherwise.
func (r *Registry) BalanceWorkers(threshold int) bool {
	useAverage := r.period.Load() > 0
	minLoad, maxLoad := 101, -1
	var from, to *Worker
	for i, w := range r.workers {
		if w.State() != WorkerActive {
			continue
		}
		load := w.Load(LoadOneSecond)
		if useAverage {
			load = r.averageLoad(i)
		}
		if load < minLoad {
			minLoad, to = load, w
		}
		if load > maxLoad {
			maxLoad, from = load, w
		}
	}
	if from == nil || to == nil || from == to || maxLoad-minLoad <= threshold {
		return false
	}
	r.lg.Info("load difference exceeds the rebalance threshold, moving work",
		zap.Int("from", from.ID()), zap.Int("max_load", maxLoad),
		zap.Int("to", to.ID()), zap.Int("min_load", minLoad), zap.Int("threshold", threshold))
	if !from.Execute(func(w *Worker) {
		w.Rebalance(to, 1)
	}, nil) {
		r.lg.Error("could not post the rebalance task", zap.Int("worker", from.ID()))
		return false
	}
	return true
}

// RebalanceWorker asks worker from to move sessions to worker to.
func (r *Registry) RebalanceWorker(from, to, sessions int) error {
	src, dst := r.Get(from), r.Get(to)
	if src == nil {
		return errors.Wrapf(ErrNoSuchWorker, "worker %d", from)
	}
	if dst == nil {
		return errors.Wrapf(ErrNoSuchWorker, "worker %d", to)
	}
	if !src.Execute(func(w *Worker) {
		w.Rebalance(dst, sessions)
	}, nil) {
		return errors.Wrapf(ErrWorkerStopped, "worker %d", from)
	}
	return nil
}

// PoolSetSize changes the global capacity of the pools of a server.
func (r *Registry) PoolSetSize(name string, globalCapacity int64) {
	for _, w := range r.workers {
		w.PoolSetSize(name, globalCapacity)
	}
}

// PoolGetStats aggregates the pool statistics of a server across workers.
func (r *Registry) PoolGetStats(name string) PoolStats {
	var total PoolStats
	for _, w := range r.workers {
		total.Add(w.PoolStats(name))
	}
	return total
}

// PoolCloseAllConnsByServer evicts every pooled connection to a server on all workers.
func (r *Registry) PoolCloseAllConnsByServer(ctx context.Context, name string) int {
	return r.ExecuteConcurrently(ctx, func(w *Worker) {
		w.PoolCloseAllConnsByServer(name)
	})
}

// GetStatistics returns the statistics of every worker.
func (r *Registry) GetStatistics() []Statistics {
	all := make([]Statistics, len(r.workers))
	for i, w := range r.workers {
		all[i] = w.Statistics()
	}
	return all
}

// MemoryUsage collects the memory estimate of each worker, one worker at a time.
func (r *Registry) MemoryUsage(ctx context.Context) ([]MemoryUsage, MemoryUsage) {
	all, _ := collectSerially(ctx, r, func(w *Worker) MemoryUsage {
		return w.MemoryUsage()
	})
	var total MemoryUsage
	for _, m := range all {
		total.Add(m)
	}
	return all, total
}

// QCProperties returns the shared properties of the classification caches, nil if disabled.
func (r *Registry) QCProperties() *qc.Properties {
	return r.qcProps
}

// SetQCProperties updates the global cache budget and shrinks the caches that exceed their share.
func (r *Registry) SetQCProperties(ctx context.Context, cp qc.CacheProperties) error {
	if r.qcProps == nil {
		return errors.Wrapf(qc.ErrInvalidCacheSize, "query classifier cache is disabled")
	}
	if err := r.qcProps.Set(cp); err != nil {
		return err
	}
	r.ExecuteConcurrently(ctx, func(w *Worker) {
		if w.cache != nil {
			w.cache.Shrink()
		}
	})
	return nil
}

// QCStats returns the cache statistics of each worker.
func (r *Registry) QCStats(ctx context.Context) []qc.Stats {
	all, _ := collectSerially(ctx, r, func(w *Worker) qc.Stats {
		if w.cache == nil {
			return qc.Stats{}
		}
		return w.cache.Stats()
	})
	return all
}

// QCState merges the cached statements of all workers.
func (r *Registry) QCState(ctx context.Context) map[string]qc.EntryState {
	states, _ := collectSerially(ctx, r, func(w *Worker) map[string]qc.EntryState {
		if w.cache == nil {
			return nil
		}
		return w.cache.State()
	})
	state := make(map[string]qc.EntryState)
	for _, s := range states {
		qc.MergeState(state, s)
	}
	return state
}

// QCClear empties every cache.
func (r *Registry) QCClear(ctx context.Context) int {
	return r.ExecuteConcurrently(ctx, func(w *Worker) {
		if w.cache != nil {
			w.cache.Clear()
		}
	})
}

// SetThreadCacheEnabled turns the cache of every worker on or off.
func (r *Registry) SetThreadCacheEnabled(ctx context.Context, enabled bool) int {
	return r.ExecuteConcurrently(ctx, func(w *Worker) {
		if w.cache != nil {
			w.cache.SetEnabled(enabled)
		}
	})
}

// AddListener feeds the connections of l to the workers until the registry closes.
func (r *Registry) AddListener(l net.Listener, h ListenerHandler, mode AcceptMode) error {
	if !r.started.Load() {
		return errors.New("registry is not started")
	}
	if r.shutdown.Load() {
		return ErrShuttingDown
	}
	r.listenerMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenerMu.Unlock()
	r.bgWG.RunWithRecover(func() {
		r.acceptLoop(l, h, mode)
	}, nil, r.lg)
	return nil
}

func (r *Registry) acceptLoop(l net.Listener, h ListenerHandler, mode AcceptMode) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || r.shutdown.Load() {
				return
			}
			r.lg.Error("accept failed", zap.Stringer("addr", l.Addr()), zap.Error(err))
			continue
		}
		acc := accepted{conn: conn, handler: h}
		switch mode {
		case AcceptRoundRobin:
			w := r.PickWorker()
			if !w.Execute(func(w *Worker) {
				w.accept(acc)
			}, nil) {
				_ = conn.Close()
			}
		default:
			// Blocks until an active worker wakes up for it.
			select {
			case r.accepts <- acc:
			case <-r.shutdownCh:
				_ = conn.Close()
				return
			}
		}
	}
}

func (r *Registry) closeListeners() {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	for _, l := range r.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			r.lg.Warn("close listener failed", zap.Stringer("addr", l.Addr()), zap.Error(err))
		}
	}
	r.listeners = nil
}

// StartShutdown stops accepting connections and tells every worker to close its sessions.
// Workers exit once they own no session.
func (r *Registry) StartShutdown() {
	if !r.shutdown.CompareAndSwap(false, true) {
		return
	}
	r.lg.Info("workers start shutting down")
	close(r.shutdownCh)
	r.closeListeners()
	r.Broadcast(func(w *Worker) {
		w.startShutdown()
	}, nil)
}

// Close shuts the workers down gracefully and stops them by force once ctx ends.
func (r *Registry) Close(ctx context.Context) {
	r.closeOnce.Do(func() {
		r.StartShutdown()
		done := make(chan struct{})
		go func() {
			r.workerWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			r.lg.Warn("workers did not stop in time, stopping them by force")
			for _, w := range r.workers {
				w.stop()
			}
			<-done
		}
		if r.cancel != nil {
			r.cancel()
		}
		r.bgWG.Wait()
		r.onStateChange()
		r.lg.Info("workers stopped")
	})
}
