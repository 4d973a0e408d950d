// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package waitgroup

import (
	"sync"
	"time"

	"github.com/tiancaiamao/gp"
	"go.uber.org/zap"
)

// WaitGroup runs goroutines and waits for all of them.
type WaitGroup struct {
	sync.WaitGroup
}

// Run runs exec in a goroutine. exec must not panic.
func (w *WaitGroup) Run(exec func()) {
	w.Add(1)
	go func() {
		defer w.Done()
		exec()
	}()
}

// RunWithRecover runs exec in a goroutine and recovers from its panic.
// The panic and the stack are logged if lg is not nil, then recoverFn is called if it is not nil.
func (w *WaitGroup) RunWithRecover(exec func(), recoverFn func(r any), lg *zap.Logger) {
	w.Add(1)
	go func() {
		defer handlePanic(&w.WaitGroup, recoverFn, lg)
		exec()
	}()
}

func handlePanic(wg *sync.WaitGroup, recoverFn func(r any), lg *zap.Logger) {
	r := recover()
	defer func() {
		// A panic inside recoverFn is swallowed.
		_ = recover()
	}()
	if r != nil && lg != nil {
		lg.Error("panic in the recoverable goroutine", zap.Any("r", r), zap.Stack("stack trace"))
	}
	// recoverFn may wait for this group, so Done must come first.
	wg.Done()
	if r != nil && recoverFn != nil {
		recoverFn(r)
	}
}

// WaitGroupPool reuses goroutines from a gp.Pool.
type WaitGroupPool struct {
	sync.WaitGroup
	pool *gp.Pool
}

// NewWaitGroupPool keeps at most n idle goroutines, each for at most idle.
func NewWaitGroupPool(n int, idle time.Duration) *WaitGroupPool {
	return &WaitGroupPool{pool: gp.New(n, idle)}
}

func (w *WaitGroupPool) RunWithRecover(exec func(), recoverFn func(r any), lg *zap.Logger) {
	w.Add(1)
	w.pool.Go(func() {
		defer handlePanic(&w.WaitGroup, recoverFn, lg)
		exec()
	})
}

// Close waits for running functions and releases the idle goroutines.
func (w *WaitGroupPool) Close() {
	w.Wait()
	w.pool.Close()
}
