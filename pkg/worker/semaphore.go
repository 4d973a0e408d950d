// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"

	"golang.org/x/sync/semaphore"
)

const semaphoreCapacity = 1 << 30

// Semaphore counts the tasks that workers acknowledged. Post never blocks.
type Semaphore struct {
	w *semaphore.Weighted
}

func NewSemaphore() *Semaphore {
	w := semaphore.NewWeighted(semaphoreCapacity)
	// Start fully acquired: each Post releases one unit, each Wait takes one back.
	_ = w.TryAcquire(semaphoreCapacity)
	return &Semaphore{w: w}
}

func (s *Semaphore) Post() {
	s.w.Release(1)
}

func (s *Semaphore) Wait(ctx context.Context) error {
	return s.w.Acquire(ctx, 1)
}

// WaitN waits for up to n posts and returns how many arrived before ctx was done.
func (s *Semaphore) WaitN(ctx context.Context, n int) int {
	for i := 0; i < n; i++ {
		if err := s.w.Acquire(ctx, 1); err != nil {
			return i
		}
	}
	return max(n, 0)
}
