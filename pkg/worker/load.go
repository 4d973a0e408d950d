// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"sync"
	"time"
)

type LoadPeriod int

const (
	LoadOneSecond LoadPeriod = iota
	LoadOneMinute
	LoadOneHour
)

// AverageN is the average of the last n samples.
type AverageN struct {
	values []int
	next   int
	filled int
	sum    int
}

func NewAverageN(n int) *AverageN {
	return &AverageN{values: make([]int, max(n, 1))}
}

// Add reports whether the ring buffer wrapped around.
func (a *AverageN) Add(v int) bool {
	if a.filled == len(a.values) {
		a.sum -= a.values[a.next]
	} else {
		a.filled++
	}
	a.values[a.next] = v
	a.sum += v
	a.next = (a.next + 1) % len(a.values)
	return a.next == 0
}

func (a *AverageN) Value() int {
	if a.filled == 0 {
		return 0
	}
	return a.sum / a.filled
}

// Resize keeps the most recent samples that fit.
func (a *AverageN) Resize(n int) {
	n = max(n, 1)
	if n == len(a.values) {
		return
	}
	recent := make([]int, 0, a.filled)
	for i := a.filled; i > 0; i-- {
		recent = append(recent, a.values[(a.next-i+len(a.values))%len(a.values)])
	}
	if len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	*a = AverageN{values: make([]int, n)}
	for _, v := range recent {
		a.Add(v)
	}
}

// Load measures the share of time a worker is not waiting for activity, in percent.
type Load struct {
	mu        sync.Mutex
	start     time.Time
	waitStart time.Time
	waited    time.Duration
	second    int
	minute    *AverageN
	hour      *AverageN
}

func newLoad(now time.Time) *Load {
	return &Load{start: now, waitStart: now, minute: NewAverageN(60), hour: NewAverageN(60)}
}

func (l *Load) aboutToWait(now time.Time) {
	l.mu.Lock()
	l.waitStart = now
	l.mu.Unlock()
}

func (l *Load) aboutToWork(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waited += now.Sub(l.waitStart)
	elapsed := now.Sub(l.start)
	if elapsed < time.Second {
		return
	}
	busy := elapsed - l.waited
	l.second = min(max(int(busy*100/elapsed), 0), 100)
	if l.minute.Add(l.second) {
		l.hour.Add(l.minute.Value())
	}
	l.start = now
	l.waited = 0
}

func (l *Load) Percentage(p LoadPeriod) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch p {
	case LoadOneMinute:
		return l.minute.Value()
	case LoadOneHour:
		return l.hour.Value()
	default:
		return l.second
	}
}
