// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"time"
)

// Statistics are the event loop counters of one worker.
type Statistics struct {
	Reads               int64         `json:"reads"`
	Writes              int64         `json:"writes"`
	Errors              int64         `json:"errors"`
	Hangups             int64         `json:"hangups"`
	Accepts             int64         `json:"accepts"`
	Polls               int64         `json:"polls"`
	EventsTotal         int64         `json:"events_total"`
	MaxEventQueueLength int64         `json:"max_event_queue_length"`
	MaxExecTime         time.Duration `json:"max_exec_time"`
	MaxQueueTime        time.Duration `json:"max_queue_time"`
	CurrentDescriptors  int64         `json:"current_descriptors"`
	TotalDescriptors    int64         `json:"total_descriptors"`
}

// AvgEventQueueLength is the mean number of messages and events handled per poll.
func (s Statistics) AvgEventQueueLength() float64 {
	if s.Polls == 0 {
		return 0
	}
	return float64(s.EventsTotal) / float64(s.Polls)
}

// Add sums the counters and keeps the maximums.
func (s *Statistics) Add(o Statistics) {
	s.Reads += o.Reads
	s.Writes += o.Writes
	s.Errors += o.Errors
	s.Hangups += o.Hangups
	s.Accepts += o.Accepts
	s.Polls += o.Polls
	s.EventsTotal += o.EventsTotal
	s.MaxEventQueueLength = max(s.MaxEventQueueLength, o.MaxEventQueueLength)
	s.MaxExecTime = max(s.MaxExecTime, o.MaxExecTime)
	s.MaxQueueTime = max(s.MaxQueueTime, o.MaxQueueTime)
	s.CurrentDescriptors += o.CurrentDescriptors
	s.TotalDescriptors += o.TotalDescriptors
}

// AggregateStatistics sums the statistics of all workers.
func AggregateStatistics(all []Statistics) Statistics {
	var total Statistics
	for _, s := range all {
		total.Add(s)
	}
	return total
}

// Statistics returns a snapshot. It may be called from any goroutine.
func (w *Worker) Statistics() Statistics {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

func (w *Worker) recordPoll(n int) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.stats.Polls++
	w.stats.EventsTotal += int64(n)
	if int64(n) > w.stats.MaxEventQueueLength {
		w.stats.MaxEventQueueLength = int64(n)
	}
}

// MemoryUsage estimates the bytes held by the worker runtime.
type MemoryUsage struct {
	QueryClassifier int64 `json:"query_classifier"`
	Zombies         int64 `json:"zombies"`
	Sessions        int64 `json:"sessions"`
	Total           int64 `json:"total"`
}

func (m *MemoryUsage) Add(o MemoryUsage) {
	m.QueryClassifier += o.QueryClassifier
	m.Zombies += o.Zombies
	m.Sessions += o.Sessions
	m.Total += o.Total
}

// descriptorSize is charged for a zombie that does not report its own size.
const descriptorSize = 256

// MemoryUsage must run on the worker goroutine.
func (w *Worker) MemoryUsage() MemoryUsage {
	var m MemoryUsage
	if w.cache != nil {
		m.QueryClassifier = w.cache.Size()
	}
	for _, d := range w.zombies {
		if sz, ok := d.(Sizer); ok {
			m.Zombies += sz.RuntimeSize()
		} else {
			m.Zombies += descriptorSize
		}
	}
	w.ForEachSession(func(s Session) bool {
		if sz, ok := s.(Sizer); ok {
			m.Sessions += sz.RuntimeSize()
		}
		return true
	})
	m.Total = m.QueryClassifier + m.Zombies + m.Sessions
	return m
}
