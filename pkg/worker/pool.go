// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"time"
)

// PoolStats is cumulative for one pool, or summed over the pools of all workers.
type PoolStats struct {
	CurrSize   int64 `json:"curr_size"`
	MaxSize    int64 `json:"max_size"`
	TimesFound int64 `json:"times_found"`
	TimesEmpty int64 `json:"times_empty"`
}

func (s *PoolStats) Add(o PoolStats) {
	s.CurrSize += o.CurrSize
	s.MaxSize += o.MaxSize
	s.TimesFound += o.TimesFound
	s.TimesEmpty += o.TimesEmpty
}

type poolEntry struct {
	conn    BackendConnection
	created time.Time
}

// ConnectionPool stores the idle connections of one worker to one server.
// It is guarded by the pool lock of its worker.
type ConnectionPool struct {
	w        *Worker
	srv      Server
	capacity int64
	// entries are ordered by insertion, oldest first.
	entries []poolEntry
	stats   PoolStats
}

func newConnectionPool(w *Worker, srv Server, globalCapacity int64) *ConnectionPool {
	p := &ConnectionPool{w: w, srv: srv}
	p.SetCapacity(globalCapacity)
	return p
}

// SetCapacity divides the global capacity by the number of workers.
// A reduced capacity takes effect at the next CloseExpired.
func (p *ConnectionPool) SetCapacity(globalCapacity int64) {
	n := int64(p.w.nWorkers())
	if n < 1 {
		n = 1
	}
	p.capacity = globalCapacity / n
}

func (p *ConnectionPool) Capacity() int64 {
	return p.capacity
}

func (p *ConnectionPool) Len() int {
	return len(p.entries)
}

func (p *ConnectionPool) Empty() bool {
	return len(p.entries) == 0
}

func (p *ConnectionPool) HasSpace() bool {
	return int64(len(p.entries)) < p.capacity
}

func (p *ConnectionPool) Stats() PoolStats {
	st := p.stats
	st.CurrSize = int64(len(p.entries))
	return st
}

// GetConnection removes and returns the connection with the best reuse score for s.
// The scan stops at the first optimal candidate.
func (p *ConnectionPool) GetConnection(s Session) (ReuseScore, BackendConnection) {
	best, bestIdx := ReuseNotPossible, -1
	for i, e := range p.entries {
		score := e.conn.CanReuse(s)
		if score > best {
			best, bestIdx = score, i
			if score == OptimalReuse {
				break
			}
		}
	}
	if bestIdx < 0 {
		p.stats.TimesEmpty++
		return ReuseNotPossible, nil
	}
	conn := p.entries[bestIdx].conn
	p.entries = append(p.entries[:bestIdx], p.entries[bestIdx+1:]...)
	p.stats.TimesFound++
	return best, conn
}

func (p *ConnectionPool) AddConnection(c BackendConnection) {
	p.entries = append(p.entries, poolEntry{conn: c, created: p.w.now()})
	if int64(len(p.entries)) > p.stats.MaxSize {
		p.stats.MaxSize = int64(len(p.entries))
	}
}

// CloseExpired closes hung up connections and those older than the server allows,
// then the oldest ones beyond the capacity.
func (p *ConnectionPool) CloseExpired() {
	now := p.w.now()
	maxAge := p.srv.PersistMaxTime()
	kept := p.entries[:0]
	var expired []BackendConnection
	for _, e := range p.entries {
		if e.conn.Descriptor().HungUp() || (maxAge > 0 && now.Sub(e.created) > maxAge) {
			expired = append(expired, e.conn)
		} else {
			kept = append(kept, e)
		}
	}
	if excess := int64(len(kept)) - p.capacity; excess > 0 {
		for _, e := range kept[:excess] {
			expired = append(expired, e.conn)
		}
		kept = append(kept[:0], kept[excess:]...)
	}
	clear(p.entries[len(kept):])
	p.entries = kept
	for _, c := range expired {
		p.w.closePooled(c)
	}
}

// RemoveAndClose is called when a pooled connection becomes active unexpectedly.
func (p *ConnectionPool) RemoveAndClose(c BackendConnection) {
	for i, e := range p.entries {
		if e.conn == c {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			p.w.closePooled(c)
			return
		}
	}
}

func (p *ConnectionPool) CloseAll() {
	entries := p.entries
	p.entries = nil
	for _, e := range entries {
		p.w.closePooled(e.conn)
	}
}
