// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package qc

import (
	"math/rand/v2"
)

const (
	// MaxEntrySize is the largest statement a single protocol packet carries.
	MaxEntrySize = 0xffffff - 5
	// budgetFactor leaves room for memory the entry size does not account for.
	budgetFactor  = 0.65
	entryOverhead = 128
)

type Stats struct {
	Size      int64 `json:"size"`
	Inserts   int64 `json:"inserts"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

func (s *Stats) Add(o Stats) {
	s.Size += o.Size
	s.Inserts += o.Inserts
	s.Hits += o.Hits
	s.Misses += o.Misses
	s.Evictions += o.Evictions
}

// EntryState describes one cached statement for diagnostics.
type EntryState struct {
	Hits   int64  `json:"hits"`
	Result Result `json:"classification"`
}

type entry struct {
	key     string
	result  *Result
	sqlMode SQLMode
	options uint32
	hits    int64
	size    int64
	// pos is the index in Cache.slots.
	pos int
}

// Cache maps canonical statements to classifications. Each worker owns one and only its goroutine
// uses it, except the reference count.
//
// Eviction picks a uniformly random entry. The slots slice mirrors the map so that a random
// pick and its removal are O(1).
type Cache struct {
	props    *Properties
	nRunning func() int
	entries  map[string]*entry
	slots    []*entry
	rnd      *rand.Rand
	enabled  bool
	stats    Stats
}

// NewCache is owned by one worker for its whole run. nRunning returns the number of workers that share the budget.
func NewCache(props *Properties, nRunning func() int) *Cache {
	c := &Cache{
		props:    props,
		nRunning: nRunning,
		entries:  make(map[string]*entry),
		rnd:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		enabled:  true,
	}
	return c
}

func (c *Cache) Enabled() bool {
	return c.enabled && c.props.MaxSize() > 0
}

// SetEnabled turns the cache of this worker on or off. Disabling clears it.
func (c *Cache) SetEnabled(enabled bool) {
	if c.enabled && !enabled {
		c.Clear()
	}
	c.enabled = enabled
}

// Budget is the share of the global budget of this worker.
func (c *Cache) Budget() int64 {
	n := 1
	if c.nRunning != nil {
		n = max(c.nRunning(), 1)
	}
	return int64(float64(c.props.MaxSize()/int64(n)) * budgetFactor)
}

// Get returns a copy of the cached result if it was stored under the same sql mode and options.
// A stale entry is evicted and counts as a miss.
func (c *Cache) Get(canonical string, mode SQLMode, options uint32) (*Result, bool) {
	e, ok := c.entries[canonical]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if e.sqlMode != mode || e.options != options {
		c.remove(e)
		c.stats.Evictions++
		c.stats.Misses++
		addEvictionMetrics()
		return nil, false
	}
	e.hits++
	c.stats.Hits++
	return e.result.Clone(), true
}

func entrySize(canonical string, r *Result) int64 {
	return entryOverhead + int64(len(canonical)) + r.Size()
}

// Insert stores the result, evicting random entries when the budget is exceeded.
func (c *Cache) Insert(canonical string, r *Result, mode SQLMode, options uint32) bool {
	size := entrySize(canonical, r)
	budget := c.Budget()
	if size >= MaxEntrySize || size > budget {
		return false
	}
	if old, ok := c.entries[canonical]; ok {
		c.remove(old)
	}
	for c.stats.Size+size > budget && len(c.slots) > 0 {
		c.remove(c.slots[c.rnd.IntN(len(c.slots))])
		c.stats.Evictions++
		addEvictionMetrics()
	}
	if c.stats.Size+size > budget {
		return false
	}
	e := &entry{key: canonical, result: r.Clone(), sqlMode: mode, options: options, size: size, pos: len(c.slots)}
	c.entries[canonical] = e
	c.slots = append(c.slots, e)
	c.stats.Size += size
	c.stats.Inserts++
	return true
}

func (c *Cache) remove(e *entry) {
	last := len(c.slots) - 1
	if e.pos != last {
		moved := c.slots[last]
		c.slots[e.pos] = moved
		moved.pos = e.pos
	}
	c.slots[last] = nil
	c.slots = c.slots[:last]
	delete(c.entries, e.key)
	c.stats.Size -= e.size
}

// Shrink evicts random entries until the cache fits its budget again, e.g. after the
// global size or the number of running workers changed.
func (c *Cache) Shrink() int {
	budget := c.Budget()
	n := 0
	for c.stats.Size > budget && len(c.slots) > 0 {
		c.remove(c.slots[c.rnd.IntN(len(c.slots))])
		c.stats.Evictions++
		addEvictionMetrics()
		n++
	}
	return n
}

// Clear removes all entries. The counters are kept.
func (c *Cache) Clear() {
	clear(c.entries)
	clear(c.slots)
	c.slots = c.slots[:0]
	c.stats.Size = 0
}

func (c *Cache) Len() int {
	return len(c.slots)
}

func (c *Cache) Size() int64 {
	return c.stats.Size
}

func (c *Cache) Stats() Stats {
	return c.stats
}

// State returns the cached statements with their hit counts.
func (c *Cache) State() map[string]EntryState {
	state := make(map[string]EntryState, len(c.entries))
	for k, e := range c.entries {
		state[k] = EntryState{Hits: e.hits, Result: *e.result.Clone()}
	}
	return state
}

// MergeState adds the hits of src to dst, keeping the first classification seen.
func MergeState(dst, src map[string]EntryState) {
	for k, s := range src {
		if cur, ok := dst[k]; ok {
			cur.Hits += s.Hits
			dst[k] = cur
		} else {
			dst[k] = s
		}
	}
}
