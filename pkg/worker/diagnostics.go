// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"strconv"

	"github.com/sqlmux/sqlmux/pkg/qc"
)

const threadsPath = "/api/threads/"

type LoadInfo struct {
	LastSecond int `json:"last_second"`
	LastMinute int `json:"last_minute"`
	LastHour   int `json:"last_hour"`
}

// ThreadStats is the diagnostic view of one worker.
type ThreadStats struct {
	State               string               `json:"state"`
	Statistics          Statistics           `json:"statistics"`
	AvgEventQueueLength float64              `json:"avg_event_queue_length"`
	Load                LoadInfo             `json:"load"`
	Sessions            int                  `json:"sessions"`
	Zombies             int                  `json:"zombies"`
	WaitingEndpoints    int                  `json:"waiting_endpoints"`
	Pools               map[string]PoolStats `json:"pools"`
	QueryClassifier     *qc.Stats            `json:"query_classifier_cache,omitempty"`
	Memory              MemoryUsage          `json:"memory"`
}

type ThreadAttributes struct {
	Stats ThreadStats `json:"stats"`
}

type ResourceLinks struct {
	Self string `json:"self"`
}

// ThreadResource is the REST resource of a worker.
type ThreadResource struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Attributes ThreadAttributes `json:"attributes"`
	Links      ResourceLinks    `json:"links"`
}

// diagnostics must run on the worker goroutine.
func (w *Worker) diagnostics() ThreadStats {
	stats := w.Statistics()
	ts := ThreadStats{
		State:               w.State().String(),
		Statistics:          stats,
		AvgEventQueueLength: stats.AvgEventQueueLength(),
		Load: LoadInfo{
			LastSecond: w.Load(LoadOneSecond),
			LastMinute: w.Load(LoadOneMinute),
			LastHour:   w.Load(LoadOneHour),
		},
		Sessions:         w.NSessions(),
		Zombies:          w.NZombies(),
		WaitingEndpoints: w.NWaiting(),
		Pools:            w.poolSnapshot(),
		Memory:           w.MemoryUsage(),
	}
	if w.cache != nil {
		cs := w.cache.Stats()
		ts.QueryClassifier = &cs
	}
	return ts
}

func (w *Worker) poolSnapshot() map[string]PoolStats {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	pools := make(map[string]PoolStats, len(w.pools))
	for name, pool := range w.pools {
		pools[name] = pool.Stats()
	}
	return pools
}

func threadResource(host string, id int, ts ThreadStats) ThreadResource {
	sid := strconv.Itoa(id)
	return ThreadResource{
		ID:         sid,
		Type:       "threads",
		Attributes: ThreadAttributes{Stats: ts},
		Links:      ResourceLinks{Self: host + threadsPath + sid},
	}
}

// ThreadDiagnostics returns the resource of one worker. host prefixes the self link.
func (r *Registry) ThreadDiagnostics(ctx context.Context, host string, id int) (ThreadResource, error) {
	ts, err := collectOn(ctx, r, id, func(w *Worker) ThreadStats {
		return w.diagnostics()
	})
	if err != nil {
		return ThreadResource{}, err
	}
	return threadResource(host, id, ts), nil
}

// AllThreadDiagnostics returns the resources of the workers that answered, in id order.
func (r *Registry) AllThreadDiagnostics(ctx context.Context, host string) []ThreadResource {
	all, answered := collectSerially(ctx, r, func(w *Worker) ThreadStats {
		return w.diagnostics()
	})
	resources := make([]ThreadResource, 0, len(all))
	for id, ts := range all {
		if answered[id] {
			resources = append(resources, threadResource(host, id, ts))
		}
	}
	return resources
}

// AggregateStats is the view of all workers together.
type AggregateStats struct {
	Threads             int        `json:"threads"`
	Running             int        `json:"running"`
	Statistics          Statistics `json:"statistics"`
	AvgEventQueueLength float64    `json:"avg_event_queue_length"`
	Sessions            int        `json:"sessions"`
	Zombies             int        `json:"zombies"`
	WaitingEndpoints    int        `json:"waiting_endpoints"`
	Load                LoadInfo   `json:"load"`
}

// Aggregate sums counters across workers. The load is the mean of the worker loads.
func (r *Registry) Aggregate() AggregateStats {
	agg := AggregateStats{
		Threads: len(r.workers),
		Running: r.NRunning(),
	}
	agg.Statistics = AggregateStatistics(r.GetStatistics())
	agg.AvgEventQueueLength = agg.Statistics.AvgEventQueueLength()
	for _, w := range r.workers {
		agg.Sessions += w.NSessions()
		agg.Zombies += w.NZombies()
		agg.WaitingEndpoints += w.NWaiting()
		agg.Load.LastSecond += w.Load(LoadOneSecond)
		agg.Load.LastMinute += w.Load(LoadOneMinute)
		agg.Load.LastHour += w.Load(LoadOneHour)
	}
	if n := len(r.workers); n > 0 {
		agg.Load.LastSecond /= n
		agg.Load.LastMinute /= n
		agg.Load.LastHour /= n
	}
	return agg
}

// QCStatsResource pairs the cache statistics with the worker id.
type QCStatsResource struct {
	ID    string   `json:"id"`
	Type  string   `json:"type"`
	Stats qc.Stats `json:"stats"`
}

func QCStatsResources(all []qc.Stats) []QCStatsResource {
	res := make([]QCStatsResource, 0, len(all))
	for id, s := range all {
		res = append(res, QCStatsResource{ID: strconv.Itoa(id), Type: "qc_stats", Stats: s})
	}
	return res
}
