// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayedCalls(t *testing.T) {
	clock := newMockClock()
	r := newTestRegistry(t, 1, clock)
	w := r.Get(0)

	var once, repeated, nested int
	w.DelayedCall(time.Second, func(*Worker) bool {
		once++
		w.DelayedCall(time.Second, func(*Worker) bool {
			nested++
			return true
		})
		return false
	})
	w.DelayedCall(2*time.Second, func(*Worker) bool {
		repeated++
		return true
	})

	w.runDueCalls()
	require.Zero(t, once)
	clock.Advance(time.Second)
	w.runDueCalls()
	require.Equal(t, 1, once)
	require.Zero(t, repeated)
	require.Zero(t, nested)

	clock.Advance(time.Second)
	w.runDueCalls()
	require.Equal(t, 1, once)
	require.Equal(t, 1, repeated)
	require.Equal(t, 1, nested)
	require.Len(t, w.calls, 2)

	clock.Advance(2 * time.Second)
	w.runDueCalls()
	require.Equal(t, 2, repeated)
	require.Equal(t, 2, nested)
}

func TestStateChanges(t *testing.T) {
	r := newTestRegistry(t, 2, nil)
	w := r.Get(0)
	w.state.Store(int32(WorkerActive))
	r.Get(1).state.Store(int32(WorkerActive))
	r.onStateChange()
	require.Equal(t, 2, r.NRunning())

	s := addSession(w, 1)
	w.RequestState(WorkerDraining)
	drain(w)
	require.Equal(t, WorkerDraining, w.State())
	require.Equal(t, 1, r.NRunning())

	// A draining worker becomes dormant once its last session is gone.
	w.DeregisterSession(s.ID())
	drain(w)
	require.Equal(t, WorkerDormant, w.State())

	w.RequestState(WorkerActive)
	drain(w)
	require.Equal(t, WorkerActive, w.State())
	require.Equal(t, 2, r.NRunning())

	// Only active and draining can be requested.
	w.RequestState(WorkerStopped)
	drain(w)
	require.Equal(t, WorkerActive, w.State())
}

func TestTickSessions(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	w := r.Get(0)
	polling := addSession(w, 0)
	disabled := addSession(w, 0)
	require.NoError(t, disabled.client.DisableEvents())
	w.tickSessions()
	require.Equal(t, int32(1), polling.ticks.Load())
	require.Zero(t, disabled.ticks.Load())
}

func TestDispatchCountsEvents(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	w := r.Get(0)
	srv := newMockServer("d", 0, 0)
	c := newMockConn(w, nil, srv, 1)
	w.AddDescriptor(c.desc)
	for _, kind := range []EventKind{EventRead, EventWrite, EventError, EventHangup} {
		w.PostEvent(Event{Desc: c.desc, Kind: kind})
	}
	drain(w)
	require.Equal(t, 4, c.events)

	// Events of descriptors that are not polling are dropped.
	require.NoError(t, c.desc.DisableEvents())
	w.PostEvent(Event{Desc: c.desc, Kind: EventRead})
	drain(w)
	require.Equal(t, 4, c.events)

	stats := w.Statistics()
	require.Equal(t, int64(1), stats.Reads)
	require.Equal(t, int64(1), stats.Writes)
	require.Equal(t, int64(1), stats.Errors)
	require.Equal(t, int64(1), stats.Hangups)
	require.Equal(t, int64(2), stats.Polls)
	require.Equal(t, int64(5), stats.EventsTotal)
	require.Equal(t, int64(4), stats.MaxEventQueueLength)
	require.InDelta(t, 2.5, stats.AvgEventQueueLength(), 0.001)
}

func TestExecuteAfterStop(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	w := r.Get(0)
	ran := 0
	require.True(t, w.Execute(func(*Worker) { ran++ }, nil))
	// Pending tasks still run when the worker finishes.
	w.finish()
	require.Equal(t, 1, ran)
	require.Equal(t, WorkerStopped, w.State())
	require.False(t, w.Execute(func(*Worker) { ran++ }, nil))
	require.Equal(t, 1, ran)
}

func TestLocals(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	w := r.Get(0)
	type key struct{}
	require.Nil(t, w.Local(key{}))
	w.SetLocal(key{}, 3)
	require.Equal(t, 3, w.Local(key{}))
	w.SetLocal(key{}, nil)
	require.Nil(t, w.Local(key{}))
}

func TestMemoryUsage(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	w := r.Get(0)
	s := addSession(w, 0)
	s.size = 1000
	w.Destroy(newMockDescriptor(RoleBackend, nil, w))
	m := w.MemoryUsage()
	require.Equal(t, int64(1000), m.Sessions)
	require.Equal(t, int64(descriptorSize), m.Zombies)
	require.Equal(t, int64(1000+descriptorSize), m.Total)
}
