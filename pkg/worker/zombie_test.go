// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestZombieWaitsForBackends(t *testing.T) {
	clock := newMockClock()
	r := newTestRegistry(t, 1, clock)
	w := r.Get(0)
	srv := newMockServer("z", 0, 0)

	s := newMockSession(w)
	w.AddDescriptor(s.client)
	backend := newMockConn(w, s, srv, 1)
	backend.canClose = false
	backend.desc.MarkRead(clock.Now())
	s.LinkBackendConnection(backend)

	w.CloseDescriptor(s.client)
	require.Equal(t, 1, w.NZombies())
	w.deleteZombies()
	require.Equal(t, 1, w.NZombies())
	require.Zero(t, s.client.closed.Load())

	// The backend is ready to close now.
	backend.canClose = true
	w.deleteZombies()
	require.Zero(t, w.NZombies())
	require.Equal(t, int32(1), s.client.closed.Load())
	require.Zero(t, w.Statistics().CurrentDescriptors)
}

func TestZombieIdleBackend(t *testing.T) {
	clock := newMockClock()
	r := newTestRegistry(t, 1, clock)
	w := r.Get(0)
	srv := newMockServer("z", 0, 0)

	s := newMockSession(w)
	backend := newMockConn(w, s, srv, 1)
	backend.canClose = false
	backend.desc.MarkRead(clock.Now())
	s.LinkBackendConnection(backend)
	w.Destroy(s.client)

	clock.Advance(time.Second)
	w.deleteZombies()
	require.Equal(t, 1, w.NZombies())

	// A backend that has been silent long enough does not block the client.
	clock.Advance(2 * time.Second)
	w.deleteZombies()
	require.Zero(t, w.NZombies())
	require.Equal(t, StateClosed, s.client.State())
}

func TestZombieBackendsCloseImmediately(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	w := r.Get(0)
	srv := newMockServer("z", 0, 0)
	descs := make([]*mockDescriptor, 0, 3)
	for range 3 {
		c := newMockConn(w, nil, srv, 1)
		w.AddDescriptor(c.desc)
		descs = append(descs, c.desc)
		w.CloseDescriptor(c.desc)
	}
	require.Equal(t, int64(3), w.Statistics().CurrentDescriptors)
	w.deleteZombies()
	require.Zero(t, w.NZombies())
	for _, d := range descs {
		require.Equal(t, int32(1), d.closed.Load())
	}
	stats := w.Statistics()
	require.Zero(t, stats.CurrentDescriptors)
	require.Equal(t, int64(3), stats.TotalDescriptors)
}
