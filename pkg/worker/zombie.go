// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"time"

	"go.uber.org/zap"
)

// closeIdleDelay is how long a backend must be silent before it is closed without
// being ready to close.
const closeIdleDelay = 2 * time.Second

func canCloseBackend(now time.Time, c BackendConnection) bool {
	return now.Sub(c.Descriptor().LastRead()) > closeIdleDelay || c.CanClose()
}

// deleteZombies destroys queued descriptors. A client descriptor waits until every backend of its
// session may be closed, e.g. authentication finished. Descriptors queued while closing others are
// handled in the same pass, the delayed ones are examined again at the next pass only.
func (w *Worker) deleteZombies() {
	if len(w.zombies) == 0 {
		return
	}
	now := w.now()
	var slow []Descriptor
	for len(w.zombies) > 0 {
		last := len(w.zombies) - 1
		d := w.zombies[last]
		w.zombies[last] = nil
		w.zombies = w.zombies[:last]

		canClose := true
		if s := d.Session(); d.Role() == RoleClient && s != nil {
			for _, c := range s.BackendConnections() {
				if !canCloseBackend(now, c) {
					canClose = false
					break
				}
			}
		}
		if canClose {
			w.lg.Debug("destroy descriptor", zap.Uint64("descriptor", d.ID()), zap.Stringer("role", d.Role()))
			w.removeDescriptor(d)
			if err := d.Close(); err != nil {
				w.lg.Debug("close descriptor failed", zap.Uint64("descriptor", d.ID()), zap.Error(err))
			}
		} else {
			w.lg.Debug("delay destroying client descriptor", zap.Uint64("session", d.Session().ID()))
			slow = append(slow, d)
		}
	}
	w.zombies = append(w.zombies, slow...)
	w.nZombies.Store(int64(len(w.zombies)))
}
