// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"go.uber.org/zap"
)

type rebalancePlan struct {
	to       *Worker
	sessions int
	perform  bool
}

// Rebalance records that sessions should move to w. The move happens at the end of the tick,
// after the events of this wake are handled, because those events may belong to a moving descriptor.
// It must run on the worker goroutine.
func (w *Worker) Rebalance(to *Worker, sessions int) {
	if sessions < 1 {
		sessions = 1
	}
	w.rebalance = rebalancePlan{to: to, sessions: sessions, perform: true}
}

func (w *Worker) performRebalance() {
	plan := w.rebalance
	w.rebalance = rebalancePlan{}
	to := plan.to
	if to == nil || to == w {
		return
	}
	if st := to.State(); st != WorkerActive {
		w.lg.Info("drop rebalance because the target is not active", zap.Int("to", to.ID()), zap.Stringer("state", st))
		return
	}

	var candidates []Session
	if plan.sessions == 1 {
		var best Session
		var maxActivity uint64
		w.ForEachSession(func(s Session) bool {
			if s.IsMovable() {
				if a := s.IOActivity(); a > maxActivity {
					maxActivity, best = a, s
				}
			}
			return true
		})
		if best != nil {
			candidates = append(candidates, best)
		} else if w.NSessions() > 0 {
			w.lg.Info("could not move any session because all sessions are unmovable", zap.Int("sessions", w.NSessions()))
		}
	} else {
		w.ForEachSession(func(s Session) bool {
			if s.IsMovable() {
				candidates = append(candidates, s)
			}
			return len(candidates) < plan.sessions
		})
		if total := w.NSessions(); len(candidates) < plan.sessions && total >= plan.sessions {
			w.lg.Info("some sessions are unmovable", zap.Int("unmovable", total-len(candidates)), zap.Int("sessions", total))
		}
	}

	for _, s := range candidates {
		start := w.now()
		if w.moveSession(s, to) {
			addMigrateMetrics(w.id, to.id, true, w.now().Sub(start))
		} else {
			addMigrateMetrics(w.id, to.id, false, 0)
		}
	}
}

// moveSession hands s and all its descriptors over to another worker. It runs on the source worker.
func (w *Worker) moveSession(s Session, to *Worker) bool {
	if !s.MoveTo(to) {
		return false
	}
	descs := make([]Descriptor, 0, 1+len(s.BackendConnections()))
	if d := s.ClientDescriptor(); d != nil {
		descs = append(descs, d)
	}
	for _, c := range s.BackendConnections() {
		descs = append(descs, c.Descriptor())
	}
	for _, d := range descs {
		if d.State() == StatePolling {
			if err := d.DisableEvents(); err != nil {
				w.lg.Warn("disable events failed", zap.Uint64("descriptor", d.ID()), zap.Error(err))
			}
		}
		w.removeDescriptor(d)
	}
	w.DeregisterSession(s.ID())
	for _, d := range descs {
		d.SetOwner(to)
	}
	if !to.post(message{kind: msgSessionMove, session: s, descs: descs}) {
		// The target stopped meanwhile, take the session back.
		w.lg.Warn("target worker stopped during session move", zap.Int("to", to.ID()), zap.Uint64("session", s.ID()))
		for _, d := range descs {
			d.SetOwner(w)
		}
		w.adoptSession(s, descs)
		return false
	}
	w.lg.Debug("session moved", zap.Uint64("session", s.ID()), zap.Int("to", to.ID()))
	return true
}

// adoptSession runs on the target worker of a move.
func (w *Worker) adoptSession(s Session, descs []Descriptor) {
	w.RegisterSession(s)
	for _, d := range descs {
		w.addDescriptor(d)
		if d.State() == StateDisabled {
			if err := d.EnableEvents(); err != nil {
				w.lg.Warn("enable events failed", zap.Uint64("descriptor", d.ID()), zap.Error(err))
			}
		}
	}
	if m, ok := s.(MoveObserver); ok {
		m.OnMoved(w)
	}
}
