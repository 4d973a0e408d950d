// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/pkg/target"
	"go.uber.org/atomic"
)

var ErrNoTarget = errors.New("no running target")

// Targets lists the backend servers a session may be routed to.
type Targets interface {
	Targets() []*target.Target
}

// Router picks the running target with the fewest connections. Ties rotate.
type Router struct {
	targets Targets
	next    atomic.Uint64
}

func NewRouter(targets Targets) *Router {
	return &Router{targets: targets}
}

func (r *Router) Route() (*target.Target, error) {
	all := r.targets.Targets()
	if len(all) == 0 {
		return nil, ErrNoTarget
	}
	start := int(r.next.Inc() % uint64(len(all)))
	var best *target.Target
	var bestConns int64
	for i := range all {
		t := all[(start+i)%len(all)]
		if !t.IsRunning() {
			continue
		}
		conns := t.Stats().NCurrentConns() + t.Stats().NConnIntents()
		if best == nil || conns < bestConns {
			best, bestConns = t, conns
		}
	}
	if best == nil {
		return nil, ErrNoTarget
	}
	return best, nil
}
