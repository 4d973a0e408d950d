// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"time"

	"github.com/sqlmux/sqlmux/pkg/metrics"
	"github.com/sqlmux/sqlmux/pkg/target"
	"github.com/sqlmux/sqlmux/pkg/worker"
)

const purgeTimeout = 5 * time.Second

var _ target.Observer = (*targetObserver)(nil)

// targetObserver forwards target changes to the workers.
type targetObserver struct {
	reg *worker.Registry
}

func (o *targetObserver) OnPoolSizeChanged(t *target.Target) {
	o.reg.PoolSetSize(t.Name(), t.PersistPoolMax())
}

// OnTargetUp wakes the sessions that queued while the target was down.
func (o *targetObserver) OnTargetUp(t *target.Target) {
	o.reg.BroadcastConnAvailable(t)
}

func (o *targetObserver) OnTargetRemoved(t *target.Target) {
	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()
	o.reg.PoolCloseAllConnsByServer(ctx, t.Name())
	metrics.DelServer(t.Name())
}
