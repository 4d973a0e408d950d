// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"strconv"
	"time"

	"github.com/sqlmux/sqlmux/pkg/metrics"
)

func succeedToLabel(succeed bool) string {
	if succeed {
		return "succeed"
	}
	return "fail"
}

func hitToLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

func addConnLimitMetrics(server string) {
	metrics.ConnLimitCounter.WithLabelValues(server).Inc()
}

func readConnLimitCounter(server string) (int, error) {
	return metrics.ReadCounter(metrics.ConnLimitCounter.WithLabelValues(server))
}

func addPoolMetrics(server string, hit bool) {
	metrics.PoolGetCounter.WithLabelValues(server, hitToLabel(hit)).Inc()
}

func readPoolCounter(server string, hit bool) (int, error) {
	return metrics.ReadCounter(metrics.PoolGetCounter.WithLabelValues(server, hitToLabel(hit)))
}

func setPoolSizeMetrics(worker int, server string, size int) {
	metrics.PoolSizeGauge.WithLabelValues(strconv.Itoa(worker), server).Set(float64(size))
}

func addWaitTimeoutMetrics(server string) {
	metrics.WaitTimeoutCounter.WithLabelValues(server).Inc()
}

func readWaitTimeoutCounter(server string) (int, error) {
	return metrics.ReadCounter(metrics.WaitTimeoutCounter.WithLabelValues(server))
}

func addMigrateMetrics(from, to int, succeed bool, cost time.Duration) {
	fromLabel, toLabel, resLabel := strconv.Itoa(from), strconv.Itoa(to), succeedToLabel(succeed)
	metrics.MigrateCounter.WithLabelValues(fromLabel, toLabel, resLabel).Inc()
	if succeed {
		metrics.MigrateDurationHistogram.WithLabelValues(fromLabel, toLabel, resLabel).Observe(cost.Seconds())
	}
}

func readMigrateCounter(from, to int, succeed bool) (int, error) {
	return metrics.ReadCounter(metrics.MigrateCounter.WithLabelValues(strconv.Itoa(from), strconv.Itoa(to), succeedToLabel(succeed)))
}

var workerStates = []State{WorkerCreated, WorkerActive, WorkerDraining, WorkerDormant, WorkerStopped}

func updateWorkerMetrics(w *Worker) {
	label := strconv.Itoa(w.id)
	metrics.WorkerSessionsGauge.WithLabelValues(label).Set(float64(w.NSessions()))
	metrics.WorkerZombiesGauge.WithLabelValues(label).Set(float64(w.NZombies()))
	metrics.WorkerLoadGauge.WithLabelValues(label).Set(float64(w.Load(LoadOneSecond)))
	metrics.WaitingEndpointsGauge.WithLabelValues(label).Set(float64(w.NWaiting()))
	cur := w.State()
	for _, st := range workerStates {
		v := 0.0
		if st == cur {
			v = 1
		}
		metrics.WorkerStateGauge.WithLabelValues(label, st.String()).Set(v)
	}
}
