// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Label constants.
const (
	LblWorker = "worker"
	LblServer = "server"
	LblFrom   = "from"
	LblTo     = "to"
	LblRes    = "res"
	LblState  = "state"

	LblMigrateResult = "migrate_res"
)

var (
	WorkerSessionsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelWorker,
			Name:      "sessions",
			Help:      "Number of sessions owned by each worker.",
		}, []string{LblWorker})

	WorkerZombiesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelWorker,
			Name:      "zombies",
			Help:      "Number of descriptors waiting to be closed on each worker.",
		}, []string{LblWorker})

	WorkerLoadGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelWorker,
			Name:      "load_percentage",
			Help:      "Busy percentage of each worker during the last second.",
		}, []string{LblWorker})

	WorkerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelWorker,
			Name:      "state",
			Help:      "Current state of each worker.",
		}, []string{LblWorker, LblState})

	MigrateCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelBalance,
			Name:      "migrate_total",
			Help:      "Number and result of session migration between workers.",
		}, []string{LblFrom, LblTo, LblMigrateResult})

	MigrateDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelBalance,
			Name:      "migrate_duration_seconds",
			Help:      "Bucketed histogram of migrating time (s) of sessions.",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 2, 26), // 1us ~ 30s
		}, []string{LblFrom, LblTo, LblMigrateResult})
)
