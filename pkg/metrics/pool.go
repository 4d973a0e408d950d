// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PoolGetCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelPool,
			Name:      "get_total",
			Help:      "Counter of connection pool lookups.",
		}, []string{LblServer, LblRes})

	PoolSizeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelPool,
			Name:      "size",
			Help:      "Number of pooled connections per worker and server.",
		}, []string{LblWorker, LblServer})

	ConnLimitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelAdmission,
			Name:      "limit_reached_total",
			Help:      "Counter of connection requests rejected by the routing connection limit.",
		}, []string{LblServer})

	WaitTimeoutCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelAdmission,
			Name:      "wait_timeout_total",
			Help:      "Counter of endpoints that timed out waiting for a connection.",
		}, []string{LblServer})

	WaitingEndpointsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelAdmission,
			Name:      "waiting",
			Help:      "Number of endpoints waiting for a connection on each worker.",
		}, []string{LblWorker})

	QCLookupCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelQC,
			Name:      "lookup_total",
			Help:      "Counter of classification cache lookups.",
		}, []string{LblRes})

	QCEvictionCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelQC,
			Name:      "eviction_total",
			Help:      "Counter of classification cache evictions.",
		})
)
