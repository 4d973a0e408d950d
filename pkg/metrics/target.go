// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	LabelTarget = "target"
)

var (
	TargetStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelTarget,
			Name:      "status",
			Help:      "Status of the server targets, 1 for the current status.",
		}, []string{LblServer, LblState})

	TargetConnGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelTarget,
			Name:      "connections",
			Help:      "Number of routing connections to each server.",
		}, []string{LblServer})

	HealthCheckDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelTarget,
			Name:      "health_check_seconds",
			Help:      "Bucketed histogram of health check time (s) of each server.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20), // 0.1ms ~ 52s
		}, []string{LblServer})
)
