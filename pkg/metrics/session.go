// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	LabelSession = "session"
)

var (
	StatementCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelSession,
			Name:      "statements_total",
			Help:      "Counter of classified client statements.",
		}, []string{LblType})

	SessionDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelSession,
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of client session lifetime (s).",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 14), // 1ms ~ 18h
		})
)
