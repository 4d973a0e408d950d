// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	LblType = "type"

	EventStart = "start"
	EventClose = "close"

	// ErrMaxConnections is the error type of clients rejected by max-connections.
	ErrMaxConnections = "max_connections"
)

var (
	ConnGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelServer,
			Name:      "connections",
			Help:      "Number of client sessions owned by the routing workers.",
		})

	MaxProcsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelServer,
			Name:      "maxprocs",
			Help:      "GOMAXPROCS of the process; compare with the number of routing workers.",
		})

	ServerEventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelServer,
			Name:      "event_total",
			Help:      "Counter of process lifecycle events.",
		}, []string{LblType})

	ServerErrCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelServer,
			Name:      "err_total",
			Help:      "Counter of rejected or failed client connections by cause.",
		}, []string{LblType})
)
