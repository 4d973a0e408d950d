// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package qc

import "github.com/sqlmux/sqlmux/pkg/metrics"

func hitToLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

func addLookupMetrics(hit bool) {
	metrics.QCLookupCounter.WithLabelValues(hitToLabel(hit)).Inc()
}

func addEvictionMetrics() {
	metrics.QCEvictionCounter.Inc()
}
