// Copyright 2023 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// metricsHandler serves the default registry. Errors of single collectors are logged and the
// rest of the metrics are still served.
func (h *Server) metricsHandler() gin.HandlerFunc {
	opts := promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(h.lg.Named("metrics")),
		ErrorHandling: promhttp.ContinueOnError,
	}
	handler := promhttp.InstrumentMetricHandler(prometheus.DefaultRegisterer, promhttp.HandlerFor(prometheus.DefaultGatherer, opts))
	return gin.WrapH(handler)
}

func (h *Server) registerMetrics(group *gin.RouterGroup) {
	group.GET("/", h.metricsHandler())
}
