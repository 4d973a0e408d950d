// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/pkg/qc"
	"github.com/sqlmux/sqlmux/pkg/worker"
)

type qcParameters struct {
	Parameters qc.CacheProperties `json:"parameters"`
}

func (h *Server) GetQC(c *gin.Context) {
	props := h.mgr.Registry.QCProperties()
	if props == nil {
		abort(c, http.StatusNotFound, errors.New("query classifier cache is disabled"))
		return
	}
	c.JSON(http.StatusOK, qcParameters{Parameters: props.Get()})
}

// SetQC changes the global cache budget. Caches above their new share shrink at once.
func (h *Server) SetQC(c *gin.Context) {
	var req qcParameters
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, errors.Wrap(ErrInvalidParam, err))
		return
	}
	ctx, cancel := taskContext(c)
	defer cancel()
	if err := h.mgr.Registry.SetQCProperties(ctx, req.Parameters); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, qcParameters{Parameters: h.mgr.Registry.QCProperties().Get()})
}

func (h *Server) QCStats(c *gin.Context) {
	ctx, cancel := taskContext(c)
	defer cancel()
	c.JSON(http.StatusOK, gin.H{"data": worker.QCStatsResources(h.mgr.Registry.QCStats(ctx))})
}

// QCCache dumps the cached statements of all workers with their hits and classification.
func (h *Server) QCCache(c *gin.Context) {
	ctx, cancel := taskContext(c)
	defer cancel()
	c.JSON(http.StatusOK, gin.H{"data": h.mgr.Registry.QCState(ctx)})
}

func (h *Server) QCClear(c *gin.Context) {
	ctx, cancel := taskContext(c)
	defer cancel()
	c.JSON(http.StatusOK, gin.H{"threads": h.mgr.Registry.QCClear(ctx)})
}

func (h *Server) registerQC(group *gin.RouterGroup) {
	group.GET("", h.GetQC)
	group.PUT("", h.SetQC)
	group.GET("/stats", h.QCStats)
	group.GET("/cache", h.QCCache)
	group.POST("/cache/clear", h.QCClear)
}
