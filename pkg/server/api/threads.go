// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/pkg/worker"
)

var ErrInvalidParam = errors.New("invalid parameter")

// host is the self link prefix of the resources.
func host(c *gin.Context) string {
	return "http://" + c.Request.Host
}

func workerID(c *gin.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidParam, "thread id %q", c.Param("id"))
	}
	return id, nil
}

func taskContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), DefTaskTimeout)
}

func (h *Server) ListThreads(c *gin.Context) {
	ctx, cancel := taskContext(c)
	defer cancel()
	c.JSON(http.StatusOK, gin.H{
		"instance": h.instance,
		"data":     h.mgr.Registry.AllThreadDiagnostics(ctx, host(c)),
	})
}

func (h *Server) GetThread(c *gin.Context) {
	id, err := workerID(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := taskContext(c)
	defer cancel()
	res, err := h.mgr.Registry.ThreadDiagnostics(ctx, host(c), id)
	switch {
	case errors.Is(err, worker.ErrNoSuchWorker):
		abort(c, http.StatusNotFound, err)
	case err != nil:
		abort(c, http.StatusServiceUnavailable, err)
	default:
		c.JSON(http.StatusOK, gin.H{"data": res})
	}
}

func (h *Server) ThreadStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"instance": h.instance,
		"data":     h.mgr.Registry.Aggregate(),
	})
}

// RebalanceThread moves sessions from one worker to another: /threads/:id/rebalance?to=1&sessions=5.
func (h *Server) RebalanceThread(c *gin.Context) {
	from, err := workerID(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	to, err := strconv.Atoi(c.Query("to"))
	if err != nil {
		abort(c, http.StatusBadRequest, errors.Wrapf(ErrInvalidParam, "to %q", c.Query("to")))
		return
	}
	sessions := 1
	if s := c.Query("sessions"); s != "" {
		if sessions, err = strconv.Atoi(s); err != nil || sessions <= 0 {
			abort(c, http.StatusBadRequest, errors.Wrapf(ErrInvalidParam, "sessions %q", s))
			return
		}
	}
	if err := h.mgr.Registry.RebalanceWorker(from, to, sessions); err != nil {
		code := http.StatusServiceUnavailable
		if errors.Is(err, worker.ErrNoSuchWorker) {
			code = http.StatusNotFound
		}
		abort(c, code, err)
		return
	}
	c.JSON(http.StatusOK, "")
}

// SetThreadsQC turns the classification cache of every worker on or off: /threads/qc?enabled=false.
func (h *Server) SetThreadsQC(c *gin.Context) {
	enabled, err := strconv.ParseBool(c.Query("enabled"))
	if err != nil {
		abort(c, http.StatusBadRequest, errors.Wrapf(ErrInvalidParam, "enabled %q", c.Query("enabled")))
		return
	}
	ctx, cancel := taskContext(c)
	defer cancel()
	n := h.mgr.Registry.SetThreadCacheEnabled(ctx, enabled)
	c.JSON(http.StatusOK, gin.H{"threads": n})
}

func (h *Server) Memory(c *gin.Context) {
	ctx, cancel := taskContext(c)
	defer cancel()
	threads, total := h.mgr.Registry.MemoryUsage(ctx)
	c.JSON(http.StatusOK, gin.H{
		"threads": threads,
		"total":   total,
	})
}

func (h *Server) registerThreads(group *gin.RouterGroup) {
	group.GET("", h.ListThreads)
	// Static segments win over :id in gin.
	group.GET("/stats", h.ThreadStats)
	group.PUT("/qc", h.SetThreadsQC)
	group.GET("/:id", h.GetThread)
	group.POST("/:id/rebalance", h.RebalanceThread)
}

func (h *Server) registerMemory(group *gin.RouterGroup) {
	group.GET("", h.Memory)
}
