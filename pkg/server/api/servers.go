// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/pkg/target"
	"github.com/sqlmux/sqlmux/pkg/worker"
)

type ServerInfo struct {
	target.Info
	Pool worker.PoolStats `json:"pool"`
}

func (h *Server) serverInfo(t *target.Target) ServerInfo {
	return ServerInfo{Info: t.Info(), Pool: h.mgr.Registry.PoolGetStats(t.Name())}
}

func (h *Server) lookupServer(c *gin.Context) (*target.Target, bool) {
	name := c.Param("name")
	t, ok := h.mgr.TargetMgr.Get(name)
	if !ok {
		abort(c, http.StatusNotFound, errors.Wrapf(target.ErrNoSuchTarget, "%s", name))
	}
	return t, ok
}

func (h *Server) ListServers(c *gin.Context) {
	targets := h.mgr.TargetMgr.Targets()
	infos := make([]ServerInfo, 0, len(targets))
	for _, t := range targets {
		infos = append(infos, h.serverInfo(t))
	}
	c.JSON(http.StatusOK, gin.H{"data": infos})
}

func (h *Server) GetServer(c *gin.Context) {
	if t, ok := h.lookupServer(c); ok {
		c.JSON(http.StatusOK, gin.H{"data": h.serverInfo(t)})
	}
}

// SetServerStatus changes the status by hand: /servers/:name/status?status=maintenance.
func (h *Server) SetServerStatus(c *gin.Context) {
	t, ok := h.lookupServer(c)
	if !ok {
		return
	}
	status, ok := target.ParseStatus(c.Query("status"))
	if !ok {
		abort(c, http.StatusBadRequest, errors.Wrapf(ErrInvalidParam, "status %q", c.Query("status")))
		return
	}
	if err := h.mgr.TargetMgr.SetStatus(t.Name(), status); err != nil {
		abort(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, "")
}

func (h *Server) GetPool(c *gin.Context) {
	if t, ok := h.lookupServer(c); ok {
		c.JSON(http.StatusOK, gin.H{"data": h.mgr.Registry.PoolGetStats(t.Name())})
	}
}

// SetPoolSize changes the global pool capacity until the next config change: /servers/:name/pool?size=10.
func (h *Server) SetPoolSize(c *gin.Context) {
	t, ok := h.lookupServer(c)
	if !ok {
		return
	}
	size, err := strconv.ParseInt(c.Query("size"), 10, 64)
	if err != nil || size < 0 {
		abort(c, http.StatusBadRequest, errors.Wrapf(ErrInvalidParam, "size %q", c.Query("size")))
		return
	}
	t.SetPersistPoolMax(size)
	h.mgr.Registry.PoolSetSize(t.Name(), size)
	c.JSON(http.StatusOK, "")
}

// ClosePool evicts the pooled connections of the server on every worker.
func (h *Server) ClosePool(c *gin.Context) {
	t, ok := h.lookupServer(c)
	if !ok {
		return
	}
	ctx, cancel := taskContext(c)
	defer cancel()
	n := h.mgr.Registry.PoolCloseAllConnsByServer(ctx, t.Name())
	c.JSON(http.StatusOK, gin.H{"threads": n})
}

func (h *Server) registerServers(group *gin.RouterGroup) {
	group.GET("", h.ListServers)
	group.GET("/:name", h.GetServer)
	group.PUT("/:name/status", h.SetServerStatus)
	group.GET("/:name/pool", h.GetPool)
	group.PUT("/:name/pool", h.SetPoolSize)
	group.DELETE("/:name/pool", h.ClosePool)
}
