// Copyright 2023 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/sqlmux/sqlmux/pkg/util/versioninfo"
)

type HealthInfo struct {
	ConfigChecksum uint32 `json:"config_checksum"`
	Instance       string `json:"instance"`
	Version        string `json:"version"`
}

// DebugHealth returns 502 once the proxy refuses new connections so that load balancers move away.
func (h *Server) DebugHealth(c *gin.Context) {
	status := http.StatusOK
	if h.isClosing != nil && h.isClosing() {
		status = http.StatusBadGateway
	}
	c.JSON(status, HealthInfo{
		ConfigChecksum: h.mgr.CfgMgr.GetConfigChecksum(),
		Instance:       h.instance,
		Version:        versioninfo.SQLMuxVersion,
	})
}

func (h *Server) registerDebug(group *gin.RouterGroup) {
	group.GET("/health", h.DebugHealth)
	pprof.RouteRegister(group, "/pprof")
}
