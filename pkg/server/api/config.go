// Copyright 2023 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sqlmux/sqlmux/lib/util/errors"
)

// SetConfig merges the TOML body into the current config.
func (h *Server) SetConfig(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abort(c, http.StatusInternalServerError, errors.WithStack(err))
		return
	}

	if err := h.mgr.CfgMgr.SetTOMLConfig(data); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	c.JSON(http.StatusOK, "")
}

func (h *Server) GetConfig(c *gin.Context) {
	switch c.Query("format") {
	case "json":
		c.JSON(http.StatusOK, h.mgr.CfgMgr.GetConfig())
	default:
		c.TOML(http.StatusOK, h.mgr.CfgMgr.GetConfig())
	}
}

func (h *Server) registerConfig(group *gin.RouterGroup) {
	group.PUT("", h.SetConfig)
	group.GET("", h.GetConfig)
}
