// Copyright 2023 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package sctx

import (
	"github.com/gin-gonic/gin"
	"github.com/sqlmux/sqlmux/lib/config"
)

// Context is what the command line passes to the server.
type Context struct {
	Overlay    config.Config
	ConfigFile string
	// Handler registers extra HTTP routes. It may be nil.
	Handler HTTPHandler
}

type HTTPHandler interface {
	RegisterHTTP(c *gin.Engine) error
}
