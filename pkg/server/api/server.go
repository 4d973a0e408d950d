// Copyright 2023 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sqlmux/sqlmux/lib/config"
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/lib/util/waitgroup"
	mgrcfg "github.com/sqlmux/sqlmux/pkg/manager/config"
	"github.com/sqlmux/sqlmux/pkg/target"
	"github.com/sqlmux/sqlmux/pkg/worker"
	"go.uber.org/atomic"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// DefAPILimit is the global API limit per second.
	DefAPILimit = 100
	// DefConnTimeout is used as timeout duration in the HTTP server.
	DefConnTimeout = 30 * time.Second
	// DefTaskTimeout bounds the requests that wait for the workers.
	DefTaskTimeout = 10 * time.Second
)

type HTTPHandler interface {
	RegisterHTTP(c *gin.Engine) error
}

type Managers struct {
	CfgMgr    *mgrcfg.ConfigManager
	TargetMgr *target.Manager
	Registry  *worker.Registry
}

type Server struct {
	listener  net.Listener
	wg        waitgroup.WaitGroup
	limit     ratelimit.Limiter
	ready     *atomic.Bool
	lg        *zap.Logger
	isClosing func() bool
	instance  string
	mgr       Managers
}

func NewServer(cfg config.API, lg *zap.Logger, isClosing func() bool, mgr Managers, handler HTTPHandler, ready *atomic.Bool) (*Server, error) {
	h := &Server{
		limit:     ratelimit.New(DefAPILimit),
		ready:     ready,
		lg:        lg,
		isClosing: isClosing,
		instance:  uuid.NewString(),
		mgr:       mgr,
	}

	var err error
	h.listener, err = net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		h.rateLimit,
		h.readyState,
		h.attachLogger,
	)

	h.registerAPI(engine.Group("/api"))
	// The paths are consistent with other components.
	h.registerMetrics(engine.Group("metrics"))

	if handler != nil {
		if err := handler.RegisterHTTP(engine); err != nil {
			_ = h.listener.Close()
			return nil, errors.WithStack(err)
		}
	}

	hsrv := http.Server{
		Handler:           engine.Handler(),
		ReadHeaderTimeout: DefConnTimeout,
		IdleTimeout:       DefConnTimeout,
	}

	h.wg.RunWithRecover(func() {
		lg.Info("HTTP closed", zap.Error(hsrv.Serve(h.listener)))
	}, nil, h.lg)

	return h, nil
}

func (h *Server) rateLimit(c *gin.Context) {
	_ = h.limit.Take()
}

func (h *Server) attachLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	latency := time.Since(start)

	fields := make([]zapcore.Field, 0, 7)
	fields = append(fields,
		zap.Int("status", c.Writer.Status()),
		zap.String("method", c.Request.Method),
		zap.String("query", c.Request.URL.RawQuery),
		zap.String("ip", c.ClientIP()),
		zap.String("user-agent", c.Request.UserAgent()),
		zap.Duration("latency", latency),
	)

	path := c.Request.URL.Path
	switch {
	case len(c.Errors) > 0:
		errs := make([]error, 0, len(c.Errors))
		for _, e := range c.Errors {
			errs = append(errs, e)
		}
		fields = append(fields, zap.Errors("errs", errs))
		h.lg.Warn(path, fields...)
	default:
		h.lg.Debug(path, fields...)
	}
}

func (h *Server) readyState(c *gin.Context) {
	if !h.ready.Load() {
		c.Abort()
		c.JSON(http.StatusInternalServerError, "service not ready")
	}
}

func (h *Server) registerAPI(g *gin.RouterGroup) {
	h.registerConfig(g.Group("config"))
	h.registerThreads(g.Group("threads"))
	h.registerMemory(g.Group("memory"))
	h.registerServers(g.Group("servers"))
	h.registerQC(g.Group("qc"))
	h.registerMetrics(g.Group("metrics"))
	h.registerDebug(g.Group("debug"))
}

// abort records err for the access log and replies with its message.
func abort(c *gin.Context, code int, err error) {
	_ = c.Error(err)
	c.JSON(code, gin.H{"error": err.Error()})
}

// Addr is the address the HTTP server listens on.
func (h *Server) Addr() string {
	return h.listener.Addr().String()
}

func (h *Server) Close() error {
	err := h.listener.Close()
	h.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return errors.WithStack(err)
}
