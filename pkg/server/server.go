// Copyright 2023 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/sqlmux/sqlmux/lib/config"
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/lib/util/waitgroup"
	mgrcfg "github.com/sqlmux/sqlmux/pkg/manager/config"
	"github.com/sqlmux/sqlmux/pkg/manager/logger"
	"github.com/sqlmux/sqlmux/pkg/metrics"
	"github.com/sqlmux/sqlmux/pkg/proxy"
	"github.com/sqlmux/sqlmux/pkg/proxy/passthrough"
	"github.com/sqlmux/sqlmux/pkg/qc"
	"github.com/sqlmux/sqlmux/pkg/sctx"
	"github.com/sqlmux/sqlmux/pkg/server/api"
	"github.com/sqlmux/sqlmux/pkg/target"
	"github.com/sqlmux/sqlmux/pkg/util/versioninfo"
	"github.com/sqlmux/sqlmux/pkg/worker"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var ErrCloseServer = errors.New("failed to close server")

const (
	watchdogInterval = 10 * time.Second
	watchdogTimeout  = 5 * time.Second
	// shutdownTimeout bounds how long the workers may take to close their sessions.
	shutdownTimeout = 10 * time.Second
)

type Server struct {
	wg     waitgroup.WaitGroup
	cancel context.CancelFunc
	lg     *zap.Logger
	// managers
	ConfigManager  *mgrcfg.ConfigManager
	MetricsManager *metrics.MetricsManager
	LoggerManager  *logger.LoggerManager
	TargetManager  *target.Manager
	// routing workers
	Registry *worker.Registry
	Handler  *passthrough.Handler
	// HTTP server
	APIServer *api.Server
	// L4 proxy
	Proxy *proxy.SQLServer
}

func NewServer(ctx context.Context, sctx *sctx.Context) (srv *Server, err error) {
	srv = &Server{
		ConfigManager:  mgrcfg.NewConfigManager(),
		MetricsManager: metrics.NewMetricsManager(),
	}
	ready := atomic.NewBool(false)

	// set up logger
	var lg *zap.Logger
	if srv.LoggerManager, lg, err = logger.NewLoggerManager(&sctx.Overlay.Log); err != nil {
		return
	}
	srv.lg = lg
	srv.LoggerManager.Init(srv.ConfigManager.WatchConfig())

	// setup config manager
	if err = srv.ConfigManager.Init(ctx, lg.Named("config"), sctx.ConfigFile, &sctx.Overlay); err != nil {
		err = errors.WithStack(err)
		return
	}
	cfg := srv.ConfigManager.GetConfig()
	printInfo(lg, cfg)

	// setup metrics
	srv.MetricsManager.Init(ctx, lg.Named("metrics"))
	metrics.ServerEventCounter.WithLabelValues(metrics.EventStart).Inc()

	// setup routing workers
	{
		var props *qc.Properties
		if props, err = qc.NewProperties(cfg.QueryClassifier.CacheSize); err != nil {
			return
		}
		srv.TargetManager = target.NewManager(lg.Named("target"), nil)
		srv.Handler = passthrough.NewHandler(lg.Named("session"), srv.TargetManager, passthrough.NewConfig(cfg))
		srv.Registry = worker.NewRegistry(lg.Named("registry"), worker.NewOptions(&cfg.Workers), props, srv.Handler)
		if err = srv.Registry.Start(ctx); err != nil {
			return
		}
		srv.TargetManager.SetObserver(&targetObserver{reg: srv.Registry})
		srv.TargetManager.Init(ctx, cfg, srv.ConfigManager.WatchConfig())
	}

	// apply online config changes to the workers
	var bgctx context.Context
	bgctx, srv.cancel = context.WithCancel(context.Background())
	cfgch := srv.ConfigManager.WatchConfig()
	srv.wg.RunWithRecover(func() {
		srv.watchConfig(bgctx, cfgch)
	}, nil, lg)
	srv.wg.RunWithRecover(func() {
		srv.watchdog(bgctx)
	}, nil, lg)

	// setup proxy server
	{
		srv.Proxy, err = proxy.NewSQLServer(lg.Named("proxy"), cfg.Proxy, srv.Handler)
		if err != nil {
			err = errors.WithStack(err)
			return
		}
		if err = srv.Proxy.Run(ctx, srv.Registry, worker.AcceptShared, srv.ConfigManager.WatchConfig()); err != nil {
			return
		}
	}

	// setup http
	mgrs := api.Managers{
		CfgMgr:    srv.ConfigManager,
		TargetMgr: srv.TargetManager,
		Registry:  srv.Registry,
	}
	if srv.APIServer, err = api.NewServer(cfg.API, lg.Named("api"), srv.Proxy.IsClosing, mgrs, sctx.Handler, ready); err != nil {
		return
	}

	ready.Toggle()
	return
}

func printInfo(lg *zap.Logger, cfg *config.Config) {
	fields := []zap.Field{
		zap.String("Release Version", versioninfo.SQLMuxVersion),
		zap.String("Git Commit Hash", versioninfo.SQLMuxGitHash),
		zap.String("Git Branch", versioninfo.SQLMuxGitBranch),
		zap.String("UTC Build Time", versioninfo.SQLMuxBuildTS),
		zap.String("GoVersion", runtime.Version()),
		zap.String("OS", runtime.GOOS),
		zap.String("Arch", runtime.GOARCH),
		zap.Int("Threads", cfg.Workers.Threads),
		zap.String("Instance", uuid.NewString()),
	}
	lg.Info("Welcome to sqlmux.", fields...)
}

// watchConfig applies the settings that the workers and sessions take online.
func (s *Server) watchConfig(ctx context.Context, cfgch <-chan *config.Config) {
	last := s.ConfigManager.GetConfig()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-cfgch:
			if !ok {
				return
			}
			s.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

func (s *Server) applyConfig(ctx context.Context, last, cfg *config.Config) {
	if last.QueryClassifier.CacheSize != cfg.QueryClassifier.CacheSize {
		if err := s.Registry.SetQCProperties(ctx, qc.CacheProperties{CacheSize: cfg.QueryClassifier.CacheSize}); err != nil {
			s.lg.Warn("failed to update query classifier cache size", zap.Error(err))
		}
	}
	wc := cfg.Workers
	s.Registry.SetRebalance(wc.RebalanceThreshold, wc.RebalancePeriod, wc.RebalanceWindow)
	s.Handler.SetConfig(passthrough.NewConfig(cfg))
}

func (s *Server) watchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wctx, cancel := context.WithTimeout(ctx, watchdogTimeout)
			s.Registry.Watchdog(wctx)
			cancel()
		}
	}
}

func (s *Server) Close() error {
	metrics.ServerEventCounter.WithLabelValues(metrics.EventClose).Inc()

	errs := make([]error, 0, 4)
	if s.Proxy != nil {
		errs = append(errs, s.Proxy.Close())
	}
	if s.APIServer != nil {
		errs = append(errs, s.APIServer.Close())
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.Registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		s.Registry.Close(ctx)
		cancel()
	}
	if s.Handler != nil {
		s.Handler.Close()
	}
	if s.TargetManager != nil {
		s.TargetManager.Close()
	}
	if s.ConfigManager != nil {
		errs = append(errs, s.ConfigManager.Close())
	}
	if s.MetricsManager != nil {
		s.MetricsManager.Close()
	}
	if s.LoggerManager != nil {
		errs = append(errs, s.LoggerManager.Close())
	}
	return errors.Collect(ErrCloseServer, errs...)
}
