// Copyright 2023 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sqlmux/sqlmux/lib/config"
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/lib/util/waitgroup"
	"github.com/sqlmux/sqlmux/pkg/metrics"
	"github.com/sqlmux/sqlmux/pkg/proxy/keepalive"
	"github.com/sqlmux/sqlmux/pkg/proxy/proxyprotocol"
	"github.com/sqlmux/sqlmux/pkg/worker"
	"go.uber.org/zap"
)

var ErrCloseServer = errors.New("failed to close server")

// SessionHandler creates the sessions of accepted connections.
type SessionHandler interface {
	worker.ListenerHandler
	NSessions() int64
}

type serverState struct {
	sync.RWMutex
	frontendKeepalive config.KeepAlive
	maxConnections    uint64
	gracefulWait      int
	inShutdown        bool
}

// SQLServer listens on the proxy addresses and hands accepted connections to the workers.
type SQLServer struct {
	listeners  []net.Listener
	addrs      []string
	logger     *zap.Logger
	handler    SessionHandler
	wg         waitgroup.WaitGroup
	cancelFunc context.CancelFunc

	mu serverState
}

// NewSQLServer creates a new SQLServer.
func NewSQLServer(logger *zap.Logger, cfg config.ProxyServer, handler SessionHandler) (*SQLServer, error) {
	s := &SQLServer{
		logger:  logger,
		handler: handler,
	}
	s.reset(&cfg.ProxyServerOnline)

	s.addrs = strings.Split(cfg.Addr, ",")
	s.listeners = make([]net.Listener, 0, len(s.addrs))
	for _, addr := range s.addrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range s.listeners {
				_ = l.Close()
			}
			return nil, errors.WithStack(err)
		}
		if cfg.ProxyProtocol != "" {
			l = proxyprotocol.NewListener(l)
		}
		s.listeners = append(s.listeners, l)
	}
	return s, nil
}

func (s *SQLServer) reset(cfg *config.ProxyServerOnline) {
	s.mu.Lock()
	s.mu.frontendKeepalive = cfg.FrontendKeepalive
	s.mu.maxConnections = cfg.MaxConnections
	s.mu.gracefulWait = cfg.GracefulWaitBeforeShutdown
	s.mu.Unlock()
}

// Run registers the listeners with the workers and applies online config changes.
func (s *SQLServer) Run(ctx context.Context, reg *worker.Registry, mode worker.AcceptMode, cfgch <-chan *config.Config) error {
	// Create another context because it still needs to run after graceful shutdown.
	ctx, s.cancelFunc = context.WithCancel(context.Background())

	s.wg.Run(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ach, ok := <-cfgch:
				if !ok || ach == nil {
					// prevent panic on closing chan
					return
				}
				s.reset(&ach.Proxy.ProxyServerOnline)
			}
		}
	})

	for _, l := range s.listeners {
		if err := reg.AddListener(l, s, mode); err != nil {
			return err
		}
		s.logger.Info("listening", zap.Stringer("addr", l.Addr()))
	}
	return nil
}

// OnAccept runs on the accepting worker.
func (s *SQLServer) OnAccept(w *worker.Worker, conn net.Conn) {
	s.mu.RLock()
	conns := uint64(s.handler.NSessions())
	maxConns := s.mu.maxConnections
	keepAlive := s.mu.frontendKeepalive
	inShutdown := s.mu.inShutdown
	s.mu.RUnlock()

	// 'maxConns == 0' => unlimited connections
	if maxConns != 0 && conns >= maxConns {
		s.logger.Warn("too many connections", zap.Uint64("max connections", maxConns), zap.Stringer("client_addr", conn.RemoteAddr()), zap.Error(conn.Close()))
		metrics.ServerErrCounter.WithLabelValues(metrics.ErrMaxConnections).Inc()
		return
	}
	if inShutdown {
		s.logger.Warn("in shutdown", zap.Stringer("client_addr", conn.RemoteAddr()), zap.Error(conn.Close()))
		return
	}
	if err := keepalive.SetKeepalive(conn, keepAlive); err != nil {
		s.logger.Warn("failed to set tcp keep alive option", zap.Error(err))
	}
	s.handler.OnAccept(w, conn)
}

func (s *SQLServer) IsClosing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mu.inShutdown
}

// Graceful shutdown doesn't close the listener but rejects new connections.
func (s *SQLServer) gracefulShutdown() {
	s.mu.Lock()
	gracefulWait := s.mu.gracefulWait
	s.mu.inShutdown = true
	s.mu.Unlock()
	if gracefulWait == 0 {
		return
	}
	s.logger.Info("SQL server is shutting down", zap.Int("graceful_wait", gracefulWait))

	timer := time.NewTimer(time.Duration(gracefulWait) * time.Second)
	defer timer.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-timer.C:
			return
		case <-ticker.C:
			if s.handler.NSessions() == 0 {
				return
			}
		}
	}
}

// Addrs returns the listening addresses.
func (s *SQLServer) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Close refuses new connections and waits for the sessions to end within the graceful wait.
// The remaining sessions are closed by the workers.
func (s *SQLServer) Close() error {
	s.gracefulShutdown()

	if s.cancelFunc != nil {
		s.cancelFunc()
		s.cancelFunc = nil
	}
	errs := make([]error, 0, len(s.listeners))
	for _, l := range s.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Collect(ErrCloseServer, errs...)
}
