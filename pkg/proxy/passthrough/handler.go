// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"context"
	"net"
	"time"

	"github.com/sqlmux/sqlmux/lib/config"
	"github.com/sqlmux/sqlmux/lib/util/waitgroup"
	"github.com/sqlmux/sqlmux/pkg/metrics"
	"github.com/sqlmux/sqlmux/pkg/qc"
	"github.com/sqlmux/sqlmux/pkg/worker"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	readerPoolSize = 1024
	readerIdleTime = time.Minute
)

var (
	_ worker.ListenerHandler = (*Handler)(nil)
	_ worker.ThreadHook      = (*Handler)(nil)
)

// Config is taken by every new session. Running sessions keep the config they started with.
type Config struct {
	BufferSize       int
	IdleTimeout      time.Duration
	MultiplexTimeout time.Duration
	// DialTimeout bounds one attempt and ConnectTimeout all attempts of a dial.
	DialTimeout    time.Duration
	ConnectTimeout time.Duration
	KeepAlive      config.KeepAlive
	QCOptions      uint32
}

func NewConfig(cfg *config.Config) Config {
	return Config{
		BufferSize:       cfg.Proxy.ConnBufferSize,
		IdleTimeout:      cfg.Proxy.IdleTimeout,
		MultiplexTimeout: cfg.Proxy.MultiplexTimeout,
		DialTimeout:      cfg.Proxy.DialTimeout,
		ConnectTimeout:   cfg.Proxy.DialTimeout * 3,
		KeepAlive:        cfg.Proxy.BackendKeepalive,
		QCOptions:        cfg.QueryClassifier.Options,
	}
}

func (c *Config) fill() {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ConnectTimeout < c.DialTimeout {
		c.ConnectTimeout = c.DialTimeout
	}
	if c.MultiplexTimeout <= 0 {
		c.MultiplexTimeout = time.Minute
	}
}

type parserKey struct{}

// Handler turns accepted connections into sessions. As a thread hook it gives every worker
// its own classifying parser on top of the worker cache.
type Handler struct {
	lg        *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	router    *Router
	pool      *waitgroup.WaitGroupPool
	cfg       atomic.Pointer[Config]
	nextID    atomic.Uint64
	nSessions atomic.Int64
}

func NewHandler(lg *zap.Logger, targets Targets, cfg Config) *Handler {
	h := &Handler{
		lg:     lg,
		router: NewRouter(targets),
		pool:   waitgroup.NewWaitGroupPool(readerPoolSize, readerIdleTime),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.SetConfig(cfg)
	return h
}

func (h *Handler) SetConfig(cfg Config) {
	cfg.fill()
	h.cfg.Store(&cfg)
}

func (h *Handler) Config() Config {
	return *h.cfg.Load()
}

// NSessions counts the sessions of all workers.
func (h *Handler) NSessions() int64 {
	return h.nSessions.Load()
}

// headerReader is a client connection behind the PROXY protocol.
type headerReader interface {
	ReadHeader() error
}

func (h *Handler) OnAccept(w *worker.Worker, conn net.Conn) {
	s := newSession(h, w, conn, h.cfg.Load())
	h.nSessions.Inc()
	metrics.ConnGauge.Inc()
	w.RegisterSession(s)
	w.AddDescriptor(s.client)
	s.lg.Debug("new session")
	// The real client address is known after the header, so routing waits for it.
	if hr, ok := conn.(headerReader); ok {
		s.client.start(h.pool, func() (net.Conn, error) {
			return conn, hr.ReadHeader()
		})
		return
	}
	s.client.start(h.pool, nil)
	s.connect()
}

func (h *Handler) sessionClosed(*Session) {
	h.nSessions.Dec()
	metrics.ConnGauge.Dec()
}

func (h *Handler) ThreadInit(w *worker.Worker) error {
	w.SetLocal(parserKey{}, qc.NewCachingParser(qc.KeywordParser{}, w.ClassifierCache(), h.cfg.Load().QCOptions))
	return nil
}

func (h *Handler) ThreadFinish(w *worker.Worker) {
	w.SetLocal(parserKey{}, nil)
}

func (h *Handler) parser(w *worker.Worker) *qc.CachingParser {
	if w == nil {
		return nil
	}
	p, _ := w.Local(parserKey{}).(*qc.CachingParser)
	return p
}

// Close cancels pending dials and waits for the socket readers. The sockets must be closed already.
func (h *Handler) Close() {
	h.cancel()
	h.pool.Close()
}
