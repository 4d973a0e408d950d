// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"net"
	"slices"
	"time"

	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/pkg/metrics"
	"github.com/sqlmux/sqlmux/pkg/target"
	"github.com/sqlmux/sqlmux/pkg/worker"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const sessionSize = 512

var (
	_ worker.Session      = (*Session)(nil)
	_ worker.MoveObserver = (*Session)(nil)
	_ worker.Sizer        = (*Session)(nil)
)

// Session relays one client connection to one backend connection. Apart from the atomic
// fields it is only touched by its owner.
type Session struct {
	id     uint64
	h      *Handler
	cfg    *Config
	lg     *zap.Logger
	client *socket
	peer   string
	owner  atomic.Pointer[worker.Worker]
	start  time.Time

	backend  *BackendConn
	backends []worker.BackendConnection
	ep       *endpoint
	quit     bool
	closed   bool
	activity atomic.Uint64
}

func newSession(h *Handler, w *worker.Worker, conn net.Conn, cfg *Config) *Session {
	s := &Session{
		id:    h.nextID.Inc(),
		h:     h,
		cfg:   cfg,
		start: time.Now(),
	}
	s.lg = h.lg.With(zap.Uint64("session", s.id))
	s.owner.Store(w)
	s.client = newSocket(worker.RoleClient, s, w, conn, cfg.BufferSize, s.lg)
	s.client.SetHandler(&clientHandler{s: s})
	return s
}

func (s *Session) ID() uint64 {
	return s.id
}

func (s *Session) Owner() *worker.Worker {
	return s.owner.Load()
}

func (s *Session) ClientDescriptor() worker.Descriptor {
	return s.client
}

func (s *Session) BackendConnections() []worker.BackendConnection {
	return s.backends
}

func (s *Session) CreateBackendConnection(srv worker.Server, w *worker.Worker, _ worker.Upstream) (worker.BackendConnection, error) {
	tgt, ok := srv.(*target.Target)
	if !ok {
		return nil, errors.Errorf("unexpected server type %T", srv)
	}
	c := newBackendConn(s, tgt, w, s.cfg, s.lg)
	w.AddDescriptor(c.sk)
	s.LinkBackendConnection(c)
	c.sk.start(s.h.pool, c.dialer(s.h.ctx, s.cfg, s.client.RemoteAddr(), s.client.LocalAddr()))
	return c, nil
}

func (s *Session) LinkBackendConnection(c worker.BackendConnection) {
	if !slices.Contains(s.backends, c) {
		s.backends = append(s.backends, c)
	}
}

func (s *Session) UnlinkBackendConnection(c worker.BackendConnection) {
	if i := slices.Index(s.backends, c); i >= 0 {
		s.backends = slices.Delete(s.backends, i, i+1)
	}
	if bc, ok := c.(*BackendConn); ok && s.backend == bc {
		s.backend = nil
	}
}

// CanPoolBackends is true when the backend owes no reply and has nothing in flight.
func (s *Session) CanPoolBackends() bool {
	return s.backend != nil && !s.quit && !s.backend.awaiting.Load() && len(s.backend.out) == 0
}

// IsMovable is false until the backend is connected.
func (s *Session) IsMovable() bool {
	return !s.closed && s.ep == nil && s.backend != nil && s.backend.Established()
}

func (s *Session) MoveTo(*worker.Worker) bool {
	return !s.closed
}

func (s *Session) OnMoved(w *worker.Worker) {
	s.owner.Store(w)
	s.lg.Debug("session moved", zap.Int("worker", w.ID()))
}

func (s *Session) IOActivity() uint64 {
	return s.activity.Load()
}

func (s *Session) MultiplexTimeout() time.Duration {
	return s.cfg.MultiplexTimeout
}

func (s *Session) Tick(idle time.Duration) {
	if s.cfg.IdleTimeout > 0 && idle > s.cfg.IdleTimeout {
		s.lg.Info("close idle session", zap.Duration("idle", idle))
		s.close(false)
	}
}

func (s *Session) Kill() {
	s.close(false)
}

func (s *Session) RuntimeSize() int64 {
	size := int64(sessionSize) + s.client.RuntimeSize()
	for _, c := range s.backends {
		if sz, ok := c.(worker.Sizer); ok {
			size += sz.RuntimeSize()
		}
	}
	return size
}

// connect routes the session and asks the owner for a backend connection. The client
// address is final by now, so it is recorded here.
func (s *Session) connect() {
	w := s.Owner()
	if addr := s.client.RemoteAddr(); addr != nil {
		s.peer = addr.String()
		s.lg = s.lg.With(zap.String("client_addr", s.peer))
	}
	tgt, err := s.h.router.Route()
	if err != nil {
		s.lg.Warn("route session failed", zap.Error(err))
		s.close(false)
		return
	}
	ep := &endpoint{s: s, target: tgt}
	switch ep.tryConnect(w) {
	case worker.ContinueWait:
		ep.waitStart = time.Now()
		s.ep = ep
		w.AddConnWaitEntry(ep)
		s.lg.Debug("wait for a connection", zap.String("target", tgt.Name()))
	case worker.ContinueFail:
		s.close(false)
	}
}

func (s *Session) attach(c *BackendConn) {
	s.backend = c
	if c.Established() {
		s.onBackendReady(c)
	}
}

func (s *Session) onBackendReady(c *BackendConn) {
	if s.backend != c {
		return
	}
	s.flushClient()
}

// flushClient forwards the pending client input. Input is left in the socket until a backend is ready.
func (s *Session) flushClient() {
	if s.closed || s.backend == nil || !s.backend.Established() {
		return
	}
	data := s.client.Take()
	if len(data) > 0 {
		s.activity.Inc()
		s.classify(data)
		if err := s.backend.Write(data); err != nil {
			s.lg.Warn("write to backend failed", zap.Error(err))
			s.close(false)
			return
		}
	}
	if err := s.client.Err(); err != nil {
		s.onClientClosed(err)
	}
}

func (s *Session) classify(data []byte) {
	parser := s.h.parser(s.Owner())
	if parser == nil {
		return
	}
	stmts, quit := sniffStatements(data)
	if quit {
		s.quit = true
	}
	for _, stmt := range stmts {
		r, err := parser.Classify(stmt.sql, stmt.prepare)
		if err != nil {
			continue
		}
		metrics.StatementCounter.WithLabelValues(r.Type.String()).Inc()
	}
}

func (s *Session) forwardToClient(data []byte) {
	if s.closed {
		return
	}
	s.activity.Inc()
	if _, err := s.client.Write(data); err != nil {
		if !isDisconnectError(err) {
			s.lg.Warn("write to client failed", zap.Error(err))
		}
		s.close(false)
	}
}

func (s *Session) onClientClosed(err error) {
	if isDisconnectError(err) {
		s.lg.Debug("client disconnected")
		s.close(true)
		return
	}
	s.lg.Info("client read failed", zap.Error(err))
	s.close(false)
}

func (s *Session) onBackendClosed(c *BackendConn, err error) {
	if s.closed || s.backend != c {
		return
	}
	if err != nil && !isDisconnectError(err) {
		s.lg.Warn("backend connection failed", zap.String("target", c.target.Name()), zap.Error(err))
	} else {
		s.lg.Debug("backend disconnected", zap.String("target", c.target.Name()))
	}
	s.close(false)
}

// close ends the session. Reusable backends go to the pool of the owner when pool is true.
// The client socket is destroyed by the zombie sweep once the remaining backends may be closed.
func (s *Session) close(pool bool) {
	if s.closed {
		return
	}
	w := s.Owner()
	if pool && s.CanPoolBackends() && w.MoveToConnPool(s.backend) {
		s.lg.Debug("backend connection pooled", zap.String("target", s.backend.target.Name()))
		s.UnlinkBackendConnection(s.backend)
	}
	s.closed = true
	if s.ep != nil {
		w.EraseConnWaitEntry(s.ep)
		s.ep = nil
	}
	w.DeregisterSession(s.id)
	w.CloseDescriptor(s.client)
	for _, c := range s.backends {
		w.CloseDescriptor(c.Descriptor())
		c.Server().Stats().RemoveConnection()
		w.NotifyConnectionAvailable(c.Server())
	}
	s.backend = nil
	s.h.sessionClosed(s)
	metrics.SessionDurationHistogram.Observe(time.Since(s.start).Seconds())
	s.lg.Debug("session closed")
}

// clientHandler receives the events of the client socket.
type clientHandler struct {
	s *Session
}

func (h *clientHandler) ReadyForReading(worker.Descriptor) {
	h.s.flushClient()
}

// WriteReady is posted once a PROXY header has been read.
func (h *clientHandler) WriteReady(worker.Descriptor) {
	if !h.s.closed && h.s.backend == nil && h.s.ep == nil {
		h.s.connect()
	}
}

func (h *clientHandler) Error(worker.Descriptor) {
	h.s.onClientClosed(h.s.client.Err())
}

// Hangup keeps the session until buffered input has reached the backend.
func (h *clientHandler) Hangup(worker.Descriptor) {
	s := h.s
	if s.backend != nil && s.backend.Established() {
		s.flushClient()
		return
	}
	s.onClientClosed(s.client.Err())
}
