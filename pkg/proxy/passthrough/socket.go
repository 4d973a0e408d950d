// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"net"
	"sync"
	"time"

	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/lib/util/waitgroup"
	"github.com/sqlmux/sqlmux/pkg/worker"
	"go.uber.org/zap"
)

const (
	defaultBufferSize = 16 * 1024
	// The reader stops reading ahead once this many buffers are pending.
	maxPendingBuffers = 4
	writeTimeout      = 30 * time.Second
	socketSize        = 256
)

var (
	ErrNotConnected = errors.New("socket is not connected")
	ErrSocketClosed = errors.New("socket is closed")
)

type dialFunc func() (net.Conn, error)

var _ worker.Descriptor = (*socket)(nil)

// socket is a TCP descriptor. Its reader goroutine reads ahead into a bounded buffer and
// posts events to the owner, which consumes the data with Take. At most one event is in
// flight at a time.
type socket struct {
	*worker.DescriptorBase
	lg      *zap.Logger
	bufSize int

	mu       sync.Mutex
	cond     *sync.Cond
	conn     net.Conn
	pending  []byte
	readErr  error
	notified bool
	closed   bool
}

func newSocket(role worker.Role, s worker.Session, owner *worker.Worker, conn net.Conn, bufSize int, lg *zap.Logger) *socket {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	sk := &socket{
		DescriptorBase: worker.NewDescriptorBase(role, s, owner, nil),
		lg:             lg,
		bufSize:        bufSize,
		conn:           conn,
	}
	sk.cond = sync.NewCond(&sk.mu)
	sk.SetState(worker.StatePolling)
	return sk
}

// start runs the reader. If dial is not nil the socket connects first and reports the
// outcome as a write or an error event.
func (sk *socket) start(pool *waitgroup.WaitGroupPool, dial dialFunc) {
	pool.RunWithRecover(func() {
		sk.readLoop(dial)
	}, func(r any) {
		sk.fail(errors.Errorf("socket reader panicked: %v", r))
	}, sk.lg)
}

func (sk *socket) readLoop(dial dialFunc) {
	if dial != nil {
		conn, err := dial()
		sk.mu.Lock()
		if err != nil {
			sk.mu.Unlock()
			sk.fail(err)
			return
		}
		if sk.closed {
			sk.mu.Unlock()
			_ = conn.Close()
			return
		}
		sk.conn = conn
		sk.mu.Unlock()
		sk.post(worker.EventWrite)
	}

	buf := make([]byte, sk.bufSize)
	for {
		n, err := sk.conn.Read(buf)
		sk.mu.Lock()
		for n > 0 && len(sk.pending) >= sk.bufSize*maxPendingBuffers && !sk.closed {
			sk.cond.Wait()
		}
		if sk.closed {
			sk.mu.Unlock()
			return
		}
		sk.pending = append(sk.pending, buf[:n]...)
		if err != nil {
			sk.readErr = err
			if isDisconnectError(err) {
				sk.SetHungUp()
			}
		}
		kind, notify := sk.nextEventLocked()
		sk.mu.Unlock()
		if notify {
			sk.post(kind)
		}
		if err != nil {
			return
		}
	}
}

func (sk *socket) fail(err error) {
	sk.mu.Lock()
	if sk.closed {
		sk.mu.Unlock()
		return
	}
	sk.readErr = err
	sk.notified = true
	sk.mu.Unlock()
	sk.post(worker.EventError)
}

// nextEventLocked decides whether the owner must be told about pending input.
func (sk *socket) nextEventLocked() (worker.EventKind, bool) {
	if sk.notified || sk.State() != worker.StatePolling {
		return 0, false
	}
	var kind worker.EventKind
	switch {
	case len(sk.pending) > 0:
		kind = worker.EventRead
	case sk.readErr == nil:
		return 0, false
	case isDisconnectError(sk.readErr):
		kind = worker.EventHangup
	default:
		kind = worker.EventError
	}
	sk.notified = true
	return kind, true
}

func (sk *socket) post(kind worker.EventKind) {
	if owner := sk.Owner(); owner != nil {
		owner.PostEvent(worker.Event{Desc: sk, Kind: kind})
	}
}

// Take returns the pending input. It must be called on the owner.
func (sk *socket) Take() []byte {
	sk.mu.Lock()
	data := sk.pending
	sk.pending = nil
	sk.notified = false
	kind, notify := sk.nextEventLocked()
	sk.cond.Broadcast()
	sk.mu.Unlock()
	if len(data) > 0 {
		sk.MarkRead(time.Now())
	}
	if notify {
		sk.post(kind)
	}
	return data
}

// Err returns the error that ended reading, io.EOF for an orderly hangup.
func (sk *socket) Err() error {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return sk.readErr
}

func (sk *socket) Connected() bool {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return sk.conn != nil && !sk.closed
}

func (sk *socket) RemoteAddr() net.Addr {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if sk.conn == nil {
		return nil
	}
	return sk.conn.RemoteAddr()
}

func (sk *socket) LocalAddr() net.Addr {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if sk.conn == nil {
		return nil
	}
	return sk.conn.LocalAddr()
}

// Write blocks the owner for at most writeTimeout.
func (sk *socket) Write(p []byte) (int, error) {
	sk.mu.Lock()
	conn, closed := sk.conn, sk.closed
	sk.mu.Unlock()
	if closed {
		return 0, ErrSocketClosed
	}
	if conn == nil {
		return 0, ErrNotConnected
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return 0, errors.WithStack(err)
	}
	n, err := conn.Write(p)
	sk.MarkWrite(time.Now())
	return n, errors.WithStack(err)
}

func (sk *socket) EnableEvents() error {
	if sk.State() == worker.StateClosed {
		return ErrSocketClosed
	}
	sk.SetState(worker.StatePolling)
	sk.mu.Lock()
	// Events dropped while disabled are delivered again.
	sk.notified = false
	kind, notify := sk.nextEventLocked()
	sk.mu.Unlock()
	if notify {
		sk.post(kind)
	}
	return nil
}

func (sk *socket) DisableEvents() error {
	if sk.State() == worker.StateClosed {
		return ErrSocketClosed
	}
	sk.SetState(worker.StateDisabled)
	return nil
}

// Shutdown stops sending so the peer sees the end of the stream.
func (sk *socket) Shutdown() {
	sk.mu.Lock()
	conn := sk.conn
	sk.mu.Unlock()
	if tc, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := tc.CloseWrite(); err != nil {
			sk.lg.Debug("shutdown socket failed", zap.Uint64("descriptor", sk.ID()), zap.Error(err))
		}
	}
}

func (sk *socket) Close() error {
	sk.mu.Lock()
	if sk.closed {
		sk.mu.Unlock()
		return nil
	}
	sk.closed = true
	conn := sk.conn
	sk.pending = nil
	sk.cond.Broadcast()
	sk.mu.Unlock()
	sk.SetState(worker.StateClosed)
	if conn == nil {
		return nil
	}
	return errors.WithStack(conn.Close())
}

func (sk *socket) RuntimeSize() int64 {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return int64(socketSize + sk.bufSize + cap(sk.pending))
}
