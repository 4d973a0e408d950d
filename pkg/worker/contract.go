// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"math"
	"time"
)

// ReuseScore ranks how well a pooled connection suits a session. Higher is better.
type ReuseScore uint64

const (
	ReuseNotPossible ReuseScore = 0
	OptimalReuse     ReuseScore = math.MaxUint64
)

// Upstream is the routing component that consumes replies of a backend connection.
type Upstream any

// BackendConnection is a protocol-level session to one backend server, bound to one descriptor.
// While the connection is attached it is also the handler of its descriptor.
type BackendConnection interface {
	Handler
	Descriptor() Descriptor
	Server() Server
	CanReuse(s Session) ReuseScore
	// Reuse attaches the connection to a new session. False means the protocol
	// renegotiation failed and the connection must be discarded.
	Reuse(s Session, up Upstream, score ReuseScore) bool
	Ping()
	// CanClose reports whether closing now is safe, e.g. authentication is complete.
	CanClose() bool
	Established() bool
	// SetToPooled detaches the connection from its session before it enters a pool.
	SetToPooled()
}

// ConnStats counts the connections of a server across all workers.
type ConnStats interface {
	AddConnection()
	RemoveConnection()
	// AddConnIntent returns the number of intents after the increment.
	AddConnIntent() int64
	RemoveConnIntent()
	NCurrentConns() int64
	NConnIntents() int64
}

// Server is a backend target as seen by the runtime.
type Server interface {
	Name() string
	IsRunning() bool
	IsDown() bool
	// MaxRoutingConnections returns 0 for no limit.
	MaxRoutingConnections() int64
	PersistentConnsEnabled() bool
	PersistPoolMax() int64
	PersistMaxTime() time.Duration
	Stats() ConnStats
}

// Session is a live client routing context owned by one worker.
type Session interface {
	ID() uint64
	ClientDescriptor() Descriptor
	BackendConnections() []BackendConnection
	// CreateBackendConnection opens a new connection to srv owned by w.
	CreateBackendConnection(srv Server, w *Worker, up Upstream) (BackendConnection, error)
	LinkBackendConnection(c BackendConnection)
	UnlinkBackendConnection(c BackendConnection)
	CanPoolBackends() bool
	// IsMovable is false during state sensitive phases such as authentication.
	IsMovable() bool
	// MoveTo is called on the current owner before the session migrates to w.
	// Returning false cancels the move.
	MoveTo(w *Worker) bool
	IOActivity() uint64
	MultiplexTimeout() time.Duration
	// Tick is called once per second with the time since the last client I/O.
	Tick(idle time.Duration)
	Kill()
}

// MoveObserver is optionally implemented by sessions that need to know when a move completed.
// OnMoved runs on the new owner.
type MoveObserver interface {
	OnMoved(w *Worker)
}

// Sizer is optionally implemented by sessions and descriptors to report their memory usage.
type Sizer interface {
	RuntimeSize() int64
}

type ContinueResult int

const (
	ContinueSuccess ContinueResult = iota
	ContinueWait
	ContinueFail
)

// Endpoint is the demand of one route for a backend connection to one server.
type Endpoint interface {
	Server() Server
	Session() Session
	ConnWaitStart() time.Time
	// ContinueConnecting retries to obtain a connection after a wait.
	ContinueConnecting() ContinueResult
	// HandleFailedContinue must not add or remove wait entries.
	HandleFailedContinue()
	HandleTimedOutContinue()
}

// ThreadHook is called on every worker goroutine when it starts and stops.
type ThreadHook interface {
	ThreadInit(w *Worker) error
	ThreadFinish(w *Worker)
}
