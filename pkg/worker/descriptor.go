// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"time"

	"go.uber.org/atomic"
)

type DescriptorState int32

const (
	StateCreated DescriptorState = iota
	StatePolling
	StateDisabled
	StateClosed
)

func (s DescriptorState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePolling:
		return "polling"
	case StateDisabled:
		return "disabled"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Role int

const (
	RoleClient Role = iota
	RoleBackend
	RoleInternal
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleBackend:
		return "backend"
	default:
		return "internal"
	}
}

// Handler receives the I/O callbacks of a descriptor. It is always called on the owning worker.
type Handler interface {
	ReadyForReading(d Descriptor)
	WriteReady(d Descriptor)
	Error(d Descriptor)
	Hangup(d Descriptor)
}

// Descriptor is a socket-like handle. Exactly one worker owns it at a time and
// only the owner polls it, changes its handler or destroys it.
type Descriptor interface {
	ID() uint64
	Role() Role
	State() DescriptorState
	Owner() *Worker
	SetOwner(w *Worker)
	Handler() Handler
	SetHandler(h Handler)
	// Session returns nil for descriptors that do not belong to a session.
	Session() Session
	HungUp() bool
	LastRead() time.Time
	LastWrite() time.Time
	// EnableEvents starts delivering events to the owner.
	EnableEvents() error
	// DisableEvents stops delivering events. Events already posted may still arrive.
	DisableEvents() error
	Shutdown()
	Close() error
}

var descriptorID atomic.Uint64

// NextDescriptorID returns a process-wide unique descriptor id.
func NextDescriptorID() uint64 {
	return descriptorID.Inc()
}

// DescriptorBase implements the bookkeeping part of Descriptor.
// Protocol modules embed it and add EnableEvents, DisableEvents, Shutdown and Close.
type DescriptorBase struct {
	id        uint64
	role      Role
	session   atomic.Value
	state     atomic.Int32
	hungUp    atomic.Bool
	owner     atomic.Pointer[Worker]
	handler   atomic.Value
	lastRead  atomic.Int64
	lastWrite atomic.Int64
}

type handlerBox struct {
	h Handler
}

type sessionBox struct {
	s Session
}

func NewDescriptorBase(role Role, session Session, owner *Worker, h Handler) *DescriptorBase {
	base := &DescriptorBase{id: NextDescriptorID(), role: role}
	base.session.Store(sessionBox{session})
	base.owner.Store(owner)
	base.handler.Store(handlerBox{h})
	now := time.Now().UnixNano()
	base.lastRead.Store(now)
	base.lastWrite.Store(now)
	return base
}

func (b *DescriptorBase) ID() uint64 {
	return b.id
}

func (b *DescriptorBase) Role() Role {
	return b.role
}

func (b *DescriptorBase) Session() Session {
	return b.session.Load().(sessionBox).s
}

// SetSession rebinds a backend descriptor, e.g. when a pooled connection is reused.
func (b *DescriptorBase) SetSession(s Session) {
	b.session.Store(sessionBox{s})
}

func (b *DescriptorBase) State() DescriptorState {
	return DescriptorState(b.state.Load())
}

func (b *DescriptorBase) SetState(s DescriptorState) {
	b.state.Store(int32(s))
}

func (b *DescriptorBase) Owner() *Worker {
	return b.owner.Load()
}

func (b *DescriptorBase) SetOwner(w *Worker) {
	b.owner.Store(w)
}

func (b *DescriptorBase) Handler() Handler {
	return b.handler.Load().(handlerBox).h
}

func (b *DescriptorBase) SetHandler(h Handler) {
	b.handler.Store(handlerBox{h})
}

func (b *DescriptorBase) HungUp() bool {
	return b.hungUp.Load()
}

func (b *DescriptorBase) SetHungUp() {
	b.hungUp.Store(true)
}

func (b *DescriptorBase) LastRead() time.Time {
	return time.Unix(0, b.lastRead.Load())
}

func (b *DescriptorBase) LastWrite() time.Time {
	return time.Unix(0, b.lastWrite.Load())
}

func (b *DescriptorBase) MarkRead(t time.Time) {
	b.lastRead.Store(t.UnixNano())
}

func (b *DescriptorBase) MarkWrite(t time.Time) {
	b.lastWrite.Store(t.UnixNano())
}

type EventKind int

const (
	EventRead EventKind = iota
	EventWrite
	EventError
	EventHangup
)

// Event is posted by the I/O side of a descriptor to its owner.
type Event struct {
	Desc   Descriptor
	Kind   EventKind
	Posted time.Time
}
