// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sqlmux/sqlmux/lib/config"
	"github.com/sqlmux/sqlmux/lib/util/logger"
	"github.com/sqlmux/sqlmux/pkg/proxy/proxyprotocol"
	"github.com/sqlmux/sqlmux/pkg/qc"
	"github.com/sqlmux/sqlmux/pkg/target"
	"github.com/sqlmux/sqlmux/pkg/worker"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type staticTargets []*target.Target

func (s staticTargets) Targets() []*target.Target {
	return s
}

type mockBackend struct {
	l       net.Listener
	accepts atomic.Int32
}

func echo(conn net.Conn) {
	_, _ = io.Copy(conn, conn)
}

// newMockBackend serves every connection with onConn. With proxyProtocol the listener strips PROXY headers.
func newMockBackend(t *testing.T, proxyProtocol bool, onConn func(net.Conn)) *mockBackend {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	be := &mockBackend{l: l}
	if proxyProtocol {
		be.l = proxyprotocol.NewListener(l)
	}
	go func() {
		for {
			conn, err := be.l.Accept()
			if err != nil {
				return
			}
			be.accepts.Inc()
			go func() {
				defer conn.Close()
				onConn(conn)
			}()
		}
	}()
	t.Cleanup(func() {
		_ = be.l.Close()
	})
	return be
}

func (be *mockBackend) addr() string {
	return be.l.Addr().String()
}

func newTestTarget(name, addr string, maxConns, poolMax int64) *target.Target {
	return target.NewTarget(config.Server{
		Name:                  name,
		Addr:                  addr,
		MaxRoutingConnections: maxConns,
		PersistPoolMax:        poolMax,
		PersistMaxTime:        time.Minute,
	})
}

func testOptions(threads int) worker.Options {
	return worker.Options{
		Threads:              threads,
		TickInterval:         10 * time.Millisecond,
		PoolCheckInterval:    50 * time.Millisecond,
		ActivationInterval:   50 * time.Millisecond,
		TimeoutCheckInterval: 20 * time.Millisecond,
	}
}

func startProxy(t *testing.T, cfg Config, opts worker.Options, targets ...*target.Target) (*Handler, *worker.Registry, string) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return startProxyOn(t, l, cfg, opts, targets...)
}

func startProxyOn(t *testing.T, l net.Listener, cfg Config, opts worker.Options, targets ...*target.Target) (*Handler, *worker.Registry, string) {
	lg, _ := logger.CreateLoggerForTest(t)
	h := NewHandler(lg, staticTargets(targets), cfg)
	props, err := qc.NewProperties(1 << 20)
	require.NoError(t, err)
	r := worker.NewRegistry(lg, opts, props, h)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.AddListener(l, h, worker.AcceptRoundRobin))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Close(ctx)
		h.Close()
	})
	return h, r, l.Addr().String()
}

func dialProxy(t *testing.T, addr string) net.Conn {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, msg string) {
	_, err := conn.Write([]byte(msg))
	require.NoError(t, err)
	expectReply(t, conn, msg)
}

func expectReply(t *testing.T, conn net.Conn, msg string) {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, len(msg))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, msg, string(buf))
}

func expectClosed(t *testing.T, conn net.Conn) {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

// mysqlPacket encodes one command packet with sequence 0.
func mysqlPacket(cmd byte, payload string) []byte {
	length := len(payload) + 1
	data := []byte{byte(length), byte(length >> 8), byte(length >> 16), 0, cmd}
	return append(data, payload...)
}
