// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/sqlmux/sqlmux/lib/config"
	"github.com/sqlmux/sqlmux/lib/util/logger"
	mgrcfg "github.com/sqlmux/sqlmux/pkg/manager/config"
	"github.com/sqlmux/sqlmux/pkg/qc"
	"github.com/sqlmux/sqlmux/pkg/target"
	"github.com/sqlmux/sqlmux/pkg/worker"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type doHTTPFunc func(t *testing.T, method string, path string, rd io.Reader, f func(*testing.T, *http.Response))

// nopHealthCheck keeps the targets running.
type nopHealthCheck struct{}

func (nopHealthCheck) Check(context.Context, string, string) error {
	return nil
}

func createServer(t *testing.T, closing *atomic.Bool) (*Server, doHTTPFunc) {
	lg, _ := logger.CreateLoggerForTest(t)
	ready := atomic.NewBool(true)
	cfgmgr := mgrcfg.NewConfigManager()
	overlay := config.NewConfig()
	overlay.Servers = []config.Server{{Name: "db1", Addr: "127.0.0.1:3306", PersistPoolMax: 4}}
	require.NoError(t, cfgmgr.Init(context.Background(), lg, "", overlay))
	cfg := cfgmgr.GetConfig()

	props, err := qc.NewProperties(1 << 20)
	require.NoError(t, err)
	reg := worker.NewRegistry(lg, worker.Options{Threads: 2}, props)
	require.NoError(t, reg.Start(context.Background()))
	tgtmgr := target.NewManager(lg, nopHealthCheck{})
	tgtmgr.Init(context.Background(), cfg, nil)

	if closing == nil {
		closing = atomic.NewBool(false)
	}
	srv, err := NewServer(config.API{Addr: "127.0.0.1:0"}, lg, closing.Load, Managers{
		CfgMgr:    cfgmgr,
		TargetMgr: tgtmgr,
		Registry:  reg,
	}, nil, ready)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		tgtmgr.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Close(ctx)
		require.NoError(t, cfgmgr.Close())
	})

	addr := fmt.Sprintf("http://%s", srv.Addr())
	return srv, func(t *testing.T, method, pa string, rd io.Reader, f func(*testing.T, *http.Response)) {
		if pa[0] != '/' {
			pa = "/" + pa
		}
		req, err := http.NewRequest(method, fmt.Sprintf("%s%s", addr, pa), rd)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		f(t, resp)
		require.NoError(t, resp.Body.Close())
	}
}
