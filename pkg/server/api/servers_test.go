// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"testing"

	"github.com/sqlmux/sqlmux/pkg/target"
	"github.com/sqlmux/sqlmux/pkg/worker"
	"github.com/stretchr/testify/require"
)

func TestServers(t *testing.T) {
	srv, doHTTP := createServer(t, nil)

	doHTTP(t, http.MethodGet, "/api/servers", nil, func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusOK, r.StatusCode)
		var resp struct {
			Data []ServerInfo `json:"data"`
		}
		readJSON(t, r, &resp)
		require.Len(t, resp.Data, 1)
		require.Equal(t, "db1", resp.Data[0].Name)
		require.Equal(t, "running", resp.Data[0].Status)
		require.EqualValues(t, 4, resp.Data[0].PersistPoolMax)
	})
	doHTTP(t, http.MethodGet, "/api/servers/db1", nil, func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusOK, r.StatusCode)
	})
	doHTTP(t, http.MethodGet, "/api/servers/db2", nil, func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusNotFound, r.StatusCode)
	})

	doHTTP(t, http.MethodPut, "/api/servers/db1/status?status=maintenance", nil, func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusOK, r.StatusCode)
	})
	tgt, ok := srv.mgr.TargetMgr.Get("db1")
	require.True(t, ok)
	require.Equal(t, target.StatusMaintenance, tgt.Status())
	doHTTP(t, http.MethodPut, "/api/servers/db1/status?status=sleeping", nil, func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusBadRequest, r.StatusCode)
	})
}

func TestPool(t *testing.T) {
	srv, doHTTP := createServer(t, nil)

	doHTTP(t, http.MethodPut, "/api/servers/db1/pool?size=8", nil, func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusOK, r.StatusCode)
	})
	doHTTP(t, http.MethodGet, "/api/servers/db1/pool", nil, func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusOK, r.StatusCode)
		var resp struct {
			Data worker.PoolStats `json:"data"`
		}
		readJSON(t, r, &resp)
		require.Zero(t, resp.Data.CurrSize)
	})
	require.Zero(t, srv.mgr.Registry.PoolGetStats("db1").CurrSize)
	tgt, ok := srv.mgr.TargetMgr.Get("db1")
	require.True(t, ok)
	require.EqualValues(t, 8, tgt.PersistPoolMax())
	doHTTP(t, http.MethodPut, "/api/servers/db1/pool?size=-1", nil, func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusBadRequest, r.StatusCode)
	})
	doHTTP(t, http.MethodDelete, "/api/servers/db1/pool", nil, func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusOK, r.StatusCode)
		var resp struct {
			Threads int `json:"threads"`
		}
		readJSON(t, r, &resp)
		require.Equal(t, 2, resp.Threads)
	})
	doHTTP(t, http.MethodDelete, "/api/servers/db2/pool", nil, func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusNotFound, r.StatusCode)
	})
}
