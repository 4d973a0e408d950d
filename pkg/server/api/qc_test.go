// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/sqlmux/sqlmux/pkg/qc"
	"github.com/sqlmux/sqlmux/pkg/worker"
	"github.com/stretchr/testify/require"
)

func TestQC(t *testing.T) {
	srv, doHTTP := createServer(t, nil)

	doHTTP(t, http.MethodGet, "/api/qc", nil, func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusOK, r.StatusCode)
		var resp qcParameters
		readJSON(t, r, &resp)
		require.EqualValues(t, 1<<20, resp.Parameters.CacheSize)
	})
	doHTTP(t, http.MethodPut, "/api/qc", strings.NewReader(`{"parameters":{"cache_size":4096}}`), func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusOK, r.StatusCode)
	})
	require.EqualValues(t, 4096, srv.mgr.Registry.QCProperties().MaxSize())
	doHTTP(t, http.MethodPut, "/api/qc", strings.NewReader(`{"parameters":{"cache_size":-1}}`), func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusBadRequest, r.StatusCode)
	})
	doHTTP(t, http.MethodPut, "/api/qc", strings.NewReader(`not json`), func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusBadRequest, r.StatusCode)
	})
	require.EqualValues(t, 4096, srv.mgr.Registry.QCProperties().MaxSize())

	doHTTP(t, http.MethodGet, "/api/qc/stats", nil, func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusOK, r.StatusCode)
		var resp struct {
			Data []worker.QCStatsResource `json:"data"`
		}
		readJSON(t, r, &resp)
		require.Len(t, resp.Data, 2)
	})
	doHTTP(t, http.MethodGet, "/api/qc/cache", nil, func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusOK, r.StatusCode)
		var resp struct {
			Data map[string]qc.EntryState `json:"data"`
		}
		readJSON(t, r, &resp)
		require.Empty(t, resp.Data)
	})
	doHTTP(t, http.MethodPost, "/api/qc/cache/clear", nil, func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusOK, r.StatusCode)
	})
	doHTTP(t, http.MethodPut, "/api/threads/qc?enabled=false", nil, func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusOK, r.StatusCode)
		var resp struct {
			Threads int `json:"threads"`
		}
		readJSON(t, r, &resp)
		require.Equal(t, 2, resp.Threads)
	})
	doHTTP(t, http.MethodPut, "/api/threads/qc?enabled=maybe", nil, func(t *testing.T, r *http.Response) {
		require.Equal(t, http.StatusBadRequest, r.StatusCode)
	})
}
