// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlags(t *testing.T) {
	rootCmd := newRootCmd()
	require.NoError(t, rootCmd.ParseFlags([]string{"--config", "a.toml", "--addr", "127.0.0.1:4000", "--threads", "4", "--log_level", "debug"}))
	for name, value := range map[string]string{
		"config":    "a.toml",
		"addr":      "127.0.0.1:4000",
		"threads":   "4",
		"log_level": "debug",
		"api-addr":  "",
	} {
		flag := rootCmd.Flags().Lookup(name)
		require.NotNil(t, flag, name)
		require.Equal(t, value, flag.Value.String(), name)
	}
}
