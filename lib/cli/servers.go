// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

const (
	serversPrefix = "/api/servers"
)

func serverURL(name string, parts ...string) string {
	u := serversPrefix + "/" + url.PathEscape(name)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

func GetServersCmd(ctx *Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "servers",
		Short: "inspect the backend servers and their pools",
	}

	rootCmd.AddCommand(requestCmd(ctx, "list", "list all servers", http.MethodGet, fixedURL(serversPrefix), 0))
	rootCmd.AddCommand(requestCmd(ctx, "get <name>", "show one server", http.MethodGet, func(args []string) string {
		return serverURL(args[0])
	}, 1))
	rootCmd.AddCommand(requestCmd(ctx, "status <name> <running|maintenance|down>", "change the status of a server", http.MethodPut, func(args []string) string {
		return serverURL(args[0], "status") + "?status=" + url.QueryEscape(args[1])
	}, 2))

	pool := &cobra.Command{
		Use:   "pool",
		Short: "manage the connection pools of a server",
	}
	pool.AddCommand(requestCmd(ctx, "get <name>", "show the pool statistics", http.MethodGet, func(args []string) string {
		return serverURL(args[0], "pool")
	}, 1))
	pool.AddCommand(requestCmd(ctx, "set <name> <size>", "change the global pool capacity", http.MethodPut, func(args []string) string {
		return serverURL(args[0], "pool") + "?size=" + url.QueryEscape(args[1])
	}, 2))
	pool.AddCommand(requestCmd(ctx, "close <name>", "close the pooled connections", http.MethodDelete, func(args []string) string {
		return serverURL(args[0], "pool")
	}, 1))
	rootCmd.AddCommand(pool)

	return rootCmd
}
