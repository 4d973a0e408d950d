// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

const (
	threadsPrefix = "/api/threads"
	memoryPrefix  = "/api/memory"
)

func GetThreadsCmd(ctx *Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "threads",
		Short: "inspect and rebalance the routing workers",
	}

	rootCmd.AddCommand(requestCmd(ctx, "list", "list all workers", http.MethodGet, fixedURL(threadsPrefix), 0))
	rootCmd.AddCommand(requestCmd(ctx, "get <id>", "show one worker", http.MethodGet, func(args []string) string {
		return threadsPrefix + "/" + args[0]
	}, 1))
	rootCmd.AddCommand(requestCmd(ctx, "stats", "show the statistics of all workers together", http.MethodGet, fixedURL(threadsPrefix+"/stats"), 0))

	// rebalance
	{
		rebalance := &cobra.Command{
			Use:   "rebalance <from> <to>",
			Short: "move sessions from one worker to another",
			Args:  cobra.ExactArgs(2),
		}
		sessions := rebalance.Flags().Int("sessions", 1, "number of sessions to move")
		rebalance.RunE = func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/%s/rebalance?to=%s&sessions=%d", threadsPrefix, args[0], args[1], *sessions)
			resp, err := doRequest(cmd.Context(), ctx, http.MethodPost, url, nil)
			if err != nil {
				return err
			}
			cmd.Println(resp)
			return nil
		}
		rootCmd.AddCommand(rebalance)
	}

	rootCmd.AddCommand(requestCmd(ctx, "qc <true|false>", "enable or disable the classification cache of every worker", http.MethodPut, func(args []string) string {
		return threadsPrefix + "/qc?enabled=" + args[0]
	}, 1))

	return rootCmd
}

func GetMemoryCmd(ctx *Context) *cobra.Command {
	return requestCmd(ctx, "memory", "show the estimated memory of the workers", http.MethodGet, fixedURL(memoryPrefix), 0)
}
