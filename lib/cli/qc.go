// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

const (
	qcPrefix = "/api/qc"
)

func GetQCCmd(ctx *Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "qc",
		Short: "manage the statement classification caches",
	}

	rootCmd.AddCommand(requestCmd(ctx, "get", "show the cache properties", http.MethodGet, fixedURL(qcPrefix), 0))
	rootCmd.AddCommand(requestCmd(ctx, "stats", "show the cache statistics of every worker", http.MethodGet, fixedURL(qcPrefix+"/stats"), 0))
	rootCmd.AddCommand(requestCmd(ctx, "cache", "dump the cached statements", http.MethodGet, fixedURL(qcPrefix+"/cache"), 0))
	rootCmd.AddCommand(requestCmd(ctx, "clear", "empty every cache", http.MethodPost, fixedURL(qcPrefix+"/cache/clear"), 0))

	// set cache size
	{
		setSize := &cobra.Command{
			Use:   "set <cache-size>",
			Short: "change the global cache size in bytes",
			Args:  cobra.ExactArgs(1),
		}
		setSize.RunE = func(cmd *cobra.Command, args []string) error {
			size, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return err
			}
			body := fmt.Sprintf(`{"parameters":{"cache_size":%d}}`, size)
			resp, err := doRequest(cmd.Context(), ctx, http.MethodPut, qcPrefix, strings.NewReader(body))
			if err != nil {
				return err
			}
			cmd.Println(resp)
			return nil
		}
		rootCmd.AddCommand(setSize)
	}

	return rootCmd
}
