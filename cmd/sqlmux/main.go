// Copyright 2023 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/sqlmux/sqlmux/lib/util/cmd"
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/pkg/sctx"
	"github.com/sqlmux/sqlmux/pkg/server"
	"github.com/sqlmux/sqlmux/pkg/util/versioninfo"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := newRootCmd()
	cmd.RunRootCommand(rootCmd)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     os.Args[0],
		Short:   "start the proxy server",
		Version: versioninfo.Short(),
	}
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)

	sctx := &sctx.Context{}

	rootCmd.PersistentFlags().StringVar(&sctx.ConfigFile, "config", "", "proxy config file path")
	rootCmd.PersistentFlags().StringVar(&sctx.Overlay.Proxy.Addr, "addr", "", "overrides proxy.addr")
	rootCmd.PersistentFlags().StringVar(&sctx.Overlay.API.Addr, "api-addr", "", "overrides api.addr")
	rootCmd.PersistentFlags().IntVar(&sctx.Overlay.Workers.Threads, "threads", 0, "overrides workers.threads")
	rootCmd.PersistentFlags().StringVar(&sctx.Overlay.Log.Encoder, "log_encoder", "", "log in format of console or json")
	rootCmd.PersistentFlags().StringVar(&sctx.Overlay.Log.Level, "log_level", "", "log level")

	rootCmd.RunE = func(cmd *cobra.Command, _ []string) error {
		srv, err := server.NewServer(cmd.Context(), sctx)
		if err != nil {
			return errors.Wrapf(err, "fail to create server")
		}

		<-cmd.Context().Done()
		if e := srv.Close(); e != nil {
			err = errors.Wrapf(e, "shutdown with errors")
		}

		return err
	}
	return rootCmd
}
