// Copyright 2023 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"strings"

	"github.com/sqlmux/sqlmux/lib/cli"
	"github.com/sqlmux/sqlmux/lib/util/cmd"
	"github.com/sqlmux/sqlmux/pkg/util/versioninfo"
)

func main() {
	rootCmd := cli.GetRootCmd()
	rootCmd.Version = versioninfo.Short()
	rootCmd.Use = strings.Replace(rootCmd.Use, "sqlmuxctl", os.Args[0], 1)
	cmd.RunRootCommand(rootCmd)
}
