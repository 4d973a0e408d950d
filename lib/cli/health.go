// Copyright 2023 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"net/http"

	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/pkg/util/versioninfo"
	"github.com/spf13/cobra"
)

const (
	healthPrefix = "/api/debug/health"
)

var ErrVersionTooLow = errors.New("server version is too low")

func GetHealthCmd(ctx *Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "health",
		Short: "check the health of the proxy",
	}
	minVersion := rootCmd.Flags().String("min-version", "", "fail if the server is older than this version")

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest(cmd.Context(), ctx, http.MethodGet, healthPrefix, nil)
		if err != nil {
			return err
		}
		cmd.Println(resp)

		if *minVersion == "" {
			return nil
		}
		var info struct {
			Version string `json:"version"`
		}
		if err := json.Unmarshal([]byte(resp), &info); err != nil {
			return errors.Wrapf(err, "unexpected health response")
		}
		if !versioninfo.GtEqToVersion(info.Version, *minVersion) {
			return errors.Wrapf(ErrVersionTooLow, "%s < %s", info.Version, *minVersion)
		}
		return nil
	}

	return rootCmd
}
