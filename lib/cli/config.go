// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"io"
	"net/http"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/sqlmux/sqlmux/lib/util/errors"
)

const (
	configPrefix = "/api/config"
)

var ErrInvalidTOML = errors.New("input is not a valid toml document")

// readTOML reads the whole input and rejects it before it reaches the server if it does not parse.
func readTOML(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var doc map[string]any
	if err := toml.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrap(ErrInvalidTOML, err)
	}
	return b, nil
}

func GetConfigCmd(ctx *Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "config",
		Short: "show or merge the proxy config",
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "merge a toml file, or stdin, into the running config",
		Args:  cobra.NoArgs,
	}
	input := set.Flags().String("input", "", "toml file to merge, stdin if empty")
	set.RunE = func(cmd *cobra.Command, _ []string) error {
		var r io.Reader = cmd.InOrStdin()
		if *input != "" {
			f, err := os.Open(*input)
			if err != nil {
				return errors.WithStack(err)
			}
			defer f.Close()
			r = f
		}
		b, err := readTOML(r)
		if err != nil {
			return err
		}
		resp, err := doRequest(cmd.Context(), ctx, http.MethodPut, configPrefix, bytes.NewReader(b))
		if err != nil {
			return err
		}
		cmd.Println(resp)
		return nil
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "print the running config",
		Args:  cobra.NoArgs,
	}
	format := get.Flags().String("format", "toml", "toml or json")
	get.RunE = func(cmd *cobra.Command, _ []string) error {
		resp, err := doRequest(cmd.Context(), ctx, http.MethodGet, configPrefix+"?format="+*format, nil)
		if err != nil {
			return err
		}
		cmd.Println(resp)
		return nil
	}

	rootCmd.AddCommand(set, get)
	return rootCmd
}
