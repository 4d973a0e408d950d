// Copyright 2022 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"

	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type Context struct {
	Logger *zap.Logger
	Client *http.Client
	CUrls  []string
}

// doRequest tries the gateways in random order until one of them answers without a server error.
func doRequest(ctx context.Context, bctx *Context, method string, url string, rd io.Reader) (string, error) {
	var sep string
	if len(url) > 0 && url[0] != '/' {
		sep = "/"
	}

	// The body is sent again to the next gateway.
	var body []byte
	if rd != nil {
		var err error
		if body, err = io.ReadAll(rd); err != nil {
			return "", errors.WithStack(err)
		}
	}

	var rete string
	for _, i := range rand.Perm(len(bctx.CUrls)) {
		req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("http://%s%s%s", bctx.CUrls[i], sep, url), bytes.NewReader(body))
		if err != nil {
			return "", errors.WithStack(err)
		}

		res, err := bctx.Client.Do(req)
		if err != nil {
			if bctx.Logger != nil {
				bctx.Logger.Warn("request failed", zap.String("addr", bctx.CUrls[i]), zap.Error(err))
			}
			rete = err.Error()
			continue
		}
		resb, _ := io.ReadAll(res.Body)
		_ = res.Body.Close()

		switch res.StatusCode {
		case http.StatusOK:
			return string(resb), nil
		case http.StatusBadRequest, http.StatusNotFound:
			return fmt.Sprintf("%s: %s", res.Status, string(resb)), nil
		case http.StatusInternalServerError:
			rete = fmt.Sprintf("internal error: %s", string(resb))
			continue
		default:
			rete = fmt.Sprintf("%s: %s", res.Status, string(resb))
			continue
		}
	}

	return rete, nil
}

// requestCmd creates a command that sends one request and prints the reply.
func requestCmd(bctx *Context, use, short, method string, url func(args []string) string, nargs int) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest(cmd.Context(), bctx, method, url(args), nil)
		if err != nil {
			return err
		}
		cmd.Println(resp)
		return nil
	}
	return c
}

func fixedURL(url string) func([]string) string {
	return func([]string) string {
		return url
	}
}
