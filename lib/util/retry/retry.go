// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// InfiniteCnt retries until the context is done.
const InfiniteCnt = 0

// NewBackOff retries every interval, at most cnt times unless cnt is InfiniteCnt.
func NewBackOff(ctx context.Context, interval time.Duration, cnt uint64) backoff.BackOff {
	var bo backoff.BackOff = backoff.NewConstantBackOff(interval)
	if ctx != nil {
		bo = backoff.WithContext(bo, ctx)
	}
	if cnt != InfiniteCnt {
		bo = backoff.WithMaxRetries(bo, cnt)
	}
	return bo
}

// Retry stops early on errors wrapped by backoff.Permanent.
func Retry(ctx context.Context, o backoff.Operation, interval time.Duration, cnt uint64) error {
	return RetryNotify(ctx, o, interval, cnt, nil)
}

// RetryNotify calls notify after each failed attempt.
func RetryNotify(ctx context.Context, o backoff.Operation, interval time.Duration, cnt uint64, notify backoff.Notify) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return backoff.RetryNotify(o, NewBackOff(ctx, interval, cnt), notify)
}
