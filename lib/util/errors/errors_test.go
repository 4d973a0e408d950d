// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors_test

import (
	gerr "errors"
	"fmt"
	"testing"

	serr "github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/stretchr/testify/require"
)

func TestStdlibAPI(t *testing.T) {
	e1 := serr.New("t")
	e2 := serr.Errorf("%w: f", e1)

	require.True(t, e1 == serr.Unwrap(e2))
	require.True(t, serr.Is(e2, e1))
	require.True(t, serr.As(e2, &e1))
}

func TestWrap(t *testing.T) {
	e1 := serr.New("tt")
	e2 := serr.New("dd")
	e := serr.Wrap(e1, e2)
	require.ErrorIs(t, e, e1)
	require.Equal(t, e2, serr.Unwrap(e))
	require.Equal(t, "tt: dd", e.Error())

	require.Equal(t, e2, serr.Wrap(nil, e2))
	require.Nil(t, serr.Wrap(e2, nil))
}

func TestWrapf(t *testing.T) {
	e1 := serr.New("tt")
	e2 := serr.New("dd")
	e := serr.Wrapf(e1, "%w: 4", e2)
	require.ErrorIs(t, e, e1)
	require.ErrorIs(t, e, e2)
	require.Nil(t, serr.Wrapf(nil, ""))
}

func TestWithStack(t *testing.T) {
	e := serr.WithStack(serr.New("tt"))
	require.Equal(t, "tt", fmt.Sprintf("%s", e))
	require.Contains(t, fmt.Sprintf("%+v", e), t.Name())
	require.Contains(t, fmt.Sprintf("%v", e), t.Name())
	require.Nil(t, serr.WithStack(nil))

	e1 := gerr.New("t")
	e2 := serr.WithStack(e1)
	require.Nil(t, gerr.Unwrap(e2))
	require.ErrorIs(t, e2, e1)
	require.ErrorAs(t, e2, &e1)
}

func TestCollect(t *testing.T) {
	e1 := serr.New("tt")
	e2 := serr.New("dd")
	e3 := serr.New("ee")
	e := serr.Collect(e1, e2, e3)

	require.ErrorIs(t, e, e1)
	require.ErrorIs(t, e, e3)
	require.Nil(t, serr.Unwrap(e))
	require.Equal(t, []error{e2, e3}, e.(*serr.MError).Cause())
	require.NoError(t, serr.Collect(e3))
	require.NoError(t, serr.Collect(e3, nil, nil))

	e4 := serr.Collect(e1, e2, nil).(*serr.MError)
	require.Len(t, e4.Cause(), 1)
}
