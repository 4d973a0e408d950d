// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors keeps the standard library API and adds three kinds of
// annotated errors: a cause wrapping an underlying error (Wrap), an error
// carrying the call stack (WithStack) and a cause collecting several
// errors (Collect).
package errors

import (
	"errors"
	"fmt"
)

func New(text string) error {
	return errors.New(text)
}

func Errorf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

var _ error = (*WError)(nil)

// WError is a cause error that hides an underlying error.
// Is() matches the cause, Unwrap() returns the underlying error.
type WError struct {
	cause error
	inner error
}

// Wrap annotates inner with cause. A nil cause returns inner unchanged.
func Wrap(cause error, inner error) error {
	if cause == nil {
		return inner
	}
	if inner == nil {
		return nil
	}
	return &WError{cause: cause, inner: inner}
}

// Wrapf is Wrap with a formatted underlying error.
func Wrapf(cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &WError{cause: cause, inner: fmt.Errorf(format, args...)}
}

func (e *WError) Format(st fmt.State, verb rune) {
	if st.Flag('+') {
		fmt.Fprintf(st, "%+v: %+v", e.cause, e.inner)
		return
	}
	fmt.Fprintf(st, "%v: %v", e.cause, e.inner)
}

func (e *WError) Error() string {
	return fmt.Sprintf("%s", e)
}

func (e *WError) Is(target error) bool {
	return errors.Is(e.cause, target)
}

func (e *WError) Unwrap() error {
	return e.inner
}
