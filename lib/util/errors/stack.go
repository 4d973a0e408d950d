// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"strconv"
)

const defaultStackDepth = 48

var _ fmt.Formatter = (*Error)(nil)

// Error records the stack at the point it was created.
// "%s" prints the message only, "%v" and "%+v" also print the frames.
type Error struct {
	err   error
	trace []uintptr
}

func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return newStackError(err, defaultStackDepth)
}

func WithStackDepth(err error, depth int) error {
	if err == nil {
		return nil
	}
	return newStackError(err, depth)
}

func newStackError(err error, depth int) *Error {
	e := &Error{err: err, trace: make([]uintptr, depth)}
	n := runtime.Callers(3, e.trace)
	e.trace = e.trace[:n]
	return e
}

func (e *Error) Format(st fmt.State, verb rune) {
	if st.Flag('+') {
		fmt.Fprintf(st, "%+v", e.err)
	} else {
		fmt.Fprintf(st, "%v", e.err)
	}
	if verb == 's' && !st.Flag('+') {
		return
	}
	frames := runtime.CallersFrames(e.trace)
	for {
		fr, more := frames.Next()
		fn := fr.Function
		if fn == "" {
			fn = "unknown"
		}
		_, _ = io.WriteString(st, "\n"+fn+"\n\t"+fr.File)
		if st.Flag('+') {
			_, _ = io.WriteString(st, ":"+strconv.Itoa(fr.Line))
		}
		if !more {
			break
		}
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s", e)
}

func (e *Error) Is(target error) bool {
	return errors.Is(e.err, target)
}

func (e *Error) As(target any) bool {
	return errors.As(e.err, target)
}

// Unwrap skips the stack layer.
func (e *Error) Unwrap() error {
	return errors.Unwrap(e.err)
}
