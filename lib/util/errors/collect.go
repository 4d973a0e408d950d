// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"fmt"
)

var _ error = (*MError)(nil)

// MError groups several errors under one cause.
type MError struct {
	cause  error
	causes []error
}

// Collect returns nil when every error in errs is nil.
func Collect(cause error, errs ...error) error {
	kept := make([]error, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return &MError{cause: cause, causes: kept}
}

func (e *MError) Format(st fmt.State, verb rune) {
	format := "%v"
	if st.Flag('+') {
		format = "%+v"
	}
	fmt.Fprintf(st, format+":\n", e.cause)
	for _, ue := range e.causes {
		fmt.Fprintf(st, "\t"+format, ue)
	}
}

func (e *MError) Error() string {
	return fmt.Sprintf("%s", e)
}

func (e *MError) Is(target error) bool {
	if errors.Is(e.cause, target) {
		return true
	}
	for _, ue := range e.causes {
		if errors.Is(ue, target) {
			return true
		}
	}
	return false
}

func (e *MError) Cause() []error {
	return e.causes
}
