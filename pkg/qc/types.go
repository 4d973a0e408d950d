// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package qc

import (
	"slices"
	"strings"
)

// TypeMask is a set of statement properties relevant to routing.
type TypeMask uint32

const (
	TypeUnknown TypeMask = 0
	TypeRead    TypeMask = 1 << iota
	TypeWrite
	TypeSessionWrite
	TypeUserVarRead
	TypeBeginTrx
	TypeCommit
	TypeRollback
	TypeEnableAutocommit
	TypeDisableAutocommit
	TypePrepareStmt
)

var typeNames = []struct {
	t    TypeMask
	name string
}{
	{TypeRead, "read"},
	{TypeWrite, "write"},
	{TypeSessionWrite, "session_write"},
	{TypeUserVarRead, "uservar_read"},
	{TypeBeginTrx, "begin_trx"},
	{TypeCommit, "commit"},
	{TypeRollback, "rollback"},
	{TypeEnableAutocommit, "enable_autocommit"},
	{TypeDisableAutocommit, "disable_autocommit"},
	{TypePrepareStmt, "prepare_stmt"},
}

func (t TypeMask) Has(o TypeMask) bool {
	return t&o != 0
}

func (t TypeMask) String() string {
	if t == TypeUnknown {
		return "unknown"
	}
	var parts []string
	for _, tn := range typeNames {
		if t.Has(tn.t) {
			parts = append(parts, tn.name)
		}
	}
	return strings.Join(parts, "|")
}

// Result is the classification of one statement.
type Result struct {
	Type   TypeMask `json:"type_mask"`
	Op     string   `json:"operation"`
	Tables []string `json:"tables,omitempty"`
}

// Clone returns a copy that shares no memory with r.
func (r *Result) Clone() *Result {
	c := *r
	c.Tables = slices.Clone(r.Tables)
	return &c
}

// Size estimates the bytes held by the result.
func (r *Result) Size() int64 {
	size := int64(48 + len(r.Op))
	for _, t := range r.Tables {
		size += int64(16 + len(t))
	}
	return size
}

// SQLMode changes how statements are parsed, so cached results are only valid under the same mode.
type SQLMode int

const (
	SQLModeDefault SQLMode = iota
	SQLModeOracle
)

func (m SQLMode) String() string {
	if m == SQLModeOracle {
		return "ORACLE"
	}
	return "DEFAULT"
}
