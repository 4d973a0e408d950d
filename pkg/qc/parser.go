// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package qc

import (
	"github.com/pingcap/tidb/pkg/parser"
)

// preparedSuffix keeps prepared statements apart from plain ones with the same text.
const preparedSuffix = ":P"

var normalizeFn = func(sql string) string {
	return parser.Normalize(sql, "ON")
}

// Canonicalize replaces literals with placeholders. ok is false if the normalizer panics,
// in which case the statement is not cached.
func Canonicalize(sql string) (canonical string, ok bool) {
	ok = true
	defer func() {
		if r := recover(); r != nil {
			canonical, ok = "", false
		}
	}()
	return normalizeFn(sql), ok
}

// CachingParser consults the worker cache before the underlying parser.
type CachingParser struct {
	parser  Parser
	cache   *Cache
	sqlMode SQLMode
	options uint32
}

// NewCachingParser uses cache when it is not nil.
func NewCachingParser(p Parser, cache *Cache, options uint32) *CachingParser {
	return &CachingParser{parser: p, cache: cache, options: options}
}

func (cp *CachingParser) SetSQLMode(mode SQLMode) {
	cp.sqlMode = mode
}

func (cp *CachingParser) SQLMode() SQLMode {
	return cp.sqlMode
}

func (cp *CachingParser) SetOptions(options uint32) {
	cp.options = options
}

// Classify returns the classification of sql. Statements changing autocommit are never cached
// since their effect depends on the session.
func (cp *CachingParser) Classify(sql string, prepare bool) (*Result, error) {
	if cp.cache == nil || !cp.cache.Enabled() {
		return cp.parse(sql, prepare)
	}
	canonical, ok := Canonicalize(sql)
	if !ok {
		return cp.parse(sql, prepare)
	}
	if prepare {
		canonical += preparedSuffix
	}
	r, ok := cp.cache.Get(canonical, cp.sqlMode, cp.options)
	addLookupMetrics(ok)
	if ok {
		return r, nil
	}
	r, err := cp.parse(sql, prepare)
	if err != nil {
		return nil, err
	}
	if !r.Type.Has(TypeEnableAutocommit | TypeDisableAutocommit) {
		cp.cache.Insert(canonical, r, cp.sqlMode, cp.options)
	}
	return r, nil
}

func (cp *CachingParser) parse(sql string, prepare bool) (*Result, error) {
	r, err := cp.parser.Parse(sql)
	if err != nil {
		return nil, err
	}
	if prepare {
		r.Type |= TypePrepareStmt
	}
	return r, nil
}
