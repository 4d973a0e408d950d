// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package qc

import (
	"bytes"
	"strings"
)

// Parser classifies a statement. Protocol modules may provide a complete one,
// KeywordParser only looks at the leading keywords.
type Parser interface {
	Parse(sql string) (*Result, error)
}

// KeywordParser classifies statements by their leading keywords.
type KeywordParser struct{}

var _ Parser = KeywordParser{}

func (KeywordParser) Parse(sql string) (*Result, error) {
	query := []byte(sql)
	pos := skipLeadingTokens(query, 0, true)
	first, pos := readKeyword(query, pos)
	r := &Result{Op: first}
	switch first {
	case "select":
		r.Type = TypeRead
		if bytes.Contains(query[pos:], []byte("@")) {
			r.Type |= TypeUserVarRead
		}
		if next := findKeyword(query[pos:], "from"); next >= 0 {
			r.Tables = readTables(query[pos+next+len("from"):])
		}
	case "show", "desc", "describe", "explain", "with":
		r.Type = TypeRead
	case "insert", "update", "delete", "replace", "create", "drop", "alter", "truncate", "rename":
		r.Type = TypeWrite
		if t := readTargetTable(first, query[pos:]); t != "" {
			r.Tables = []string{t}
		}
	case "begin":
		r.Type = TypeBeginTrx
	case "start":
		if second, _ := readKeyword(query, skipLeadingTokens(query, pos, false)); second == "transaction" {
			r.Type = TypeBeginTrx
		}
	case "commit":
		r.Type = TypeCommit
	case "rollback":
		r.Type = TypeRollback
	case "use":
		r.Type = TypeSessionWrite
	case "prepare":
		r.Type = TypePrepareStmt
	case "set":
		r.Type = TypeSessionWrite | classifyAutocommit(query[pos:])
	case "":
		r.Op = "other"
	}
	return r, nil
}

// classifyAutocommit recognizes SET [@@][session.]autocommit = value.
func classifyAutocommit(rest []byte) TypeMask {
	s := strings.ToLower(strings.TrimSpace(string(rest)))
	s = strings.TrimPrefix(s, "@@")
	s = strings.TrimPrefix(s, "session.")
	s = strings.TrimPrefix(s, "local.")
	if !strings.HasPrefix(s, "autocommit") {
		return 0
	}
	s = strings.TrimSpace(strings.TrimPrefix(s, "autocommit"))
	s = strings.TrimPrefix(s, ":=")
	s = strings.TrimPrefix(s, "=")
	s = strings.Trim(strings.TrimSpace(s), "'\";")
	switch s {
	case "1", "on", "true":
		return TypeEnableAutocommit
	case "0", "off", "false":
		return TypeDisableAutocommit
	}
	return 0
}

func skipLeadingTokens(query []byte, pos int, skipSemicolon bool) int {
	for pos < len(query) {
		switch query[pos] {
		case ' ', '\t', '\n', '\r':
			pos++
		case ';':
			if !skipSemicolon {
				return pos
			}
			pos++
		case '#':
			pos = skipLineComment(query, pos+1)
		default:
			if pos+1 < len(query) && query[pos] == '-' && query[pos+1] == '-' {
				pos = skipLineComment(query, pos+2)
				continue
			}
			if pos+1 < len(query) && query[pos] == '/' && query[pos+1] == '*' {
				end := bytes.Index(query[pos+2:], []byte("*/"))
				if end < 0 {
					return len(query)
				}
				pos += end + 4
				continue
			}
			return pos
		}
	}
	return pos
}

func skipLineComment(query []byte, pos int) int {
	for pos < len(query) && query[pos] != '\n' {
		pos++
	}
	return pos
}

func readKeyword(query []byte, pos int) (string, int) {
	start := pos
	for pos < len(query) {
		ch := query[pos]
		if (ch < 'a' || ch > 'z') && (ch < 'A' || ch > 'Z') {
			break
		}
		pos++
	}
	return strings.ToLower(string(query[start:pos])), pos
}

func isIdentByte(ch byte) bool {
	return ch == '_' || ch == '.' || ch == '`' || ch == '$' ||
		(ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}

func readIdent(query []byte, pos int) (string, int) {
	pos = skipLeadingTokens(query, pos, false)
	start := pos
	for pos < len(query) && isIdentByte(query[pos]) {
		pos++
	}
	return strings.ReplaceAll(string(query[start:pos]), "`", ""), pos
}

// findKeyword returns the offset of a whole-word, case-insensitive keyword.
func findKeyword(query []byte, kw string) int {
	lower := bytes.ToLower(query)
	for off := 0; ; {
		i := bytes.Index(lower[off:], []byte(kw))
		if i < 0 {
			return -1
		}
		i += off
		end := i + len(kw)
		if (i == 0 || !isIdentByte(lower[i-1])) && (end == len(lower) || !isIdentByte(lower[end])) {
			return i
		}
		off = end
	}
}

func readTables(query []byte) []string {
	var tables []string
	pos := 0
	for {
		name, next := readIdent(query, pos)
		if name == "" {
			return tables
		}
		tables = append(tables, name)
		pos = skipLeadingTokens(query, next, false)
		if pos >= len(query) || query[pos] != ',' {
			return tables
		}
		pos++
	}
}

func readTargetTable(op string, rest []byte) string {
	pos := 0
	for {
		word, next := readIdent(rest, pos)
		switch strings.ToLower(word) {
		case "into", "from", "table", "ignore", "low_priority", "delayed", "quick", "if", "not", "exists", "temporary":
			pos = next
			continue
		}
		if op == "create" || op == "drop" || op == "alter" {
			// Only tables are tracked, e.g. CREATE TABLE t.
			if pos == 0 {
				return ""
			}
		}
		return word
	}
}
