// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package passthrough

const (
	packetHeaderLen = 4
	// Statements longer than this are not classified.
	maxSniffedStatement = 64 * 1024

	comQuit        byte = 0x01
	comQuery       byte = 0x03
	comStmtPrepare byte = 0x16
)

// statement is a client command carrying SQL text.
type statement struct {
	sql     string
	prepare bool
}

// sniffStatements finds the text commands among the complete MySQL packets at the start of data.
// A command always starts a new sequence, so packets with another sequence id end the scan.
// It also reports whether the client asked to quit.
func sniffStatements(data []byte) (stmts []statement, quit bool) {
	for len(data) >= packetHeaderLen+1 {
		length := int(uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16)
		if data[3] != 0 || length == 0 || len(data) < packetHeaderLen+length {
			return
		}
		payload := data[packetHeaderLen : packetHeaderLen+length]
		data = data[packetHeaderLen+length:]
		switch payload[0] {
		case comQuit:
			quit = true
		case comQuery, comStmtPrepare:
			if length-1 > maxSniffedStatement {
				continue
			}
			stmts = append(stmts, statement{
				sql:     string(payload[1:]),
				prepare: payload[0] == comStmtPrepare,
			})
		}
	}
	return
}
