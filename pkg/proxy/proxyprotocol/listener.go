// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxyprotocol

import (
	"bytes"
	"io"
	"net"
)

var _ net.Listener = (*Listener)(nil)
var _ net.Conn = (*proxyConn)(nil)

// Listener accepts connections that may start with a PROXY v2 header.
// Connections without the header pass through unchanged.
type Listener struct {
	net.Listener
}

func NewListener(o net.Listener) *Listener {
	return &Listener{o}
}

func (n *Listener) Accept() (net.Conn, error) {
	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &proxyConn{Conn: conn}, nil
}

type proxyConn struct {
	net.Conn
	buf    bytes.Buffer
	header *Header
	inited bool
}

// ReadHeader consumes the PROXY header if the connection starts with one. It blocks until
// enough bytes arrive to tell. Read calls it implicitly.
func (c *proxyConn) ReadHeader() error {
	for !c.inited {
		m, err := c.buf.ReadFrom(io.LimitReader(c.Conn, int64(len(MagicV2)-c.buf.Len())))
		if err != nil {
			return err
		}
		// m is 0 only at EOF, then whatever was buffered is plain data.
		if m > 0 && bytes.HasPrefix(MagicV2, c.buf.Bytes()) {
			if c.buf.Len() < len(MagicV2) {
				continue
			}
			c.buf.Reset()
			if c.header, _, err = ParseProxyV2(c.Conn); err != nil {
				return err
			}
		}
		c.inited = true
	}
	return nil
}

func (c *proxyConn) Read(b []byte) (int, error) {
	if err := c.ReadHeader(); err != nil {
		return 0, err
	}
	if c.buf.Len() > 0 {
		return c.buf.Read(b)
	}
	return c.Conn.Read(b)
}

// NetConn returns the underlying connection.
func (c *proxyConn) NetConn() net.Conn {
	return c.Conn
}

// RemoteAddr is the client address carried by the header, if any.
func (c *proxyConn) RemoteAddr() net.Addr {
	if c.header != nil && c.header.SrcAddress != nil {
		return c.header.SrcAddress
	}
	return c.Conn.RemoteAddr()
}
