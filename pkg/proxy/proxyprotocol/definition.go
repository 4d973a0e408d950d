// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxyprotocol

import (
	"net"

	"github.com/sqlmux/sqlmux/lib/util/errors"
)

var (
	ErrAddressFamilyMismatch = errors.New("address family between source and target mismatched")
	ErrHeaderTooShort        = errors.New("proxy header is too short")
	ErrUnsupportedVersion    = errors.New("unsupported proxy protocol version")
)

// MagicV2 is the signature that starts every PROXY v2 header.
var MagicV2 = []byte{0xD, 0xA, 0xD, 0xA, 0x0, 0xD, 0xA, 0x51, 0x55, 0x49, 0x54, 0xA}

type Version int

const (
	Version2 Version = 2
)

type Command int

const (
	CommandLocal Command = iota
	CommandProxy
)

type addressFamily int

const (
	afUnspec addressFamily = iota
	afINet
	afINet6
)

const networkStream = 1

type TLVType byte

const (
	TLVALPN      TLVType = 0x01
	TLVAuthority TLVType = 0x02
	TLVUniqueID  TLVType = 0x05
)

type TLV struct {
	Type    TLVType
	Content []byte
}

// Header is a PROXY v2 header carrying the address of the original client.
type Header struct {
	SrcAddress net.Addr
	DstAddress net.Addr
	TLV        []TLV
	Version    Version
	Command    Command
}

// AddressWrapper is implemented by addresses that decorate the real one.
type AddressWrapper interface {
	net.Addr
	Unwrap() net.Addr
}

func unwrapOriginAddr(addr net.Addr) net.Addr {
	for {
		v, ok := addr.(AddressWrapper)
		if !ok {
			return addr
		}
		addr = v.Unwrap()
	}
}
