// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxyprotocol

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/sqlmux/sqlmux/lib/util/errors"
)

// NewHeader builds a PROXY command header for a client connection relayed to a server.
func NewHeader(src, dst net.Addr) *Header {
	return &Header{
		SrcAddress: src,
		DstAddress: dst,
		Version:    Version2,
		Command:    CommandProxy,
	}
}

// ToBytes encodes the header. Only TCP addresses are carried, anything else becomes AF_UNSPEC.
func (h *Header) ToBytes() ([]byte, error) {
	magicLen := len(MagicV2)
	buf := make([]byte, magicLen+4, magicLen+4+36)
	copy(buf, MagicV2)
	buf[magicLen] = byte(h.Version<<4) | byte(h.Command&0xF)

	family, network := afUnspec, 0
	if src, ok := unwrapOriginAddr(h.SrcAddress).(*net.TCPAddr); ok {
		dst, ok := unwrapOriginAddr(h.DstAddress).(*net.TCPAddr)
		if !ok {
			return nil, ErrAddressFamilyMismatch
		}
		srcIP, dstIP := unifyIPFamily(src.IP, dst.IP)
		family, network = afINet, networkStream
		if len(srcIP) == net.IPv6len {
			family = afINet6
		}
		buf = append(buf, srcIP...)
		buf = append(buf, dstIP...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(src.Port))
		buf = binary.BigEndian.AppendUint16(buf, uint16(dst.Port))
	}
	buf[magicLen+1] = byte(family<<4) | byte(network)

	for _, tlv := range h.TLV {
		buf = append(buf, byte(tlv.Type))
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(tlv.Content)))
		buf = append(buf, tlv.Content...)
	}
	binary.BigEndian.PutUint16(buf[magicLen+2:], uint16(len(buf)-magicLen-4))
	return buf, nil
}

// WriteTo writes the encoded header to w.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	b, err := h.ToBytes()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), errors.WithStack(err)
}

// unifyIPFamily returns IPv4 addresses if both are IPv4 (or IPv4 mapped) and IPv6 otherwise.
func unifyIPFamily(ip1 net.IP, ip2 net.IP) (net.IP, net.IP) {
	ip1To4 := ip1.To4()
	ip2To4 := ip2.To4()
	if ip1To4 != nil && ip2To4 != nil {
		return ip1To4, ip2To4
	}
	return ip1.To16(), ip2.To16()
}

// ParseProxyV2 parses the header after the magic. It returns the number of bytes consumed.
func ParseProxyV2(rd io.Reader) (*Header, int, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		return nil, 0, errors.WithStack(err)
	}
	n := len(hdr)

	h := &Header{
		Version: Version(hdr[0] >> 4),
		Command: Command(hdr[0] & 0xF),
	}
	if h.Version != Version2 {
		return nil, n, errors.Wrapf(ErrUnsupportedVersion, "version %d", h.Version)
	}
	buf := make([]byte, binary.BigEndian.Uint16(hdr[2:]))
	if _, err := io.ReadFull(rd, buf); err != nil {
		return nil, n, errors.WithStack(err)
	}
	n += len(buf)

	family := addressFamily(hdr[1] >> 4)
	switch family {
	case afINet, afINet6:
		length := net.IPv4len
		if family == afINet6 {
			length = net.IPv6len
		}
		if len(buf) < length*2+4 {
			return nil, n, ErrHeaderTooShort
		}
		h.SrcAddress = &net.TCPAddr{
			IP:   net.IP(buf[:length]),
			Port: int(binary.BigEndian.Uint16(buf[2*length:])),
		}
		h.DstAddress = &net.TCPAddr{
			IP:   net.IP(buf[length : 2*length]),
			Port: int(binary.BigEndian.Uint16(buf[2*length+2:])),
		}
		buf = buf[length*2+4:]
	case afUnspec:
	default:
		// Unix sockets and others carry no usable address for a TCP proxy.
		buf = buf[len(buf):]
	}

	for len(buf) >= 3 {
		length := min(int(binary.BigEndian.Uint16(buf[1:])), len(buf)-3)
		h.TLV = append(h.TLV, TLV{Type: TLVType(buf[0]), Content: buf[3 : 3+length]})
		buf = buf[3+length:]
	}
	return h, n, nil
}
