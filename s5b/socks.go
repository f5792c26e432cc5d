// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s5b

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
)

// SOCKS5 constants from RFC 1928.
const (
	socksVersion = 0x05

	methodNoAuth       = 0x00
	methodNoAcceptable = 0xff

	cmdConnect      = 0x01
	cmdUDPAssociate = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSucceeded           = 0x00
	repGeneralFailure      = 0x01
	repHostUnreachable     = 0x04
	repCommandNotSupported = 0x07
)

// Errors in the SOCKS5 exchange.
var (
	ErrSOCKSVersion = errors.New("s5b: unsupported SOCKS version")
	ErrSOCKSAuth    = errors.New("s5b: no acceptable SOCKS authentication method")
	ErrSOCKSAddress = errors.New("s5b: unsupported SOCKS address type")
	ErrFragmented   = errors.New("s5b: fragmented datagrams are not supported")
	ErrShortPacket  = errors.New("s5b: datagram too short")
)

// SOCKSError is a failure reply from a SOCKS5 server.
type SOCKSError byte

func (e SOCKSError) Error() string {
	switch e {
	case 0x01:
		return "s5b: general SOCKS server failure"
	case 0x02:
		return "s5b: connection not allowed by ruleset"
	case 0x03:
		return "s5b: network unreachable"
	case 0x04:
		return "s5b: host unreachable"
	case 0x05:
		return "s5b: connection refused"
	case 0x06:
		return "s5b: TTL expired"
	case 0x07:
		return "s5b: command not supported"
	case 0x08:
		return "s5b: address type not supported"
	}
	return "s5b: unknown SOCKS reply " + strconv.Itoa(int(e))
}

// appendAddr appends ATYP, DST.ADDR, and DST.PORT.
// Hosts that are not IP addresses are sent as domain names, which is how the
// session hash travels.
func appendAddr(b []byte, host string, port uint16) []byte {
	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		b = append(b, atypDomain, byte(len(host)))
		b = append(b, host...)
	case ip.To4() != nil:
		b = append(b, atypIPv4)
		b = append(b, ip.To4()...)
	default:
		b = append(b, atypIPv6)
		b = append(b, ip.To16()...)
	}
	return binary.BigEndian.AppendUint16(b, port)
}

func readAddr(r io.Reader) (string, uint16, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return "", 0, err
	}
	var host string
	switch atyp[0] {
	case atypIPv4, atypIPv6:
		size := net.IPv4len
		if atyp[0] == atypIPv6 {
			size = net.IPv6len
		}
		ip := make(net.IP, size)
		if _, err := io.ReadFull(r, ip); err != nil {
			return "", 0, err
		}
		host = ip.String()
	case atypDomain:
		var n [1]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return "", 0, err
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return "", 0, err
		}
		host = string(name)
	default:
		return "", 0, ErrSOCKSAddress
	}
	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return "", 0, err
	}
	return host, binary.BigEndian.Uint16(port[:]), nil
}

// clientHandshake negotiates no authentication and sends a request.
// It returns the bound address from the reply.
func clientHandshake(rw io.ReadWriter, cmd byte, host string, port uint16) (string, uint16, error) {
	if len(host) > 255 {
		return "", 0, ErrSOCKSAddress
	}
	if _, err := rw.Write([]byte{socksVersion, 1, methodNoAuth}); err != nil {
		return "", 0, err
	}
	var sel [2]byte
	if _, err := io.ReadFull(rw, sel[:]); err != nil {
		return "", 0, err
	}
	if sel[0] != socksVersion {
		return "", 0, ErrSOCKSVersion
	}
	if sel[1] != methodNoAuth {
		return "", 0, ErrSOCKSAuth
	}

	req := appendAddr([]byte{socksVersion, cmd, 0}, host, port)
	if _, err := rw.Write(req); err != nil {
		return "", 0, err
	}
	var rep [3]byte
	if _, err := io.ReadFull(rw, rep[:]); err != nil {
		return "", 0, err
	}
	if rep[0] != socksVersion {
		return "", 0, ErrSOCKSVersion
	}
	if rep[1] != repSucceeded {
		return "", 0, SOCKSError(rep[1])
	}
	return readAddr(rw)
}

// serverHandshake reads a method selection and a request.
// Only the no authentication method is offered.
func serverHandshake(rw io.ReadWriter) (cmd byte, host string, port uint16, err error) {
	var hdr [2]byte
	if _, err = io.ReadFull(rw, hdr[:]); err != nil {
		return 0, "", 0, err
	}
	if hdr[0] != socksVersion {
		return 0, "", 0, ErrSOCKSVersion
	}
	methods := make([]byte, hdr[1])
	if _, err = io.ReadFull(rw, methods); err != nil {
		return 0, "", 0, err
	}
	method := byte(methodNoAcceptable)
	for _, m := range methods {
		if m == methodNoAuth {
			method = methodNoAuth
			break
		}
	}
	if _, err = rw.Write([]byte{socksVersion, method}); err != nil {
		return 0, "", 0, err
	}
	if method == methodNoAcceptable {
		return 0, "", 0, ErrSOCKSAuth
	}

	var req [3]byte
	if _, err = io.ReadFull(rw, req[:]); err != nil {
		return 0, "", 0, err
	}
	if req[0] != socksVersion {
		return 0, "", 0, ErrSOCKSVersion
	}
	host, port, err = readAddr(rw)
	return req[1], host, port, err
}

func writeReply(w io.Writer, rep byte, host string, port uint16) error {
	_, err := w.Write(appendAddr([]byte{socksVersion, rep, 0}, host, port))
	return err
}

// appendUDPHeader appends the SOCKS5 UDP request header:
// RSV(2), FRAG(1), ATYP, DST.ADDR, and DST.PORT.
func appendUDPHeader(b []byte, host string, port uint16) []byte {
	b = append(b, 0, 0, 0)
	return appendAddr(b, host, port)
}

// parseUDPHeader splits a SOCKS5 UDP datagram into its address and data.
func parseUDPHeader(p []byte) (host string, port uint16, data []byte, err error) {
	if len(p) < 4 {
		return "", 0, nil, ErrShortPacket
	}
	if p[2] != 0 {
		return "", 0, nil, ErrFragmented
	}
	r := bytes.NewReader(p[3:])
	host, port, err = readAddr(r)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = ErrShortPacket
		}
		return "", 0, nil, err
	}
	return host, port, p[len(p)-r.Len():], nil
}

// Datagram is a packet sent over a UDP mode bytestream.
type Datagram struct {
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

func (d Datagram) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, d.SrcPort)
	b = binary.BigEndian.AppendUint16(b, d.DstPort)
	return append(b, d.Payload...)
}

func parseDatagram(p []byte) (Datagram, error) {
	if len(p) < 4 {
		return Datagram{}, ErrShortPacket
	}
	return Datagram{
		SrcPort: binary.BigEndian.Uint16(p),
		DstPort: binary.BigEndian.Uint16(p[2:]),
		Payload: append([]byte(nil), p[4:]...),
	}, nil
}
