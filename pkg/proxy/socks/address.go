package socks

import (
	"encoding/binary"
	"fmt"
	"net"
)

// ParseNetworkAddress parses a network address from SOCKS5 formatted
// data. The format is:
//
//	+------+----------+----------+
//	| ATYP | DST.ADDR | DST.PORT |
//	+------+----------+----------+
//	|  1   | Variable |    2     |
//
// Returns the host (without port), the port, bytes consumed after the
// ATYP octet, and a SOCKS5 reply code.
func ParseNetworkAddress(addrType byte, data []byte) (string, uint16, int, byte) {
	cursor := 0
	var host string

	switch addrType {
	case IPv4:
		if len(data) < cursor+4+2 { // 4 bytes IPv4 + 2 bytes port
			return "", 0, 0, AddressTypeNotSupported
		}
		ip := net.IPv4(data[cursor], data[cursor+1], data[cursor+2], data[cursor+3])
		host = ip.String()
		cursor += 4

	case IPv6:
		if len(data) < cursor+16+2 { // 16 bytes IPv6 + 2 bytes port
			return "", 0, 0, AddressTypeNotSupported
		}
		host = net.IP(data[cursor : cursor+16]).String()
		cursor += 16

	case Domain:
		if len(data) < cursor+1 { // Need length byte
			return "", 0, 0, AddressTypeNotSupported
		}
		domainLen := int(data[cursor])
		cursor++
		if domainLen == 0 {
			return "", 0, 0, AddressTypeNotSupported
		}
		if len(data) < cursor+domainLen+2 { // +2 for port
			return "", 0, 0, AddressTypeNotSupported
		}
		host = string(data[cursor : cursor+domainLen])
		cursor += domainLen

	default:
		return "", 0, 0, AddressTypeNotSupported
	}

	port := binary.BigEndian.Uint16(data[cursor : cursor+2])
	cursor += 2

	return host, port, cursor, Succeeded
}

// AppendAddress encodes addr into SOCKS5 ATYP + ADDR + PORT form and
// appends it to dst. Host names encode as DOMAINNAME.
func AppendAddress(dst []byte, host string, port uint16) []byte {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			dst = append(dst, IPv4)
			dst = append(dst, ip4...)
		} else {
			dst = append(dst, IPv6)
			dst = append(dst, ip.To16()...)
		}
	} else {
		dst = append(dst, Domain, byte(len(host)))
		dst = append(dst, host...)
	}
	return binary.BigEndian.AppendUint16(dst, port)
}

// ExtractUDPHeader parses a SOCKS5 UDP datagram header. The format
// is:
//
//	+-----+------+------+----------+----------+----------+
//	| RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
//	+-----+------+------+----------+----------+----------+
//	|  2  |  1   |  1   | Variable |    2     | Variable |
//
// Returns the target host and port, the header length, the FRAG
// octet, and a SOCKS5 reply code.
func ExtractUDPHeader(data []byte) (string, uint16, int, byte, byte) {
	if len(data) < 4 {
		return "", 0, 0, 0, GeneralFailure
	}
	frag := data[2]

	host, port, addrLen, code := ParseNetworkAddress(data[3], data[4:])
	if code != Succeeded {
		return "", 0, 0, frag, code
	}
	return host, port, 4 + addrLen, frag, Succeeded
}

// WrapUDPDatagram prepends the SOCKS5 UDP header for a datagram
// returning to the client. The origin is always encoded as a literal
// IPv4 or IPv6 address.
func WrapUDPDatagram(origin *net.UDPAddr, payload []byte) []byte {
	header := []byte{0, 0, 0}
	if ip4 := origin.IP.To4(); ip4 != nil {
		header = append(header, IPv4)
		header = append(header, ip4...)
	} else {
		header = append(header, IPv6)
		header = append(header, origin.IP.To16()...)
	}
	header = binary.BigEndian.AppendUint16(header, uint16(origin.Port))
	return append(header, payload...)
}

// JoinHostPort formats host and port for dialing, bracketing IPv6
// literals.
func JoinHostPort(host string, port uint16) string {
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}
