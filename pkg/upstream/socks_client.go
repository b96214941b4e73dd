package upstream

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"syscall"
)

// socks5Connect performs the SOCKS5 client handshake on conn,
// requesting a CONNECT to host:port. The target is always sent as a
// DOMAINNAME so the chain proxy resolves it. Credentials trigger the
// username/password subnegotiation when the chain selects it.
func socks5Connect(conn net.Conn, user, pass, host string, port uint16) error {
	if len(host) > 255 {
		return fmt.Errorf("socks5 chain: host name too long")
	}

	greeting := []byte{5, 1, 0}
	if user != "" {
		greeting = []byte{5, 2, 0, 2}
	}
	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("socks5 chain greeting: %w", err)
	}

	var sel [2]byte
	if _, err := io.ReadFull(conn, sel[:]); err != nil {
		return fmt.Errorf("socks5 chain method selection: %w", err)
	}
	if sel[0] != 5 {
		return fmt.Errorf("socks5 chain: bad version %#02x", sel[0])
	}
	switch sel[1] {
	case 0x00:
	case 0x02:
		if err := socks5Auth(conn, user, pass); err != nil {
			return err
		}
	default:
		return fmt.Errorf("socks5 chain: no acceptable method (%#02x)", sel[1])
	}

	req := make([]byte, 0, 7+len(host))
	req = append(req, 5, 1, 0, 3, byte(len(host)))
	req = append(req, host...)
	req = binary.BigEndian.AppendUint16(req, port)
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("socks5 chain request: %w", err)
	}

	var reply [4]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return fmt.Errorf("socks5 chain reply: %w", err)
	}
	if reply[1] != 0x00 {
		return socksReplyError(reply[1])
	}

	// Drain BND.ADDR and BND.PORT.
	var skip int
	switch reply[3] {
	case 0x01:
		skip = 4 + 2
	case 0x04:
		skip = 16 + 2
	case 0x03:
		var n [1]byte
		if _, err := io.ReadFull(conn, n[:]); err != nil {
			return fmt.Errorf("socks5 chain reply: %w", err)
		}
		skip = int(n[0]) + 2
	default:
		return fmt.Errorf("socks5 chain: bad reply address type %#02x", reply[3])
	}
	if _, err := io.CopyN(io.Discard, conn, int64(skip)); err != nil {
		return fmt.Errorf("socks5 chain reply: %w", err)
	}
	return nil
}

func socks5Auth(conn net.Conn, user, pass string) error {
	if user == "" {
		return fmt.Errorf("socks5 chain: server requires credentials")
	}
	if len(user) > 255 || len(pass) > 255 {
		return fmt.Errorf("socks5 chain: credentials too long")
	}

	req := make([]byte, 0, 3+len(user)+len(pass))
	req = append(req, 1, byte(len(user)))
	req = append(req, user...)
	req = append(req, byte(len(pass)))
	req = append(req, pass...)
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("socks5 chain auth: %w", err)
	}

	var status [2]byte
	if _, err := io.ReadFull(conn, status[:]); err != nil {
		return fmt.Errorf("socks5 chain auth: %w", err)
	}
	if status[1] != 0x00 {
		return fmt.Errorf("socks5 chain: authentication rejected")
	}
	return nil
}

// socksReplyError maps a SOCKS5 reply code to an error that
// classifies like the equivalent local dial failure, so the session's
// own reply to its client carries the chain's diagnosis through.
func socksReplyError(rep byte) error {
	switch rep {
	case 0x03:
		return fmt.Errorf("socks5 chain: %w", syscall.ENETUNREACH)
	case 0x04:
		return fmt.Errorf("socks5 chain: %w", syscall.EHOSTUNREACH)
	case 0x05:
		return fmt.Errorf("socks5 chain: %w", syscall.ECONNREFUSED)
	default:
		return fmt.Errorf("socks5 chain: request failed (%#02x)", rep)
	}
}

// socks4Connect performs the SOCKS4 or SOCKS4a client handshake.
// With hostnameMode, or when host is not a literal IPv4 address, the
// request carries DSTIP 0.0.0.1 and a trailing host name.
func socks4Connect(conn net.Conn, user, host string, port uint16, hostnameMode bool) error {
	ip4 := net.ParseIP(host).To4()
	useHostname := hostnameMode || ip4 == nil

	req := make([]byte, 0, 9+len(user)+len(host)+1)
	req = append(req, 4, 1)
	req = binary.BigEndian.AppendUint16(req, port)
	if useHostname {
		req = append(req, 0, 0, 0, 1)
	} else {
		req = append(req, ip4...)
	}
	req = append(req, user...)
	req = append(req, 0)
	if useHostname {
		req = append(req, host...)
		req = append(req, 0)
	}
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("socks4 chain request: %w", err)
	}

	var reply [8]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return fmt.Errorf("socks4 chain reply: %w", err)
	}
	if reply[1] != 90 {
		return fmt.Errorf("socks4 chain: request rejected (code %d): %w", reply[1], syscall.ECONNREFUSED)
	}
	return nil
}
