package socks

import (
	"fmt"
	"io"

	"driftproxy/pkg/proxy/session"
)

// Handle runs the SOCKS protocol flow for a classified session. The
// flow consists of three sequential phases:
//
//  1. Version detection and authentication negotiation
//  2. Command processing (CONNECT, UDP ASSOCIATE)
//  3. Data transfer between client and target
func Handle(sess *session.Session) {
	var version [1]byte
	if _, err := io.ReadFull(sess.Client, version[:]); err != nil {
		return
	}

	switch version[0] {
	case Version5:
		sess.SetProtocol("socks5")
		handleV5(sess)
	case Version4:
		sess.SetProtocol("socks4")
		handleV4(sess)
	default:
		sess.Log.Debug().Uint8("version", version[0]).Msg("Unsupported SOCKS version")
	}
}

// handleV5 processes a SOCKS5 session after the version octet has
// been consumed.
func handleV5(sess *session.Session) {
	method, ok := negotiateMethod(sess)
	if !ok {
		return
	}
	if method == UsernamePassword {
		if !subnegotiateAuth(sess) {
			return
		}
	}

	host, port, addrType, cmd, code := readRequest(sess)
	if code != Succeeded {
		sendReplyV5(sess, code, "", 0)
		return
	}

	switch cmd {
	case Connect:
		handleConnect(sess, host, port, addrType)
	case UDPAssociate:
		if sess.Opts.DisableUDP {
			sendReplyV5(sess, CommandNotSupported, "", 0)
			return
		}
		handleUDPAssociate(sess, host, port)
	case Bind:
		handleBind(sess)
	default:
		sendReplyV5(sess, CommandNotSupported, "", 0)
	}
}

// negotiateMethod reads the greeting and selects the authentication
// method. When credentials are configured only username/password is
// acceptable; otherwise the first of NoAuth or UsernamePassword the
// client offers wins.
func negotiateMethod(sess *session.Session) (byte, bool) {
	var header [1]byte
	if _, err := io.ReadFull(sess.Client, header[:]); err != nil {
		return 0, false
	}
	nmethods := int(header[0])
	if nmethods == 0 {
		return 0, false
	}

	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(sess.Client, methods); err != nil {
		return 0, false
	}

	selected := NoAcceptableMethods
	if sess.AnonymousAllowed() {
		for _, m := range methods {
			if m == NoAuth || m == UsernamePassword {
				selected = m
				break
			}
		}
	} else {
		for _, m := range methods {
			if m == UsernamePassword {
				selected = m
				break
			}
		}
	}

	if _, err := sess.Client.Write([]byte{Version5, selected}); err != nil {
		return 0, false
	}
	if selected == NoAcceptableMethods {
		sess.Log.Debug().Msg("No acceptable authentication method")
		return 0, false
	}
	return selected, true
}

// subnegotiateAuth runs the RFC 1929 username/password exchange. On
// rejection the failure status is written before the connection
// closes.
func subnegotiateAuth(sess *session.Session) bool {
	var header [2]byte
	if _, err := io.ReadFull(sess.Client, header[:]); err != nil {
		return false
	}
	if header[0] != AuthVersion {
		return false
	}

	user := make([]byte, header[1])
	if _, err := io.ReadFull(sess.Client, user); err != nil {
		return false
	}
	var plen [1]byte
	if _, err := io.ReadFull(sess.Client, plen[:]); err != nil {
		return false
	}
	pass := make([]byte, plen[0])
	if _, err := io.ReadFull(sess.Client, pass); err != nil {
		return false
	}

	if !sess.Authenticate(string(user), string(pass)) {
		sess.Log.Warn().Str("user", string(user)).Msg("SOCKS5 authentication failed")
		sess.Client.Write([]byte{AuthVersion, AuthFailed})
		return false
	}
	_, err := sess.Client.Write([]byte{AuthVersion, AuthSucceeded})
	return err == nil
}

// readRequest consumes the SOCKS5 request header and returns the
// target, its address type, and the command.
func readRequest(sess *session.Session) (host string, port uint16, addrType, cmd, code byte) {
	var header [4]byte
	if _, err := io.ReadFull(sess.Client, header[:]); err != nil {
		return "", 0, 0, 0, GeneralFailure
	}
	if header[0] != Version5 || header[2] != 0x00 {
		return "", 0, 0, 0, GeneralFailure
	}
	cmd = header[1]
	addrType = header[3]

	var addr []byte
	switch addrType {
	case IPv4:
		addr = make([]byte, 4+2)
	case IPv6:
		addr = make([]byte, 16+2)
	case Domain:
		var dlen [1]byte
		if _, err := io.ReadFull(sess.Client, dlen[:]); err != nil {
			return "", 0, 0, cmd, GeneralFailure
		}
		if dlen[0] == 0 {
			return "", 0, 0, cmd, AddressTypeNotSupported
		}
		addr = make([]byte, 1+int(dlen[0])+2)
		addr[0] = dlen[0]
		if _, err := io.ReadFull(sess.Client, addr[1:]); err != nil {
			return "", 0, 0, cmd, GeneralFailure
		}
		host, port, _, code = ParseNetworkAddress(addrType, addr)
		return host, port, addrType, cmd, code
	default:
		return "", 0, 0, cmd, AddressTypeNotSupported
	}

	if _, err := io.ReadFull(sess.Client, addr); err != nil {
		return "", 0, 0, cmd, GeneralFailure
	}
	host, port, _, code = ParseNetworkAddress(addrType, addr)
	return host, port, addrType, cmd, code
}

// sendReplyV5 writes a SOCKS5 reply. With an empty host the bound
// address encodes as IPv4 zeros.
func sendReplyV5(sess *session.Session, code byte, host string, port uint16) error {
	reply := []byte{Version5, code, 0x00}
	if host == "" {
		reply = append(reply, IPv4, 0, 0, 0, 0, 0, 0)
	} else {
		reply = AppendAddress(reply, host, port)
	}
	_, err := sess.Client.Write(reply)
	return err
}

// readCString reads a null-terminated field, bounding it so a rogue
// client cannot grow the buffer without limit.
func readCString(r io.Reader, max int) (string, error) {
	buf := make([]byte, 0, 16)
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
		if len(buf) > max {
			return "", fmt.Errorf("field exceeds %d bytes", max)
		}
	}
}
