package socks

import (
	"encoding/binary"
	"io"
	"net"

	"driftproxy/pkg/proxy/session"
)

// handleV4 processes a SOCKS4 or SOCKS4a request after the version
// octet has been consumed. The request format is:
//
//	+----+----+---------+-------+----------+----+------------+----+
//	| VN | CD | DSTPORT | DSTIP |  USERID  |NULL|  HOSTNAME  |NULL|
//	+----+----+---------+-------+----------+----+------------+----+
//	  1    1      2         4     variable   1    (4a only)    1
//
// A DSTIP of the form 0.0.0.x with x != 0 marks the SOCKS4a hostname
// form. The USERID is the only credential the protocol carries, so
// authentication matches by username alone.
func handleV4(sess *session.Session) {
	var header [7]byte
	if _, err := io.ReadFull(sess.Client, header[:]); err != nil {
		return
	}
	cd := header[0]
	port := binary.BigEndian.Uint16(header[1:3])
	dstIP := header[3:7]

	userid, err := readCString(sess.Client, 255)
	if err != nil {
		return
	}

	host := net.IPv4(dstIP[0], dstIP[1], dstIP[2], dstIP[3]).String()
	hostnameForm := dstIP[0] == 0 && dstIP[1] == 0 && dstIP[2] == 0 && dstIP[3] != 0
	if hostnameForm {
		host, err = readCString(sess.Client, 255)
		if err != nil || host == "" {
			return
		}
	}

	if cd != Connect {
		sendReplyV4(sess, V4Rejected, dstIP, port)
		return
	}

	if !sess.AnonymousAllowed() && !sess.AuthenticateUser(userid) {
		sess.Log.Warn().Str("user", userid).Msg("SOCKS4 user not allowed")
		sendReplyV4(sess, V4UserMismatch, dstIP, port)
		return
	}

	remote, code := connectUpstream(sess, host, port, hostnameForm)
	if code != Succeeded {
		sendReplyV4(sess, V4Rejected, dstIP, port)
		return
	}
	defer remote.Close()

	if err := sendReplyV4(sess, V4Granted, dstIP, port); err != nil {
		return
	}

	sess.Log.Info().Str("target", JoinHostPort(host, port)).Msg("SOCKS4 tunnel established")
	runRelay(sess, remote)
}

// sendReplyV4 writes the fixed 8-byte SOCKS4 reply. The version
// octet of the reply is 0, not 4.
func sendReplyV4(sess *session.Session, code byte, dstIP []byte, port uint16) error {
	reply := make([]byte, 0, 8)
	reply = append(reply, 0x00, code)
	reply = binary.BigEndian.AppendUint16(reply, port)
	reply = append(reply, dstIP...)
	_, err := sess.Client.Write(reply)
	return err
}
