package socks

import (
	"context"
	"net"
	"time"

	"driftproxy/pkg/netutil"
	"driftproxy/pkg/proxy/session"
	"driftproxy/pkg/relay"
)

// connectTimeout bounds the whole upstream establishment, including
// any chain handshakes.
const connectTimeout = 30 * time.Second

// handleConnect processes the SOCKS5 CONNECT command.
// It establishes a TCP connection to the requested target and
// sets up bidirectional data transfer between client and target.
//
// The CONNECT command format is:
//
//	+-----+-----+-----+------+----------+----------+
//	| VER | CMD | RSV | ATYP | DST.ADDR | DST.PORT |
//	+-----+-----+-----+------+----------+----------+
//	|  1  |  1  |  1  |  1   | Variable |    2     |
func handleConnect(sess *session.Session, host string, port uint16, addrType byte) {
	resolveRemotely := addrType == Domain

	remote, code := connectUpstream(sess, host, port, resolveRemotely)
	if code != Succeeded {
		sendReplyV5(sess, code, "", 0)
		return
	}
	defer remote.Close()

	bndHost, bndPort := boundEndpoint(remote)
	if err := sendReplyV5(sess, Succeeded, bndHost, bndPort); err != nil {
		return
	}

	sess.Log.Info().Str("target", JoinHostPort(host, port)).Msg("SOCKS5 tunnel established")
	runRelay(sess, remote)
}

// connectUpstream opens the outbound connection for a SOCKS command
// and maps the failure class to a reply code.
func connectUpstream(sess *session.Session, host string, port uint16, resolveRemotely bool) (net.Conn, byte) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	remote, err := sess.Connect.Connect(ctx, host, port, resolveRemotely)
	if err != nil {
		code := GeneralFailure
		switch netutil.Classify(err) {
		case netutil.DialRefused:
			code = ConnectionRefused
		case netutil.DialNetUnreachable:
			code = NetworkUnreachable
		case netutil.DialResolveFailed:
			code = HostUnreachable
		}
		sess.Log.Debug().Err(err).Str("target", JoinHostPort(host, port)).Msg("Upstream connect failed")
		return nil, code
	}
	return remote, Succeeded
}

// boundEndpoint reports the remote endpoint of the established
// connection for the BND fields of the success reply.
func boundEndpoint(conn net.Conn) (string, uint16) {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String(), uint16(addr.Port)
	}
	return "", 0
}

// runRelay moves bytes between the client and the upstream until
// both directions finish.
func runRelay(sess *session.Session, remote net.Conn) {
	relay.Pipe(sess.Client, remote, &sess.Counters)
	sess.Log.Debug().
		Int64("to_remote", sess.Counters.ToRemote.Load()).
		Int64("to_client", sess.Counters.ToClient.Load()).
		Msg("Relay finished")
}
