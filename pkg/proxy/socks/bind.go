package socks

import (
	"driftproxy/pkg/proxy/session"
)

// handleBind rejects the SOCKS5 BIND command. Listening for inbound
// TCP on a client's behalf is not offered, so the reply steers the
// client back to CONNECT.
func handleBind(sess *session.Session) {
	sendReplyV5(sess, CommandNotSupported, "", 0)
}
