// Package netutil provides listener and dialer construction with the
// socket tuning the proxy needs: port reuse on the accept side, local
// address binding and Happy-Eyeballs racing on the connect side, and
// per-connection keepalive and Nagle control.
package netutil

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Listen opens the TCP listener for the proxy. When reusePort is set
// the socket is opened with SO_REUSEPORT so multiple processes can
// share the port (Linux only; a no-op elsewhere).
func Listen(ctx context.Context, address string, reusePort bool) (net.Listener, error) {
	lc := net.ListenConfig{}
	if reusePort {
		lc.Control = setReusePort
	}
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	return ln, nil
}

// TuneConn applies per-connection socket options. Keepalive is always
// on. Nagle stays enabled when scrambling so the kernel coalesces
// writes and blurs packet sizes; otherwise TCP_NODELAY is set for
// latency.
func TuneConn(conn net.Conn, scramble bool) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(30 * time.Second)
	tc.SetNoDelay(!scramble)
}

// Dialer builds the outbound dialer, optionally bound to a local IP.
func Dialer(localIP string) (*net.Dialer, error) {
	d := &net.Dialer{
		Timeout: 30 * time.Second,
		Control: setDialOptions,
	}
	if localIP != "" {
		ip := net.ParseIP(localIP)
		if ip == nil {
			return nil, fmt.Errorf("invalid local bind address %q", localIP)
		}
		d.LocalAddr = &net.TCPAddr{IP: ip}
	}
	return d, nil
}
