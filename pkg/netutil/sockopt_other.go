//go:build !linux

package netutil

import "syscall"

// setReusePort is a no-op on non-Linux platforms. The Linux version
// sets SO_REUSEADDR and SO_REUSEPORT on the listening socket.
func setReusePort(network, address string, c syscall.RawConn) error {
	return nil
}

// setDialOptions is a no-op on non-Linux platforms.
func setDialOptions(network, address string, c syscall.RawConn) error {
	return nil
}
