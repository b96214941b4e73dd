// Package session carries the per-connection state shared by the
// protocol handlers: the layered inbound stream, a snapshot of the
// server options, the outbound connector, and traffic counters.
package session

import (
	"bufio"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"driftproxy/pkg/relay"
	"driftproxy/pkg/upstream"
)

// Credential is one entry of the configured user list.
type Credential struct {
	User string
	Pass string
}

// Options is the read-only slice of server configuration the protocol
// handlers need.
type Options struct {
	Users     []Credential
	DocRoot   string
	Autoindex bool

	DisableUDP bool
	UDPExpiry  time.Duration
}

// Conn is a net.Conn with lookahead. Reads drain the peek buffer
// before touching the underlying stream, so peeked bytes are never
// lost to the protocol handlers.
type Conn struct {
	net.Conn
	br *bufio.Reader
}

// NewConn wraps conn with a peekable reader.
func NewConn(conn net.Conn) *Conn {
	return &Conn{Conn: conn, br: bufio.NewReaderSize(conn, 4096)}
}

// Peek returns the next n bytes without consuming them.
func (c *Conn) Peek(n int) ([]byte, error) {
	return c.br.Peek(n)
}

// Buffered returns the number of bytes already read ahead.
func (c *Conn) Buffered() int {
	return c.br.Buffered()
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

// CloseWrite half-closes the send direction when the underlying
// connection supports it.
func (c *Conn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return c.Conn.Close()
}

// CloseRead half-closes the receive direction when the underlying
// connection supports it.
func (c *Conn) CloseRead() error {
	if hc, ok := c.Conn.(interface{ CloseRead() error }); ok {
		return hc.CloseRead()
	}
	return nil
}

// Session is the state of one accepted connection.
type Session struct {
	ID      uint64
	Client  *Conn
	Opts    Options
	Connect *upstream.Connector
	Log     zerolog.Logger

	Started  time.Time
	Counters relay.Counters

	// protocol is set once by the handler that claims the session.
	protocol atomic.Value
}

// SetProtocol records which protocol handler claimed the session.
func (s *Session) SetProtocol(name string) {
	s.protocol.Store(name)
}

// Protocol returns the handler name, empty before classification.
func (s *Session) Protocol() string {
	if v := s.protocol.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// AnonymousAllowed reports whether the session may proceed without
// credentials.
func (s *Session) AnonymousAllowed() bool {
	return len(s.Opts.Users) == 0
}

// Authenticate checks a username and password pair against the
// configured user list.
func (s *Session) Authenticate(user, pass string) bool {
	for _, c := range s.Opts.Users {
		if c.User == user && c.Pass == pass {
			return true
		}
	}
	return false
}

// AuthenticateUser checks a bare username, the only credential SOCKS4
// carries.
func (s *Session) AuthenticateUser(user string) bool {
	for _, c := range s.Opts.Users {
		if c.User == user {
			return true
		}
	}
	return false
}
