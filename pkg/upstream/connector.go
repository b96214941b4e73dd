package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/rs/zerolog/log"

	"driftproxy/pkg/netutil"
	"driftproxy/pkg/resolver"
	"driftproxy/pkg/scramble"
)

// Connector opens outbound connections for proxy sessions. It is
// constructed once from the server options and shared read-only by
// every session.
type Connector struct {
	// Chain is the next-hop proxy, nil for direct connections.
	Chain *ProxyURL

	// ChainTLS enables TLS to a SOCKS chain. HTTP chains derive TLS
	// from the https scheme instead.
	ChainTLS bool

	// TLSClient is the client configuration used when TLS to the
	// chain is active.
	TLSClient *tls.Config

	// Scramble enables the obfuscation handshake on chain
	// connections, beneath TLS.
	Scramble    bool
	NoiseLength int

	HappyEyeballs bool
	LocalIP       string

	Resolver resolver.Resolver
}

// Connect establishes an outbound connection to host:port. With a
// chain configured the target is passed to the chain proxy, which
// resolves host names itself; otherwise resolveRemotely selects
// between local resolution and literal-IP parsing. The returned error
// classifies with netutil.Classify for reply-code mapping.
func (c *Connector) Connect(ctx context.Context, host string, port uint16, resolveRemotely bool) (net.Conn, error) {
	if c.Chain != nil {
		return c.connectViaChain(ctx, host, port)
	}
	return c.connectDirect(ctx, host, port, resolveRemotely)
}

func (c *Connector) connectDirect(ctx context.Context, host string, port uint16, resolveRemotely bool) (net.Conn, error) {
	d, err := netutil.Dialer(c.LocalIP)
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	if resolveRemotely {
		ips, err = c.Resolver.LookupIP(ctx, host)
		if err != nil {
			return nil, err
		}
	} else {
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, &net.DNSError{Err: "not a literal address", Name: host}
		}
		ips = []net.IP{ip}
	}

	return netutil.DialRace(ctx, d, ips, strconv.Itoa(int(port)), c.HappyEyeballs)
}

func (c *Connector) connectViaChain(ctx context.Context, host string, port uint16) (net.Conn, error) {
	d, err := netutil.Dialer(c.LocalIP)
	if err != nil {
		return nil, err
	}

	ips, err := c.Resolver.LookupIP(ctx, c.Chain.Host)
	if err != nil {
		return nil, err
	}
	conn, err := netutil.DialRace(ctx, d, ips, c.Chain.Port, c.HappyEyeballs)
	if err != nil {
		return nil, err
	}

	conn, err = c.layerChain(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := c.chainHandshake(conn, host, port); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// layerChain wraps the raw chain connection with scramble and TLS as
// configured. Scramble always sits directly above TCP.
func (c *Connector) layerChain(ctx context.Context, conn net.Conn) (net.Conn, error) {
	if c.Scramble {
		sc, err := scramble.Handshake(conn, c.NoiseLength)
		if err != nil {
			return conn, fmt.Errorf("scramble handshake: %w", err)
		}
		conn = sc
	}

	useTLS := c.Chain.Scheme == SchemeHTTPS || (c.Chain.IsSocks() && c.ChainTLS)
	if useTLS {
		cfg := c.TLSClient
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if cfg.ServerName == "" {
			cfg = cfg.Clone()
			cfg.ServerName = c.Chain.Host
		}
		tc := tls.Client(conn, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			return conn, fmt.Errorf("chain tls handshake: %w", err)
		}
		log.Debug().Str("chain", c.Chain.Host).Msg("chain TLS established")
		conn = tc
	}
	return conn, nil
}

func (c *Connector) chainHandshake(conn net.Conn, host string, port uint16) error {
	switch c.Chain.Scheme {
	case SchemeSocks5:
		return socks5Connect(conn, c.Chain.Username, c.Chain.Password, host, port)
	case SchemeSocks4, SchemeSocks4a:
		hostnameMode := c.Chain.Scheme == SchemeSocks4a
		return socks4Connect(conn, c.Chain.Username, host, port, hostnameMode)
	case SchemeHTTP, SchemeHTTPS:
		return httpConnect(conn, c.Chain.Username, c.Chain.Password, host, port)
	}
	return fmt.Errorf("unsupported chain scheme %q", c.Chain.Scheme)
}
