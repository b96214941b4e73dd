// Package upstream connects the proxy to its destination, either
// directly or through a chained next-hop proxy. Chained connections
// are layered bottom-up: TCP, then the scramble handshake when
// enabled, then TLS when the chain calls for it, then the chain
// proxy's own client handshake.
package upstream

import (
	"fmt"
	"net/url"
)

// Chain proxy schemes.
const (
	SchemeSocks4  = "socks4"
	SchemeSocks4a = "socks4a"
	SchemeSocks5  = "socks5"
	SchemeHTTP    = "http"
	SchemeHTTPS   = "https"
)

// ProxyURL is the parsed form of a next-hop proxy address
// scheme://[user[:pass]@]host[:port].
type ProxyURL struct {
	Scheme   string
	Username string
	Password string
	Host     string
	Port     string
}

// IsSocks reports whether the chain speaks a SOCKS protocol.
func (p *ProxyURL) IsSocks() bool {
	switch p.Scheme {
	case SchemeSocks4, SchemeSocks4a, SchemeSocks5:
		return true
	}
	return false
}

// ParseProxyURL validates and splits a next-hop proxy URL. A missing
// port takes the scheme default: 1080 for SOCKS, 80 for http, 443 for
// https.
func ParseProxyURL(raw string) (*ProxyURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("next proxy %q: %w", raw, err)
	}

	p := &ProxyURL{Scheme: u.Scheme, Host: u.Hostname(), Port: u.Port()}
	switch p.Scheme {
	case SchemeSocks4, SchemeSocks4a, SchemeSocks5:
		if p.Port == "" {
			p.Port = "1080"
		}
	case SchemeHTTP:
		if p.Port == "" {
			p.Port = "80"
		}
	case SchemeHTTPS:
		if p.Port == "" {
			p.Port = "443"
		}
	default:
		return nil, fmt.Errorf("next proxy %q: unsupported scheme %q", raw, u.Scheme)
	}
	if p.Host == "" {
		return nil, fmt.Errorf("next proxy %q: missing host", raw)
	}

	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}
