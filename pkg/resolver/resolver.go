// Package resolver abstracts host name resolution. The system
// resolver is used by default; when an explicit DNS server is
// configured, queries go straight to it over UDP.
package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver looks up the addresses for a host name. Literal IP
// addresses pass through without a network query.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

// New returns a resolver. With an empty server the system resolver is
// used; otherwise queries are sent to server ("ip" or "ip:port",
// defaulting to port 53).
func New(server string) (Resolver, error) {
	if server == "" {
		return &systemResolver{}, nil
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		if ip := net.ParseIP(server); ip == nil {
			return nil, fmt.Errorf("invalid dns server %q", server)
		}
		server = net.JoinHostPort(server, "53")
	}
	return &directResolver{server: server}, nil
}

type systemResolver struct{}

func (systemResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// directResolver queries a fixed DNS server, asking for A and AAAA
// records in parallel and merging whatever answers arrive.
type directResolver struct {
	server string
}

func (r *directResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	type answer struct {
		ips []net.IP
		err error
	}
	ch := make(chan answer, 2)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		go func(qtype uint16) {
			ips, err := r.query(ctx, host, qtype)
			ch <- answer{ips, err}
		}(qtype)
	}

	var ips []net.IP
	var lastErr error
	for i := 0; i < 2; i++ {
		a := <-ch
		if a.err != nil {
			lastErr = a.err
			continue
		}
		ips = append(ips, a.ips...)
	}
	if len(ips) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return ips, nil
}

func (r *directResolver) query(ctx context.Context, host string, qtype uint16) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: 5 * time.Second}
	reply, _, err := client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, &net.DNSError{Err: err.Error(), Name: host}
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, &net.DNSError{Err: dns.RcodeToString[reply.Rcode], Name: host, IsNotFound: reply.Rcode == dns.RcodeNameError}
	}

	// The server follows CNAME chains; only terminal address records
	// matter here.
	var ips []net.IP
	for _, rr := range reply.Answer {
		switch a := rr.(type) {
		case *dns.A:
			ips = append(ips, a.A)
		case *dns.AAAA:
			ips = append(ips, a.AAAA)
		}
	}
	return ips, nil
}
