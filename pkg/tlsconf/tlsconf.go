// Package tlsconf builds the TLS configurations for the inbound
// listener surface and for outbound connections to a chained
// upstream, and extracts the SNI from a raw ClientHello record.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Fixed file names looked up inside a certificate directory.
const (
	dirCertFile     = "ssl_crt.pem"
	dirKeyFile      = "ssl_key.pem"
	dirDHFile       = "ssl_dh.pem"
	dirPasswordFile = "ssl_crt.pwd"
)

// ServerOptions selects the certificate material for the inbound TLS
// surface. CertDir and the explicit paths are mutually exclusive.
type ServerOptions struct {
	CertDir             string
	CertFile            string
	KeyFile             string
	Password            string
	Ciphers             string
	PreferServerCiphers bool
}

// ServerConfig loads the certificate material and returns the TLS
// configuration for terminating inbound connections. Legacy protocol
// versions below TLS 1.2 are refused.
func ServerConfig(opts ServerOptions) (*tls.Config, error) {
	certFile := opts.CertFile
	keyFile := opts.KeyFile
	password := opts.Password

	if opts.CertDir != "" {
		certFile = filepath.Join(opts.CertDir, dirCertFile)
		keyFile = filepath.Join(opts.CertDir, dirKeyFile)
		if password == "" {
			if pw, err := os.ReadFile(filepath.Join(opts.CertDir, dirPasswordFile)); err == nil {
				password = strings.TrimSpace(string(pw))
			}
		}
	}
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("tls: certificate and key are required")
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("tls: read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: read key: %w", err)
	}

	keyPEM, err = decryptKeyPEM(keyPEM, password)
	if err != nil {
		return nil, err
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if opts.Ciphers != "" {
		suites, err := parseCipherList(opts.Ciphers)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = suites
	}
	if opts.PreferServerCiphers {
		cfg.PreferServerCipherSuites = true
	}
	return cfg, nil
}

// decryptKeyPEM decrypts a legacy encrypted PEM private key block
// when a password is given; unencrypted keys pass through.
func decryptKeyPEM(keyPEM []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("tls: no PEM block in key file")
	}
	if !x509.IsEncryptedPEMBlock(block) {
		return keyPEM, nil
	}
	if password == "" {
		return nil, fmt.Errorf("tls: key is encrypted and no password was given")
	}
	der, err := x509.DecryptPEMBlock(block, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("tls: decrypt key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

// parseCipherList resolves a comma or colon separated list of TLS 1.2
// cipher suite names to their ids.
func parseCipherList(list string) ([]uint16, error) {
	byName := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		byName[s.Name] = s.ID
	}
	var ids []uint16
	for _, name := range strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ':' }) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("tls: unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("tls: empty cipher list")
	}
	return ids, nil
}

// ClientConfig builds the TLS configuration for connecting out to a
// chained upstream. serverName overrides the SNI; caFile, when set,
// replaces the system roots.
func ClientConfig(serverName string, verify bool, caFile string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: !verify,
		MinVersion:         tls.VersionTLS12,
	}
	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("tls: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("tls: no certificates in %s", caFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
