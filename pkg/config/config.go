// Package config loads and validates the YAML server configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"driftproxy/pkg/upstream"
)

// Noise length bounds for the scramble handshake.
const (
	MinNoiseLength = 16
	MaxNoiseLength = 4095
)

// Config is the full YAML schema. Field defaults come from Default,
// so an empty file yields a working anonymous proxy on port 1080.
type Config struct {
	ServerListen  string `yaml:"server_listen"`
	ReusePort     bool   `yaml:"reuse_port"`
	HappyEyeballs bool   `yaml:"happy_eyeballs"`
	LocalIP       string `yaml:"local_ip"`

	// AuthUsers lists "user:pass" credentials. Empty means anonymous
	// access is allowed.
	AuthUsers []string `yaml:"auth_users"`

	NextProxy       string `yaml:"next_proxy"`
	NextProxyUseTLS bool   `yaml:"next_proxy_use_tls"`
	DNSServer       string `yaml:"dns_server"`

	SSLCertificateDir      string `yaml:"ssl_certificate_dir"`
	SSLCertificate         string `yaml:"ssl_certificate"`
	SSLCertificateKey      string `yaml:"ssl_certificate_key"`
	SSLCertificatePasswd   string `yaml:"ssl_certificate_passwd"`
	SSLSNI                 string `yaml:"ssl_sni"`
	SSLCiphers             string `yaml:"ssl_ciphers"`
	SSLPreferServerCiphers bool   `yaml:"ssl_prefer_server_ciphers"`

	HTTPDoc   string `yaml:"http_doc"`
	Autoindex bool   `yaml:"autoindex"`

	LogsPath    string `yaml:"logs_path"`
	DisableLogs bool   `yaml:"disable_logs"`

	DisableHTTP     bool `yaml:"disable_http"`
	DisableSocks    bool `yaml:"disable_socks"`
	DisableInsecure bool `yaml:"disable_insecure"`
	DisableUDP      bool `yaml:"disable_udp"`

	Scramble    bool `yaml:"scramble"`
	NoiseLength int  `yaml:"noise_length"`

	// UDPExpiry is the UDP association idle timeout in seconds.
	UDPExpiry int `yaml:"udp_expiry"`
}

// Default returns the configuration an empty file resolves to.
func Default() *Config {
	return &Config{
		ServerListen:  "[::0]:1080",
		HappyEyeballs: true,
		NoiseLength:   MaxNoiseLength,
		UDPExpiry:     600,
	}
}

// Load reads, parses, and validates a configuration file. An empty
// path loads ./driftproxy.yaml.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "./driftproxy.yaml"
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", absPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field that can be checked without opening
// sockets or reading certificate files.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ServerListen); err != nil {
		return fmt.Errorf("server_listen %q: %w", c.ServerListen, err)
	}

	for _, entry := range c.AuthUsers {
		user, _, ok := strings.Cut(entry, ":")
		if !ok || user == "" {
			return fmt.Errorf("auth_users entry %q must be user:pass", entry)
		}
	}

	if c.NextProxy != "" {
		if _, err := upstream.ParseProxyURL(c.NextProxy); err != nil {
			return fmt.Errorf("next_proxy: %w", err)
		}
	}

	if c.LocalIP != "" && net.ParseIP(c.LocalIP) == nil {
		return fmt.Errorf("local_ip %q is not an IP address", c.LocalIP)
	}

	if c.SSLCertificateDir != "" && (c.SSLCertificate != "" || c.SSLCertificateKey != "") {
		return fmt.Errorf("ssl_certificate_dir and explicit certificate paths are mutually exclusive")
	}
	if (c.SSLCertificate == "") != (c.SSLCertificateKey == "") {
		return fmt.Errorf("ssl_certificate and ssl_certificate_key must be set together")
	}

	if c.NoiseLength < MinNoiseLength || c.NoiseLength > MaxNoiseLength {
		return fmt.Errorf("noise_length %d outside [%d, %d]", c.NoiseLength, MinNoiseLength, MaxNoiseLength)
	}
	if c.UDPExpiry <= 0 {
		return fmt.Errorf("udp_expiry must be positive, got %d", c.UDPExpiry)
	}
	if c.DisableInsecure && !c.HasTLS() {
		return fmt.Errorf("disable_insecure requires TLS certificate material")
	}
	return nil
}

// HasTLS reports whether inbound TLS termination is configured.
func (c *Config) HasTLS() bool {
	return c.SSLCertificateDir != "" || c.SSLCertificate != ""
}

// Users splits auth_users into pairs. Validate has already checked
// the separator.
func (c *Config) Users() [][2]string {
	pairs := make([][2]string, 0, len(c.AuthUsers))
	for _, entry := range c.AuthUsers {
		user, pass, _ := strings.Cut(entry, ":")
		pairs = append(pairs, [2]string{user, pass})
	}
	return pairs
}
