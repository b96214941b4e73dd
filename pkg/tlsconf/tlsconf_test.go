package tlsconf

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSelfSigned(t *testing.T, dir, certName, keyName string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "proxy.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"proxy.test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(filepath.Join(dir, certName), certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, keyName), keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestServerConfigExplicitPaths(t *testing.T) {
	dir := t.TempDir()
	writeSelfSigned(t, dir, "crt.pem", "key.pem")

	cfg, err := ServerConfig(ServerOptions{
		CertFile: filepath.Join(dir, "crt.pem"),
		KeyFile:  filepath.Join(dir, "key.pem"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("MinVersion = %#x, want TLS 1.2", cfg.MinVersion)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("loaded %d certificates, want 1", len(cfg.Certificates))
	}
}

func TestServerConfigCertDir(t *testing.T) {
	dir := t.TempDir()
	writeSelfSigned(t, dir, dirCertFile, dirKeyFile)

	cfg, err := ServerConfig(ServerOptions{CertDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatal("certificate directory load failed")
	}
}

func TestServerConfigMissingMaterial(t *testing.T) {
	if _, err := ServerConfig(ServerOptions{}); err == nil {
		t.Fatal("expected error with no certificate material")
	}
}

func TestParseCipherList(t *testing.T) {
	ids, err := parseCipherList("TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256:TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d suites, want 2", len(ids))
	}
	if _, err := parseCipherList("NOT_A_SUITE"); err == nil {
		t.Fatal("expected error for unknown suite")
	}
	if _, err := parseCipherList(" , "); err == nil {
		t.Fatal("expected error for empty list")
	}
}

func TestSniffClientHello(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	go func() {
		client := tls.Client(left, &tls.Config{
			ServerName:         "origin.test",
			InsecureSkipVerify: true,
		})
		client.Handshake()
	}()

	buf := make([]byte, 4096)
	n := 0
	// Read the record header, then the full record body.
	for n < 5 {
		m, err := right.Read(buf[n:])
		if err != nil {
			t.Fatal(err)
		}
		n += m
	}
	recordLen := 5 + int(buf[3])<<8 + int(buf[4])
	for n < recordLen {
		m, err := right.Read(buf[n:recordLen])
		if err != nil {
			t.Fatal(err)
		}
		n += m
	}

	sni, ok := SniffClientHello(buf[:n])
	if !ok {
		t.Fatal("failed to parse ClientHello")
	}
	if sni != "origin.test" {
		t.Fatalf("sni = %q, want origin.test", sni)
	}
}

func TestSniffClientHelloRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x16},
		{0x17, 0x03, 0x03, 0x00, 0x05, 1, 2, 3, 4, 5},
		[]byte("GET / HTTP/1.1\r\n"),
	}
	for _, c := range cases {
		if _, ok := SniffClientHello(c); ok {
			t.Fatalf("accepted garbage %x", c)
		}
	}
}
