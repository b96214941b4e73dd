package httpd

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"driftproxy/pkg/proxy/session"
	"driftproxy/pkg/resolver"
	"driftproxy/pkg/upstream"
)

func newTestSession(t *testing.T, client net.Conn, opts session.Options) *session.Session {
	t.Helper()
	res, err := resolver.New("")
	if err != nil {
		t.Fatal(err)
	}
	return &session.Session{
		ID:      1,
		Client:  session.NewConn(client),
		Opts:    opts,
		Connect: &upstream.Connector{Resolver: res},
		Log:     zerolog.Nop(),
		Started: time.Now(),
	}
}

func startSession(t *testing.T, opts session.Options) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	sess := newTestSession(t, server, opts)
	go func() {
		Handle(sess)
		server.Close()
	}()
	client.SetDeadline(time.Now().Add(5 * time.Second))
	return client
}

func startEchoListener(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

var alice = []session.Credential{{User: "alice", Pass: "s3cret"}}

func TestConnectRequiresAuth(t *testing.T) {
	client := startSession(t, session.Options{Users: alice})

	fmt.Fprintf(client, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusProxyAuthRequired {
		t.Fatalf("status = %d, want 407", resp.StatusCode)
	}
	if got := resp.Header.Get("Proxy-Authenticate"); got != `Basic realm="proxy"` {
		t.Errorf("Proxy-Authenticate = %q", got)
	}
}

func TestConnectTunnel(t *testing.T) {
	echo := startEchoListener(t)
	client := startSession(t, session.Options{Users: alice})

	fmt.Fprintf(client, "CONNECT 127.0.0.1:%d HTTP/1.1\r\nHost: 127.0.0.1:%d\r\nProxy-Authorization: Basic YWxpY2U6czNjcmV0\r\n\r\n",
		echo.Port, echo.Port)

	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "HTTP/1.1 200 Connection established") {
		t.Fatalf("status line = %q", line)
	}
	// Skip remaining header lines.
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if line == "\r\n" {
			break
		}
	}

	payload := "tunneled bytes"
	fmt.Fprint(client, payload)
	back := make([]byte, len(payload))
	if _, err := io.ReadFull(br, back); err != nil {
		t.Fatal(err)
	}
	if string(back) != payload {
		t.Errorf("echoed %q", back)
	}
}

func TestConnectUpstreamFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	client := startSession(t, session.Options{})
	fmt.Fprintf(client, "CONNECT 127.0.0.1:%d HTTP/1.1\r\nHost: 127.0.0.1:%d\r\n\r\n", port, port)

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestForwardRewritesRequest(t *testing.T) {
	requests := make(chan *http.Request, 4)
	conns := make(chan struct{}, 4)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- struct{}{}
			go func() {
				br := bufio.NewReader(conn)
				for {
					req, err := http.ReadRequest(br)
					if err != nil {
						conn.Close()
						return
					}
					requests <- req
					body := "origin says hi"
					fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
				}
			}()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	client := startSession(t, session.Options{Users: alice})
	br := bufio.NewReader(client)

	for i := 0; i < 2; i++ {
		fmt.Fprintf(client, "GET http://127.0.0.1:%d/path?x=1 HTTP/1.1\r\nHost: 127.0.0.1:%d\r\nProxy-Authorization: Basic YWxpY2U6czNjcmV0\r\nProxy-Connection: keep-alive\r\n\r\n",
			port, port)

		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Fatalf("exchange %d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(body) != "origin says hi" {
			t.Fatalf("exchange %d: status %d body %q", i, resp.StatusCode, body)
		}

		seen := <-requests
		if seen.URL.Path != "/path" || seen.URL.RawQuery != "x=1" {
			t.Errorf("origin saw %q", seen.URL.String())
		}
		if seen.URL.IsAbs() {
			t.Error("origin received absolute-form request")
		}
		if got := seen.Header.Get("Proxy-Authorization"); got != "" {
			t.Errorf("Proxy-Authorization leaked: %q", got)
		}
		if got := seen.Header.Get("Proxy-Connection"); got != "" {
			t.Errorf("Proxy-Connection leaked: %q", got)
		}
	}

	// Keep-alive must reuse the single outbound connection.
	if len(conns) != 1 {
		t.Errorf("origin saw %d connections, want 1", len(conns))
	}
}

func TestForwardAuthFallsBackToDocRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("<html>decoy</html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	client := startSession(t, session.Options{Users: alice, DocRoot: root})
	fmt.Fprintf(client, "GET http://upstream.test/index.html HTTP/1.1\r\nHost: upstream.test\r\n\r\n")

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	// The unauthenticated request is answered from the document root
	// as if this were a plain web server.
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func staticFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello static world"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "a.css"), []byte("body{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func get(t *testing.T, client net.Conn, br *bufio.Reader, path, extra string) *http.Response {
	t.Helper()
	fmt.Fprintf(client, "GET %s HTTP/1.1\r\nHost: files.test\r\n%s\r\n", path, extra)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestStaticFileServing(t *testing.T) {
	root := staticFixture(t)
	client := startSession(t, session.Options{DocRoot: root})
	br := bufio.NewReader(client)

	resp := get(t, client, br, "/hello.txt", "")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(body) != "hello static world" {
		t.Errorf("body = %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q", ct)
	}

	// Same connection stays usable for the next request.
	resp = get(t, client, br, "/sub/a.css", "")
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "body{}" {
		t.Fatalf("second request: status %d body %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/css" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestStaticRange(t *testing.T) {
	root := staticFixture(t)
	client := startSession(t, session.Options{DocRoot: root})
	br := bufio.NewReader(client)

	resp := get(t, client, br, "/hello.txt", "Range: bytes=6-11\r\n")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(body) != "static" {
		t.Errorf("body = %q", body)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 6-11/18" {
		t.Errorf("Content-Range = %q", cr)
	}
}

func TestStaticRangeUnsatisfiable(t *testing.T) {
	root := staticFixture(t)
	client := startSession(t, session.Options{DocRoot: root})

	resp := get(t, client, bufio.NewReader(client), "/hello.txt", "Range: bytes=100-\r\n")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes */18" {
		t.Errorf("Content-Range = %q", cr)
	}
}

func TestStaticNotFound(t *testing.T) {
	root := staticFixture(t)
	client := startSession(t, session.Options{DocRoot: root})

	resp := get(t, client, bufio.NewReader(client), "/missing.txt", "")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "404 Not Found") {
		t.Errorf("body = %q", body)
	}
}

func TestStaticTraversalRejected(t *testing.T) {
	root := staticFixture(t)
	client := startSession(t, session.Options{DocRoot: root})

	fmt.Fprintf(client, "GET /../../etc/passwd HTTP/1.1\r\nHost: files.test\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStaticDirectoryRedirect(t *testing.T) {
	root := staticFixture(t)
	client := startSession(t, session.Options{DocRoot: root})

	resp := get(t, client, bufio.NewReader(client), "/sub", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/sub/" {
		t.Errorf("Location = %q", loc)
	}
}

func TestStaticDirectoryListing(t *testing.T) {
	root := staticFixture(t)

	t.Run("forbidden when disabled", func(t *testing.T) {
		client := startSession(t, session.Options{DocRoot: root})
		resp := get(t, client, bufio.NewReader(client), "/sub/", "")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("listing when enabled", func(t *testing.T) {
		client := startSession(t, session.Options{DocRoot: root, Autoindex: true})
		resp := get(t, client, bufio.NewReader(client), "/sub/", "")
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if !strings.Contains(string(body), "a.css") {
			t.Errorf("listing missing entry: %q", body)
		}
		if !strings.Contains(string(body), "Index of /sub/") {
			t.Errorf("listing missing title: %q", body)
		}
	})
}

func TestEvaluateRange(t *testing.T) {
	tests := []struct {
		spec   string
		size   int64
		start  int64
		length int64
		status int
		ok     bool
	}{
		{"", 100, 0, 100, http.StatusOK, true},
		{"bytes=0-49", 100, 0, 50, http.StatusPartialContent, true},
		{"bytes=50-", 100, 50, 50, http.StatusPartialContent, true},
		{"bytes=-10", 100, 90, 10, http.StatusPartialContent, true},
		{"bytes=90-200", 100, 90, 10, http.StatusPartialContent, true},
		{"bytes=0-0", 100, 0, 1, http.StatusPartialContent, true},
		{"bytes=100-", 100, 0, 0, 0, false},
		{"bytes=5-2", 100, 0, 0, 0, false},
		{"bytes=0-10,20-30", 100, 0, 100, http.StatusOK, true},
		{"lines=0-5", 100, 0, 100, http.StatusOK, true},
	}

	for _, tt := range tests {
		start, length, status, ok := evaluateRange(tt.spec, tt.size)
		if ok != tt.ok {
			t.Errorf("%q: ok = %v, want %v", tt.spec, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if start != tt.start || length != tt.length || status != tt.status {
			t.Errorf("%q: got (%d, %d, %d), want (%d, %d, %d)",
				tt.spec, start, length, status, tt.start, tt.length, tt.status)
		}
	}
}

func TestParseBasicAuth(t *testing.T) {
	tests := []struct {
		value string
		user  string
		pass  string
		ok    bool
	}{
		{"Basic YWxpY2U6czNjcmV0", "alice", "s3cret", true},
		{"basic YWxpY2U6czNjcmV0", "alice", "s3cret", true},
		{"Bearer token", "", "", false},
		{"Basic !!!", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		user, pass, ok := parseBasicAuth(tt.value)
		if ok != tt.ok || user != tt.user || pass != tt.pass {
			t.Errorf("%q: got (%q, %q, %v)", tt.value, user, pass, ok)
		}
	}
}
