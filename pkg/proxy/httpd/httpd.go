// Package httpd implements the HTTP side of the proxy: CONNECT
// tunneling, absolute-URI forwarding with keep-alive, and a
// static-file fallback rooted at the configured document root.
package httpd

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"driftproxy/pkg/proxy/session"
	"driftproxy/pkg/relay"
)

const (
	// maxBodySize caps request bodies accepted on the proxy path.
	maxBodySize = 512 << 10

	connectTimeout = 30 * time.Second
)

// Handle runs the HTTP request loop on a classified session. Each
// iteration reads one request and routes it to the CONNECT tunnel,
// the forwarder, or the static file server. The loop ends when the
// exchange demands close or the client goes away.
func Handle(sess *session.Session) {
	sess.SetProtocol("http")

	br := bufio.NewReader(sess.Client)
	fwd := &forwarder{}
	defer fwd.close()

	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}

		if req.Method == http.MethodConnect {
			handleTunnel(sess, br, req)
			return
		}
		if !handleForward(sess, fwd, req) {
			return
		}
	}
}

// handleTunnel processes a CONNECT request: authenticate, open the
// upstream, confirm with 200, then relay raw bytes both ways.
func handleTunnel(sess *session.Session, br *bufio.Reader, req *http.Request) {
	if !authorized(sess, req) {
		sess.Log.Warn().Str("target", req.Host).Msg("CONNECT authentication failed")
		writeProxyAuthRequired(sess.Client)
		return
	}

	host, portStr, err := net.SplitHostPort(req.Host)
	if err != nil {
		writeErrorPage(sess.Client, http.StatusBadRequest)
		return
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		writeErrorPage(sess.Client, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	remote, err := sess.Connect.Connect(ctx, host, uint16(port), true)
	if err != nil {
		sess.Log.Debug().Err(err).Str("target", req.Host).Msg("CONNECT upstream failed")
		writeErrorPage(sess.Client, http.StatusBadGateway)
		return
	}
	defer remote.Close()

	if _, err := io.WriteString(sess.Client, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		return
	}
	sess.Log.Info().Str("target", req.Host).Msg("HTTP tunnel established")

	// Bytes the client pipelined behind the CONNECT header sit in the
	// request reader and must reach the upstream before the relay
	// takes over.
	if n := br.Buffered(); n > 0 {
		pending, _ := br.Peek(n)
		if _, err := remote.Write(pending); err != nil {
			return
		}
		br.Discard(n)
	}

	relay.Pipe(sess.Client, remote, &sess.Counters)
	sess.Log.Debug().
		Int64("to_remote", sess.Counters.ToRemote.Load()).
		Int64("to_client", sess.Counters.ToClient.Load()).
		Msg("Relay finished")
}

// forwarder keeps the outbound connection of an absolute-URI session
// alive across keep-alive requests to the same origin.
type forwarder struct {
	origin string
	conn   net.Conn
	br     *bufio.Reader
}

func (f *forwarder) close() {
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
		f.br = nil
		f.origin = ""
	}
}

// handleForward routes one non-CONNECT request. Absolute URIs from
// authenticated clients forward upstream; everything else falls
// through to the static file server. A configured document root also
// catches failed proxy authentication, hiding the proxy behind an
// ordinary web server. Returns false when the connection must close.
func handleForward(sess *session.Session, fwd *forwarder, req *http.Request) bool {
	isAbs := req.URL != nil && req.URL.IsAbs()
	authed := authorized(sess, req)

	if !isAbs {
		return serveStatic(sess, req)
	}
	if !authed {
		if sess.Opts.DocRoot != "" {
			return serveStatic(sess, req)
		}
		sess.Log.Warn().Str("target", req.URL.Host).Msg("Proxy authentication failed")
		writeProxyAuthRequired(sess.Client)
		return false
	}
	if req.URL.Scheme != "http" {
		writeErrorPage(sess.Client, http.StatusBadRequest)
		return false
	}
	if req.ContentLength > maxBodySize {
		writeErrorPage(sess.Client, http.StatusRequestEntityTooLarge)
		return false
	}

	host := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" {
		port = "80"
	}
	origin := net.JoinHostPort(host, port)

	if fwd.conn == nil || fwd.origin != origin {
		fwd.close()
		portNum, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			writeErrorPage(sess.Client, http.StatusBadRequest)
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		conn, err := sess.Connect.Connect(ctx, host, uint16(portNum), true)
		cancel()
		if err != nil {
			sess.Log.Debug().Err(err).Str("origin", origin).Msg("Forward upstream failed")
			writeErrorPage(sess.Client, http.StatusBadGateway)
			return false
		}
		fwd.conn = conn
		fwd.br = bufio.NewReader(conn)
		fwd.origin = origin
	}

	clientClose := req.Close ||
		strings.EqualFold(req.Header.Get("Proxy-Connection"), "close")
	rewriteForOrigin(req)
	if req.ContentLength < 0 && req.Body != nil {
		req.Body = &cappedBody{rc: req.Body}
	}

	if err := req.Write(fwd.conn); err != nil {
		sess.Log.Debug().Err(err).Str("origin", origin).Msg("Forward write failed")
		fwd.close()
		writeErrorPage(sess.Client, http.StatusBadGateway)
		return false
	}

	resp, err := http.ReadResponse(fwd.br, req)
	if err != nil {
		sess.Log.Debug().Err(err).Str("origin", origin).Msg("Forward response failed")
		fwd.close()
		writeErrorPage(sess.Client, http.StatusBadGateway)
		return false
	}
	sess.Log.Debug().
		Str("method", req.Method).
		Str("origin", origin).
		Int("status", resp.StatusCode).
		Msg("Request forwarded")

	respClose := resp.Close
	err = resp.Write(sess.Client)
	resp.Body.Close()
	if err != nil {
		return false
	}
	if respClose {
		fwd.close()
	}
	return !clientClose
}

// rewriteForOrigin turns an absolute-URI proxy request into the
// origin-form request the upstream server expects, promoting
// Proxy-Connection and stripping the hop-by-hop proxy headers.
func rewriteForOrigin(req *http.Request) {
	req.Host = req.URL.Host
	if req.Header.Get("Connection") == "" {
		if pc := req.Header.Get("Proxy-Connection"); pc != "" {
			req.Header.Set("Connection", pc)
		}
	}
	req.Header.Del("Proxy-Authorization")
	req.Header.Del("Proxy-Connection")
	req.RequestURI = ""
}

// authorized checks the Proxy-Authorization header against the
// configured user list. Without configured users every request
// passes.
func authorized(sess *session.Session, req *http.Request) bool {
	if sess.AnonymousAllowed() {
		return true
	}
	user, pass, ok := parseBasicAuth(req.Header.Get("Proxy-Authorization"))
	return ok && sess.Authenticate(user, pass)
}

// parseBasicAuth decodes a Basic credential header value.
func parseBasicAuth(value string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if len(value) < len(prefix) || !strings.EqualFold(value[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(value[len(prefix):])
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(decoded), ":")
	return user, pass, ok
}

// cappedBody bounds a body of unknown length so a chunked upload
// cannot stream without limit.
type cappedBody struct {
	rc   io.ReadCloser
	read int64
}

func (b *cappedBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	b.read += int64(n)
	if b.read > maxBodySize {
		return 0, fmt.Errorf("request body exceeds %d bytes", maxBodySize)
	}
	return n, err
}

func (b *cappedBody) Close() error {
	return b.rc.Close()
}
