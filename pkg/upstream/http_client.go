package upstream

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strconv"
)

// httpConnect asks an HTTP chain proxy to open a tunnel to host:port
// and requires a 2xx response. Any response body is left unread; a
// tunnel grant has none.
func httpConnect(conn net.Conn, user, pass, host string, port uint16) error {
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Connection: keep-alive\r\n", target, target)
	if user != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("http chain request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return fmt.Errorf("http chain response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("http chain: tunnel refused (%s)", resp.Status)
	}
	if br.Buffered() > 0 {
		return fmt.Errorf("http chain: unexpected data after tunnel grant")
	}
	return nil
}
