package httpd

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// errorBody renders the stock error page that ships with common web
// servers, so the proxy's responses blend in with an ordinary nginx
// deployment.
func errorBody(status int) string {
	title := fmt.Sprintf("%d %s", status, http.StatusText(status))
	return fmt.Sprintf("<html>\r\n<head><title>%s</title></head>\r\n"+
		"<body>\r\n<center><h1>%s</h1></center>\r\n"+
		"<hr><center>nginx</center>\r\n</body>\r\n</html>\r\n", title, title)
}

// writeErrorPage sends a complete error response and marks the
// connection for close.
func writeErrorPage(w io.Writer, status int) {
	writeResponse(w, status, nil, errorBody(status))
}

// writeProxyAuthRequired sends the 407 challenge.
func writeProxyAuthRequired(w io.Writer) {
	writeResponse(w, http.StatusProxyAuthRequired,
		[][2]string{{"Proxy-Authenticate", `Basic realm="proxy"`}},
		errorBody(http.StatusProxyAuthRequired))
}

// writeRangeNotSatisfiable sends the 416 response with the total size
// the client may retry against.
func writeRangeNotSatisfiable(w io.Writer, size int64) {
	writeResponse(w, http.StatusRequestedRangeNotSatisfiable,
		[][2]string{{"Content-Range", fmt.Sprintf("bytes */%d", size)}},
		errorBody(http.StatusRequestedRangeNotSatisfiable))
}

// writeRedirect sends a 301 to the given location.
func writeRedirect(w io.Writer, location string) {
	writeResponse(w, http.StatusMovedPermanently,
		[][2]string{{"Location", location}},
		errorBody(http.StatusMovedPermanently))
}

func writeResponse(w io.Writer, status int, headers [][2]string, body string) {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	b.WriteString("Content-Type: text/html\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h[0], h[1])
	}
	if status != http.StatusMovedPermanently {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	io.WriteString(w, b.String())
}
