package httpd

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"driftproxy/pkg/proxy/session"
)

// serveStatic answers one request from the document root. It covers
// single byte ranges, directory redirects, and the optional autoindex
// listing. Returns false when the connection must close afterwards.
func serveStatic(sess *session.Session, req *http.Request) bool {
	if req.Body != nil {
		io.Copy(io.Discard, io.LimitReader(req.Body, maxBodySize))
		req.Body.Close()
	}

	if sess.Opts.DocRoot == "" {
		writeErrorPage(sess.Client, http.StatusBadRequest)
		return false
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		writeErrorPage(sess.Client, http.StatusBadRequest)
		return false
	}

	upath := req.URL.Path
	if !strings.HasPrefix(upath, "/") || containsDotDot(upath) {
		writeErrorPage(sess.Client, http.StatusBadRequest)
		return false
	}
	clean := path.Clean(upath)

	full := filepath.Join(sess.Opts.DocRoot, filepath.FromSlash(clean))
	info, err := os.Stat(full)
	if err != nil {
		sess.Log.Debug().Str("path", clean).Msg("Static file not found")
		writeErrorPage(sess.Client, http.StatusNotFound)
		return false
	}

	if info.IsDir() {
		if !strings.HasSuffix(upath, "/") {
			writeRedirect(sess.Client, clean+"/")
			return !req.Close
		}
		if !sess.Opts.Autoindex {
			writeErrorPage(sess.Client, http.StatusForbidden)
			return false
		}
		return serveAutoindex(sess, req, full, clean)
	}

	return serveFile(sess, req, full, info.Size())
}

// serveFile streams a regular file, honoring a single Range header.
func serveFile(sess *session.Session, req *http.Request, full string, size int64) bool {
	f, err := os.Open(full)
	if err != nil {
		writeErrorPage(sess.Client, http.StatusNotFound)
		return false
	}
	defer f.Close()

	start, length, status, ok := evaluateRange(req.Header.Get("Range"), size)
	if !ok {
		writeRangeNotSatisfiable(sess.Client, size)
		return false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType(full))
	fmt.Fprintf(&b, "Content-Length: %d\r\n", length)
	b.WriteString("Accept-Ranges: bytes\r\n")
	if status == http.StatusPartialContent {
		fmt.Fprintf(&b, "Content-Range: bytes %d-%d/%d\r\n", start, start+length-1, size)
	}
	if req.Close {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")
	if _, err := io.WriteString(sess.Client, b.String()); err != nil {
		return false
	}
	if req.Method == http.MethodHead {
		return !req.Close
	}

	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return false
		}
	}
	if _, err := io.CopyN(sess.Client, f, length); err != nil {
		return false
	}
	sess.Log.Debug().Str("path", full).Int64("bytes", length).Msg("Static file served")
	return !req.Close
}

// evaluateRange interprets a Range header against the file size. A
// missing or multi-range header serves the whole file; a syntactically
// valid but unsatisfiable range reports !ok.
func evaluateRange(spec string, size int64) (start, length int64, status int, ok bool) {
	full := func() (int64, int64, int, bool) {
		return 0, size, http.StatusOK, true
	}
	if spec == "" {
		return full()
	}
	const prefix = "bytes="
	if !strings.HasPrefix(spec, prefix) || strings.Contains(spec, ",") {
		return full()
	}
	first, last, found := strings.Cut(spec[len(prefix):], "-")
	if !found {
		return full()
	}

	if first == "" {
		// Suffix form requests the final N bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, n, http.StatusPartialContent, true
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, 0, false
	}
	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, 0, false
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end - start + 1, http.StatusPartialContent, true
}

// serveAutoindex writes an HTML listing of a directory.
func serveAutoindex(sess *session.Session, req *http.Request, dir, display string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		writeErrorPage(sess.Client, http.StatusForbidden)
		return false
	}
	if display != "/" {
		display += "/"
	}

	var b strings.Builder
	title := "Index of " + html.EscapeString(display)
	fmt.Fprintf(&b, "<html>\r\n<head><title>%s</title></head>\r\n<body>\r\n<h1>%s</h1><hr><pre>", title, title)
	b.WriteString("<a href=\"../\">../</a>\r\n")
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		name := entry.Name()
		href := url.PathEscape(name)
		sizeCol := strconv.FormatInt(info.Size(), 10)
		if entry.IsDir() {
			name += "/"
			href += "/"
			sizeCol = "-"
		}
		shown := html.EscapeString(name)
		pad := 50 - len(shown)
		if pad < 1 {
			pad = 1
		}
		fmt.Fprintf(&b, "<a href=\"%s\">%s</a>%s%s %19s\r\n",
			href, shown, strings.Repeat(" ", pad),
			info.ModTime().UTC().Format("02-Jan-2006 15:04"), sizeCol)
	}
	b.WriteString("</pre><hr></body>\r\n</html>\r\n")

	body := b.String()
	var hdr strings.Builder
	hdr.WriteString("HTTP/1.1 200 OK\r\n")
	hdr.WriteString("Content-Type: text/html\r\n")
	fmt.Fprintf(&hdr, "Content-Length: %d\r\n", len(body))
	if req.Close {
		hdr.WriteString("Connection: close\r\n")
	}
	hdr.WriteString("\r\n")
	if req.Method == http.MethodHead {
		body = ""
	}
	if _, err := io.WriteString(sess.Client, hdr.String()+body); err != nil {
		return false
	}
	return !req.Close
}

// containsDotDot reports whether any slash-separated segment of the
// path is a parent reference.
func containsDotDot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
