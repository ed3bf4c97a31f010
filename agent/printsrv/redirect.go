package printsrv

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// redirectListener wraps a net.Listener to detect plain HTTP requests on
// the TLS port and redirect them to HTTPS instead of failing the handshake.
type redirectListener struct {
	net.Listener
	httpsPort string
	log       Logger
}

func newRedirectListener(inner net.Listener, httpsPort string, log Logger) net.Listener {
	return &redirectListener{Listener: inner, httpsPort: httpsPort, log: log}
}

// Accept returns the next TLS connection. Plain HTTP connections are
// answered with a redirect and never returned.
func (l *redirectListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		pc := &peekConn{Conn: conn, reader: bufio.NewReader(conn)}

		// A silent client must not stall Accept for long.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		first, err := pc.reader.Peek(1)
		_ = conn.SetReadDeadline(time.Time{})
		if err != nil {
			conn.Close()
			continue
		}

		// A TLS ClientHello starts with record type 0x16.
		if first[0] == 0x16 {
			return pc, nil
		}
		go l.redirect(pc)
	}
}

func (l *redirectListener) redirect(conn *peekConn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := conn.reader.ReadString('\n')
	if err != nil {
		return
	}
	var method, path string
	fmt.Sscanf(line, "%s %s", &method, &path)
	if !strings.HasPrefix(path, "/") {
		path = "/"
	}

	host := "127.0.0.1:" + l.httpsPort
	for {
		h, err := conn.reader.ReadString('\n')
		if err != nil || h == "\r\n" || h == "\n" {
			break
		}
		name, value, ok := strings.Cut(h, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "host") {
			host = strings.TrimSpace(value)
			if _, _, err := net.SplitHostPort(host); err != nil {
				host = net.JoinHostPort(strings.Trim(host, "[]"), l.httpsPort)
			}
		}
	}

	target := "https://" + host + path
	body := fmt.Sprintf("<html><body><p>This agent requires HTTPS: <a href=\"%s\">%s</a></p></body></html>", target, target)
	fmt.Fprintf(conn,
		"HTTP/1.1 301 Moved Permanently\r\n"+
			"Location: %s\r\n"+
			"Content-Type: text/html; charset=utf-8\r\n"+
			"Content-Length: %d\r\n"+
			"Connection: close\r\n"+
			"\r\n%s",
		target, len(body), body)

	l.log.Debug("Redirected HTTP request to HTTPS", "remote_addr", conn.RemoteAddr().String(), "method", method, "path", path)
}

// peekConn replays bytes buffered while peeking.
type peekConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *peekConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

func (c *peekConn) WriteTo(w io.Writer) (int64, error) {
	return c.reader.WriteTo(w)
}
