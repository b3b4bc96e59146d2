package raop

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/icholy/digest"
)

// headerField is one extra request header beyond the always-present
// CSeq/User-Agent/Client-Instance/DACP-ID/Active-Remote set.
type headerField struct {
	Name  string
	Value string
}

// rtspConn is a minimal RTSP/1.0 client over a single persistent TCP
// connection, following the same request/response shape as HTTP/1.0 but
// without the net/http client, whose request builder assumes HTTP methods
// and URL schemes. Requests are written and responses parsed by hand over
// bufio.
type rtspConn struct {
	conn net.Conn
}

func (c *rtspConn) do(ctx context.Context, method, uri string, body []byte, cseq int, extra ...headerField) (int, map[string]string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", method, uri)
	fmt.Fprintf(&b, "CSeq: %d\r\n", cseq)
	b.WriteString("User-Agent: meridian/1.0\r\n")
	b.WriteString("Client-Instance: 0000000000000000\r\n")
	b.WriteString("DACP-ID: 0000000000000000\r\n")
	b.WriteString("Active-Remote: 0\r\n")
	for _, h := range extra {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	if len(body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("\r\n")

	if _, err := c.conn.Write([]byte(b.String())); err != nil {
		return 0, nil, err
	}
	if len(body) > 0 {
		if _, err := c.conn.Write(body); err != nil {
			return 0, nil, err
		}
	}

	return readResponse(c.conn)
}

func readResponse(conn net.Conn) (int, map[string]string, error) {
	r := bufio.NewReader(conn)
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return 0, nil, err
	}
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 {
		return 0, nil, fmt.Errorf("raop: malformed status line %q", statusLine)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, nil, fmt.Errorf("raop: malformed status code %q", parts[1])
	}

	headers := make(map[string]string)
	contentLength := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return status, headers, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			continue
		}
		name := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		headers[name] = val
		if strings.EqualFold(name, "Content-Length") {
			contentLength, _ = strconv.Atoi(val)
		}
	}
	if contentLength > 0 {
		buf := make([]byte, contentLength)
		if _, err := ioReadFull(r, buf); err != nil {
			return status, headers, err
		}
		headers["__body"] = string(buf)
	}
	return status, headers, nil
}

func ioReadFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// authenticate answers a 401 challenge with digest auth, using a blank
// username (or "iTunes" for legacy APEX gen-2/3 units, which reject an
// empty username) as the component design requires, then re-issues the
// original OPTIONS request once. The challenge parse and response
// computation both go through github.com/icholy/digest rather than a
// hand-rolled crypto/md5 computation; its Digest/ParseChallenge pair
// works from plain strings (method, URI, challenge text), with no
// *http.Request involved, so it applies here exactly as it does to
// sipgo's digest-over-raw-socket use elsewhere in the pack.
func (c *rtspConn) authenticate(ctx context.Context, respHeaders map[string]string, s *session) error {
	challenge := respHeaders["WWW-Authenticate"]
	if challenge == "" {
		return fmt.Errorf("raop: 401 without WWW-Authenticate")
	}
	username := ""
	if dt := s.deviceType(); dt == deviceAPEXGen2 || dt == deviceAPEXGen3 {
		username = "iTunes"
	}

	chal, err := digest.ParseChallenge(challenge)
	if err != nil {
		return fmt.Errorf("raop: parsing digest challenge: %w", err)
	}
	creds, err := digest.Digest(chal, digest.Options{
		Username: username,
		Password: s.device.Password,
		Method:   "OPTIONS",
		URI:      "*",
		Count:    1,
	})
	if err != nil {
		return fmt.Errorf("raop: computing digest response: %w", err)
	}

	status, _, err := c.do(ctx, "OPTIONS", "*", nil, s.nextCSeq(), headerField{"Authorization", creds.String()})
	if err != nil {
		return err
	}
	if status != 200 {
		return fmt.Errorf("raop: digest auth rejected, status %d", status)
	}
	return nil
}

// parseSetupTransport extracts server_port/control_port/timing_port from
// a SETUP response's Transport header, whose fields are ';'-separated
// key=value (or bare-flag) pairs.
func parseSetupTransport(transport string, s *session) {
	for _, field := range strings.Split(transport, ";") {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.Atoi(kv[1])
		if err != nil {
			continue
		}
		switch kv[0] {
		case "server_port":
			s.serverPort = n
		case "control_port":
			s.controlPort = n
		case "timing_port":
			s.timingPort = n
		}
	}
}
