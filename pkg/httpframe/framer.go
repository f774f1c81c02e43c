// Package httpframe implements the minimal HTTP/1.1 subset the tunnel
// protocol requires: parsing inbound POST/GET request headers and emitting
// outbound response headers. Only POST and GET and a small set of headers
// are recognized; everything else is either ignored or rejected as a
// ProtocolError.
package httpframe

import (
	"bufio"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/text/cases"

	"github.com/WhileEndless/httptunnel/pkg/hterr"
)

// maxHeaderBytes bounds the inbound header section to defend against a
// peer that never sends the terminating blank line.
const maxHeaderBytes = 64 * 1024

var foldToken = cases.Fold()

// Method identifies the inbound request's HTTP method: POST carries
// client→server tunnel payload, GET opens a new outbound (server→client)
// channel.
type Method string

const (
	MethodPOST    Method = "POST"
	MethodGET     Method = "GET"
	MethodUnknown Method = ""
)

// Request is the small typed record the framer parses inbound headers into.
type Request struct {
	Method Method
	URI    string
	Version string

	// ContentLength is the parsed Content-Length header value, or -1 if
	// absent.
	ContentLength int64

	// ConnectionClose reports whether the peer sent Connection: close.
	ConnectionClose bool
}

// isTokenClose reports whether v, case-folded, equals "close".
func isTokenClose(v string) bool {
	return foldToken.String(strings.TrimSpace(v)) == "close"
}

// isTokenChunked reports whether v, case-folded, equals "chunked".
func isTokenChunked(v string) bool {
	return foldToken.String(strings.TrimSpace(v)) == "chunked"
}

// ParseRequest reads a request line and headers (terminated by CRLF CRLF)
// from r and returns the parsed Request. It does not read the body; callers
// use Request.ContentLength to know how many body bytes follow on r.
//
// Recognized methods are POST and GET; anything else is a ProtocolError.
// Transfer-Encoding: chunked is rejected (ProtocolError) since the tunnel
// relies exclusively on length framing, and so is a POST without a
// Content-Length header.
func ParseRequest(r *bufio.Reader) (*Request, error) {
	requestLine, err := readLine(r)
	if err != nil {
		return nil, hterr.NewProtocolError("reading request line", err)
	}

	method, uri, version, err := parseRequestLine(requestLine)
	if err != nil {
		return nil, err
	}

	req := &Request{Method: method, URI: uri, Version: version, ContentLength: -1}

	total := len(requestLine)
	for {
		line, err := readRawLine(r)
		if err != nil {
			return nil, hterr.NewProtocolError("reading headers", err)
		}
		total += len(line)
		if total > maxHeaderBytes {
			return nil, hterr.NewProtocolError("headers exceed maximum size", nil)
		}
		if line == "\r\n" || line == "\n" {
			break
		}

		name, value, err := splitHeaderLine(line)
		if err != nil {
			return nil, err
		}

		switch textproto.CanonicalMIMEHeaderKey(name) {
		case "Content-Length":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return nil, hterr.NewProtocolError("invalid Content-Length header", err)
			}
			req.ContentLength = n
		case "Connection":
			if isTokenClose(value) {
				req.ConnectionClose = true
			}
		case "Transfer-Encoding":
			if isTokenChunked(value) {
				return nil, hterr.NewProtocolError("Transfer-Encoding: chunked is not supported", nil)
			}
		}
	}

	if req.Method == MethodPOST && req.ContentLength < 0 {
		return nil, hterr.NewProtocolError("POST request has no Content-Length header", nil)
	}
	return req, nil
}

func splitHeaderLine(line string) (name, value string, err error) {
	trimmed := strings.TrimRight(line, "\r\n")
	idx := strings.IndexByte(trimmed, ':')
	if idx < 0 {
		return "", "", hterr.NewProtocolError("malformed header line: "+trimmed, nil)
	}
	name = strings.TrimSpace(trimmed[:idx])
	value = strings.TrimSpace(trimmed[idx+1:])
	if !httpguts.ValidHeaderFieldName(name) {
		return "", "", hterr.NewProtocolError("invalid header field name: "+name, nil)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return "", "", hterr.NewProtocolError("invalid header field value for "+name, nil)
	}
	return name, value, nil
}

func parseRequestLine(line string) (Method, string, string, error) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return MethodUnknown, "", "", hterr.NewProtocolError("malformed request line: "+line, nil)
	}

	method := parts[0]
	uri := parts[1]
	version := parts[2]

	if !strings.HasPrefix(version, "HTTP/1.") {
		return MethodUnknown, "", "", hterr.NewProtocolError("unsupported HTTP version: "+version, nil)
	}

	switch method {
	case "POST":
		return MethodPOST, uri, version, nil
	case "GET":
		return MethodGET, uri, version, nil
	default:
		return MethodUnknown, "", "", hterr.NewProtocolError("unsupported method: "+method, nil)
	}
}

// readLine reads a single line (request line) and returns it without its
// trailing CRLF/LF.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readRawLine reads a single header line including its trailing CRLF/LF, so
// callers can detect the blank terminator line exactly.
func readRawLine(r *bufio.Reader) (string, error) {
	return r.ReadString('\n')
}

// WriteResponseHeaders emits the server's HTTP/1.1 response header block:
// status line, Content-Length, Content-Type, an optional Connection:
// close, and the terminating blank line. It does not write the body.
// connectionClose should be true whenever this response's out_conn will be
// closed and replaced by a fresh connection once its window is exhausted —
// which, in this server, is every window — so the peer knows not to pipeline
// a second request onto the same socket.
func WriteResponseHeaders(w *bufio.Writer, contentLength int64, connectionClose bool) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 200 OK\r\n"); err != nil {
		return hterr.NewIOError("write status line", err)
	}
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n", contentLength); err != nil {
		return hterr.NewIOError("write content-length header", err)
	}
	if _, err := fmt.Fprintf(w, "Content-Type: application/octet-stream\r\n"); err != nil {
		return hterr.NewIOError("write content-type header", err)
	}
	if connectionClose {
		if _, err := fmt.Fprintf(w, "Connection: close\r\n"); err != nil {
			return hterr.NewIOError("write connection header", err)
		}
	}
	if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
		return hterr.NewIOError("write header terminator", err)
	}
	return w.Flush()
}
