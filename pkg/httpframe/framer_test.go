package httpframe_test

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WhileEndless/httptunnel/pkg/hterr"
	"github.com/WhileEndless/httptunnel/pkg/httpframe"
)

func TestParseRequestPOST(t *testing.T) {
	raw := "POST /abc123 HTTP/1.1\r\nContent-Length: 5\r\nConnection: keep-alive\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	req, err := httpframe.ParseRequest(r)
	require.NoError(t, err)
	assert.Equal(t, httpframe.MethodPOST, req.Method)
	assert.Equal(t, "/abc123", req.URI)
	assert.EqualValues(t, 5, req.ContentLength)
	assert.False(t, req.ConnectionClose)
}

func TestParseRequestGET(t *testing.T) {
	raw := "GET /abc123 HTTP/1.1\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	req, err := httpframe.ParseRequest(r)
	require.NoError(t, err)
	assert.Equal(t, httpframe.MethodGET, req.Method)
	assert.EqualValues(t, -1, req.ContentLength)
}

func TestParseRequestConnectionClose(t *testing.T) {
	raw := "POST /x HTTP/1.1\r\nContent-Length: 0\r\nConnection: Close\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	req, err := httpframe.ParseRequest(r)
	require.NoError(t, err)
	assert.True(t, req.ConnectionClose)
}

func TestParseRequestRejectsUnsupportedMethod(t *testing.T) {
	raw := "PUT /x HTTP/1.1\r\nContent-Length: 0\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	_, err := httpframe.ParseRequest(r)
	require.Error(t, err)
	assert.True(t, hterr.Is(err, hterr.KindProtocol))
}

func TestParseRequestRejectsChunkedEncoding(t *testing.T) {
	raw := "POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	_, err := httpframe.ParseRequest(r)
	require.Error(t, err)
	assert.True(t, hterr.Is(err, hterr.KindProtocol))
}

func TestWriteResponseHeaders(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	err := httpframe.WriteResponseHeaders(w, 65536, false)
	require.NoError(t, err)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, out, "Content-Length: 65536\r\n")
	assert.Contains(t, out, "Content-Type: application/octet-stream\r\n")
	assert.NotContains(t, out, "Connection: close")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"))
}

func TestWriteResponseHeadersConnectionClose(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	err := httpframe.WriteResponseHeaders(w, 10, true)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Connection: close\r\n")
}
