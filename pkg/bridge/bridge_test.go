package bridge_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WhileEndless/httptunnel/pkg/bridge"
	"github.com/WhileEndless/httptunnel/pkg/config"
	"github.com/WhileEndless/httptunnel/pkg/tunnel"
)

type fakeListener struct {
	mu     sync.Mutex
	conns  chan net.Conn
	closed bool
}

func newFakeListener() *fakeListener {
	return &fakeListener{conns: make(chan net.Conn, 8)}
}

func (f *fakeListener) push(c net.Conn) { f.conns <- c }

func (f *fakeListener) Accept() (net.Conn, error) {
	c, ok := <-f.conns
	if !ok {
		return nil, errors.New("fakeListener: closed")
	}
	return c, nil
}

func (f *fakeListener) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.conns)
	}
	return nil
}

func (f *fakeListener) Addr() net.Addr { return fakeAddr{} }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake:0" }

func dialPair(ln *fakeListener) net.Conn {
	client, server := net.Pipe()
	ln.push(server)
	return client
}

func writeRequest(t *testing.T, conn net.Conn, method, uri string, body string) {
	t.Helper()
	req := fmt.Sprintf("%s %s HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s", method, uri, len(body), body)
	_, err := conn.Write([]byte(req))
	require.NoError(t, err)
}

func readResponseHeaders(t *testing.T, conn net.Conn) (*bufio.Reader, map[string]string) {
	t.Helper()
	r := bufio.NewReader(conn)
	statusLine, err := r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(statusLine, "HTTP/1.1 200"))

	headers := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
		parts := strings.SplitN(strings.TrimRight(line, "\r\n"), ":", 2)
		headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return r, headers
}

// fakeDownstream is an in-memory io.ReadWriteCloser backed by a net.Pipe,
// standing in for a forwarded TCP connection or device file.
type fakeDownstream struct {
	net.Conn
}

func (fakeDownstream) Close() error { return nil }

func baseConfig() config.Config {
	c := config.Default()
	c.ContentLength = 64
	c.KeepAlive = 50 * time.Millisecond
	c.MaxConnectionAge = time.Hour
	return c
}

// TestRunEchoesDownstreamBytesToPeer drives one full session through Run:
// the peer completes the handshake, the downstream factory hands back one
// end of a pipe, and bytes written on the other end of that pipe arrive at
// the peer's GET response stream.
func TestRunEchoesDownstreamBytesToPeer(t *testing.T) {
	ln := newFakeListener()
	ep := tunnel.New(baseConfig(), ln, nil)
	loop := bridge.New(baseConfig(), nil)

	postClient := dialPair(ln)
	getClient := dialPair(ln)

	downstreamTest, downstreamLoop := net.Pipe()

	factory := func(ctx context.Context) (io.ReadWriteCloser, error) {
		return fakeDownstream{downstreamLoop}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx, ep, factory) }()

	go writeRequest(t, postClient, "POST", "/x", "")
	go writeRequest(t, getClient, "GET", "/x", "")
	respReader, _ := readResponseHeaders(t, getClient)

	_, err := downstreamTest.Write([]byte("hello"))
	require.NoError(t, err)

	got := make([]byte, 5)
	_, err = io.ReadFull(respReader, got)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	cancel()
	select {
	case <-runErr:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// TestRunForwardsPeerBytesToDownstream exercises the opposite direction:
// bytes the peer POSTs arrive on the downstream connection.
func TestRunForwardsPeerBytesToDownstream(t *testing.T) {
	ln := newFakeListener()
	ep := tunnel.New(baseConfig(), ln, nil)
	loop := bridge.New(baseConfig(), nil)

	postClient := dialPair(ln)
	getClient := dialPair(ln)

	downstreamTest, downstreamLoop := net.Pipe()
	factory := func(ctx context.Context) (io.ReadWriteCloser, error) {
		return fakeDownstream{downstreamLoop}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx, ep, factory) }()

	go writeRequest(t, postClient, "POST", "/x", "world")
	go writeRequest(t, getClient, "GET", "/x", "")
	_, _ = readResponseHeaders(t, getClient)

	got := make([]byte, 5)
	_, err := io.ReadFull(downstreamTest, got)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))

	cancel()
	select {
	case <-runErr:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// TestRunSendsKeepAlivePadding verifies that with no application traffic,
// the bridge emits a single padding byte once the configured keep-alive
// interval elapses.
func TestRunSendsKeepAlivePadding(t *testing.T) {
	cfg := baseConfig()
	cfg.KeepAlive = 20 * time.Millisecond

	ln := newFakeListener()
	ep := tunnel.New(cfg, ln, nil)
	loop := bridge.New(cfg, nil)

	postClient := dialPair(ln)
	getClient := dialPair(ln)

	downstreamTest, downstreamLoop := net.Pipe()
	factory := func(ctx context.Context) (io.ReadWriteCloser, error) {
		return fakeDownstream{downstreamLoop}, nil
	}
	_ = downstreamTest

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx, ep, factory)

	go writeRequest(t, postClient, "POST", "/x", "")
	go writeRequest(t, getClient, "GET", "/x", "")
	respReader, _ := readResponseHeaders(t, getClient)

	padByte := make([]byte, 1)
	getClient.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, err := io.ReadFull(respReader, padByte)
	require.NoError(t, err)
	assert.Equal(t, byte('F'), padByte[0])
}
