// Package platform is the thin, policy-free boundary between the tunnel
// engine and the host OS: TCP listen/accept, outbound TCP dial, device
// open, and monotonic time. Isolating it behind an interface lets the
// tunnel and bridge packages be exercised against fakes in tests.
package platform

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/WhileEndless/httptunnel/pkg/hterr"
)

// Listener abstracts a bound TCP listening socket.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// ListenTCP binds a TCP listener on the given port across all interfaces.
func ListenTCP(port int) (Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, hterr.NewIOError("listen", err)
	}
	return ln, nil
}

// ConnectTCP dials host:port with the given timeout, for --forward-port mode.
func ConnectTCP(ctx context.Context, host string, port int, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, hterr.NewIOError("dial", err)
	}
	return conn, nil
}

// OpenDevice opens a character device (serial line, pty) for read/write, for
// --device mode. The returned value satisfies io.ReadWriteCloser so the
// bridge loop treats it identically to a forwarded TCP connection.
func OpenDevice(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, hterr.NewIOError("open device", err)
	}
	return f, nil
}

// Now returns the current monotonic timestamp. Go's time.Now() already
// carries a monotonic reading alongside the wall clock, so durations
// computed via Sub are monotonic for free; this wrapper exists so tests can
// substitute a fake clock without touching the real one.
func Now() time.Time {
	return time.Now()
}

