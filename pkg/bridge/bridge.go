// Package bridge implements the top-level event loop that owns one tunnel
// endpoint and one downstream connection, multiplexes readability on both
// with a keep-alive timeout, and copies bytes in each direction until
// either side closes.
//
// The original C implementation multiplexes with a single poll(2) call
// over the downstream fd and the tunnel's readable fd. Go's idiomatic
// substitute for that is a pair of reader goroutines feeding channels that
// a single select loop consumes. That leaves one real hazard a single
// poll(2) loop never had: the tunnel-read goroutine and the select loop's
// own calls into the same *tunnel.Endpoint now run concurrently. Endpoint
// resolves that itself by synchronizing its own entry points and exposing
// Interrupt/UnblockAccept so a session can always be torn down without
// racing a pump still mid-Read on the sockets being closed.
package bridge

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/httptunnel/pkg/config"
	"github.com/WhileEndless/httptunnel/pkg/hterr"
	"github.com/WhileEndless/httptunnel/pkg/tunnel"
)

// downstreamBufSize bounds a single read from the downstream fd per
// iteration.
const downstreamBufSize = 32 * 1024

// DownstreamFactory opens the next session's downstream connection: a
// forwarded TCP dial, or the (already-open, reused) device file.
type DownstreamFactory func(ctx context.Context) (io.ReadWriteCloser, error)

// Loop is the bridge: it owns a tunnel endpoint and repeatedly accepts
// peers, relaying bytes to and from a downstream connection obtained from
// a DownstreamFactory for each session.
type Loop struct {
	cfg config.Config
	log *logrus.Logger
}

// New constructs a Loop governed by cfg. log may be nil, in which case a
// logger that discards output is used.
func New(cfg config.Config, log *logrus.Logger) *Loop {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Loop{cfg: cfg, log: log}
}

// Run accepts peers from ep forever (until ctx is canceled), bridging each
// session's bytes to a downstream obtained from downstream. A session-level
// error (handshake failure, protocol error, downstream EOF) ends that
// session only; the listener persists for the next peer.
func (l *Loop) Run(ctx context.Context, ep *tunnel.Endpoint, downstream DownstreamFactory) error {
	// A peer's next reconnect is awaited with no deadline (the initial
	// handshake, an inbound reopen, or an outbound window roll can all
	// block here). ctx cancellation alone wouldn't reach in and break
	// that wait, so shutdown is wired to close the listener directly,
	// the same way a shutdown signal interrupts a blocking accept(2) in
	// the original single-threaded server.
	go func() {
		<-ctx.Done()
		ep.UnblockAccept()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := ep.Accept(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.WithError(err).Warn("handshake failed, awaiting next peer")
			continue
		}

		conn, err := downstream(ctx)
		if err != nil {
			l.log.WithError(err).Error("opening downstream failed")
			ep.Close()
			if l.cfg.DevicePath != "" && hterr.Is(err, hterr.KindIO) {
				// A device that cannot be reopened is fatal; a dial
				// failure for --forward-port is session-scoped.
				return err
			}
			continue
		}

		l.serve(ctx, ep, conn)

		// ep.Close interrupts any in-flight Read/Write on a live socket
		// before it touches the same fields, so it never races the pump
		// goroutines serve just left running down in the background.
		conn.Close()
		ep.Close()
	}
}

type readResult struct {
	n   int
	buf []byte
	err error
}

// serve relays bytes between ep and downstream until one side closes or an
// unrecoverable error occurs.
func (l *Loop) serve(ctx context.Context, ep *tunnel.Endpoint, downstream io.ReadWriteCloser) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dsCh := make(chan readResult)
	tsCh := make(chan readResult)

	go pump(sessionCtx, downstream.Read, dsCh)
	go pump(sessionCtx, func(buf []byte) (int, error) { return ep.Read(sessionCtx, buf) }, tsCh)

	// Don't wait for the pumps here: one may be blocked inside ep.Read
	// awaiting the peer's reconnect, which sessionCtx cancellation alone
	// can't interrupt. ep.Close (called by Run right after serve returns)
	// calls ep.Interrupt itself before touching any field, which is what
	// actually unsticks a pump blocked on a live socket; a pump blocked
	// inside Accept instead just keeps running harmlessly in the
	// background until the peer reconnects or the listener is closed.

	timer := time.NewTimer(l.nextKeepAliveTimeout(ep))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			if err := ep.Padding(sessionCtx, 1); err != nil {
				l.log.WithError(err).Debug("padding write failed, ending session")
				return
			}

		case r := <-dsCh:
			if r.err != nil {
				if r.err != io.EOF {
					l.log.WithError(r.err).Debug("downstream read error, ending session")
				}
				return
			}
			if r.n > 0 {
				if _, err := ep.Write(sessionCtx, r.buf[:r.n]); err != nil {
					l.log.WithError(err).Debug("tunnel write failed, ending session")
					return
				}
			}

		case r := <-tsCh:
			if r.err != nil {
				if !hterr.IsPeerClosed(r.err) {
					l.log.WithError(r.err).Debug("tunnel read error, ending session")
				}
				return
			}
			if r.n == 0 {
				// Transient: an inbound re-handshake has just completed.
				break
			}
			if _, err := writeAll(downstream, r.buf[:r.n]); err != nil {
				l.log.WithError(err).Debug("downstream write failed, ending session")
				return
			}
		}

		resetTimer(timer, l.nextKeepAliveTimeout(ep))
	}
}

// nextKeepAliveTimeout computes how long the bridge may wait before it must
// emit a padding byte to keep the connection alive through a proxy.
func (l *Loop) nextKeepAliveTimeout(ep *tunnel.Endpoint) time.Duration {
	idle := time.Since(ep.LastWriteTime())
	remaining := l.cfg.KeepAlive - idle
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// pump repeatedly calls read and publishes each result on ch, stopping
// when ctx is canceled or read returns an error. It is the Go substitute
// for a blocking-fd readiness wait: a dedicated goroutine turns a blocking
// Read into a channel the select loop can multiplex over.
func pump(ctx context.Context, read func([]byte) (int, error), ch chan<- readResult) {
	for {
		buf := make([]byte, downstreamBufSize)
		n, err := read(buf)
		select {
		case ch <- readResult{n: n, buf: buf, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// resetTimer safely reparks t to fire after d, draining any pending tick
// so the next receive on t.C reflects the new deadline.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// writeAll writes all of p to w, looping over partial writes.
func writeAll(w io.Writer, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := w.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
