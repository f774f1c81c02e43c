// Package tunnel implements the server-side state machine that pairs an
// inbound HTTP request stream (client→server bytes) with a long-running
// HTTP response (server→client bytes). It owns the currently-accepted
// sockets, the two byte-buffers, and the counters that track remaining
// bytes until the next header exchange.
package tunnel

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/httptunnel/pkg/config"
	"github.com/WhileEndless/httptunnel/pkg/hterr"
	"github.com/WhileEndless/httptunnel/pkg/httpframe"
	"github.com/WhileEndless/httptunnel/pkg/platform"
	"github.com/WhileEndless/httptunnel/pkg/ringbuf"
)

// Phase names the endpoint's position in its handshake/session state machine.
type Phase int

const (
	PhaseListening Phase = iota
	PhaseHandshaking
	PhaseOpen
	PhaseHalfClosed
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseListening:
		return "LISTENING"
	case PhaseHandshaking:
		return "HANDSHAKING"
	case PhaseOpen:
		return "OPEN"
	case PhaseHalfClosed:
		return "HALF_CLOSED"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// padByte is the conventional filler octet used to keep a response window
// alive or to round a window out to its declared Content-Length: ASCII 'F',
// chosen because it never collides with any in-band framing byte.
const padByte = 'F'

// bufferCapacity bounds the staging buffers used between socket I/O and
// caller-sized reads/writes.
const bufferCapacity = 32 * 1024

// Endpoint is the tunnel's server-side state machine. The bridge loop
// drives Read from one goroutine and Write/Padding from another, so
// Endpoint synchronizes itself rather than assuming a single caller:
//
//   - inMu guards the inbound half (in_conn, in_reader, in_remaining,
//     in_buf) for Read's entire body, and outMu guards the outbound half
//     (out_conn, out_writer, out_remaining, out_buf, opened_at) for
//     Write/Padding's entire body. Read and Write never touch each
//     other's fields, so these two locks never need to be held together
//     except by Close/SetOpt, which touch both halves.
//   - Both reopenInbound and rollWindowIfNeeded call the same listener's
//     Accept to pick up the peer's next connection. Accept can block
//     indefinitely and has no deadline to interrupt, so both release
//     their half's mutex for the call itself (acceptMu alone keeps the
//     two Accepts from racing each other for the same next connection);
//     otherwise a concurrent Close would have to wait out a peer that
//     may never reconnect.
//   - phase and lastWriteTime are read far more often than they change,
//     so they get their own lightweight metaMu rather than contending
//     with inMu/outMu.
//   - sockMu mirrors the live in_conn/out_conn so Interrupt can reach
//     them without inMu/outMu, which may be held by the very Read or
//     Write call it needs to unblock.
type Endpoint struct {
	cfg config.Config
	log *logrus.Logger

	listener platform.Listener

	acceptMu sync.Mutex

	inMu        sync.Mutex
	inConn      net.Conn
	inReader    *bufio.Reader
	inRemaining int64
	inBuf       *ringbuf.Buffer

	outMu        sync.Mutex
	outConn      net.Conn
	outWriter    *bufio.Writer
	outRemaining int64
	outBuf       *ringbuf.Buffer
	openedAt     time.Time

	firstURI string

	metaMu        sync.Mutex
	phase         Phase
	lastWriteTime time.Time

	sockMu  sync.Mutex
	liveIn  net.Conn
	liveOut net.Conn
}

// New constructs an Endpoint bound to listener, governed by cfg. log may be
// nil, in which case a logger that discards output is used.
func New(cfg config.Config, listener platform.Listener, log *logrus.Logger) *Endpoint {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Endpoint{
		cfg:      cfg,
		log:      log,
		listener: listener,
		inBuf:    ringbuf.New(bufferCapacity),
		outBuf:   ringbuf.New(bufferCapacity),
		phase:    PhaseListening,
	}
}

// Phase reports the endpoint's current state. Safe to call while another
// goroutine is blocked inside Read or Write.
func (e *Endpoint) Phase() Phase {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	return e.phase
}

// LastWriteTime reports the monotonic timestamp of the most recent byte
// (including padding) written to out_conn, for the bridge's keep-alive
// scheduling. Safe to call while another goroutine is blocked inside Read
// or Write.
func (e *Endpoint) LastWriteTime() time.Time {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	return e.lastWriteTime
}

func (e *Endpoint) setPhase(p Phase) {
	e.metaMu.Lock()
	e.phase = p
	e.metaMu.Unlock()
}

func (e *Endpoint) touchLastWrite(t time.Time) {
	e.metaMu.Lock()
	e.lastWriteTime = t
	e.metaMu.Unlock()
}

// setInConn records conn as the active inbound socket, updating the mirror
// Interrupt reads without inMu/outMu. Callers hold inMu.
func (e *Endpoint) setInConn(conn net.Conn) {
	e.inConn = conn
	e.sockMu.Lock()
	e.liveIn = conn
	e.sockMu.Unlock()
}

// setOutConn records conn as the active outbound socket, updating the
// mirror Interrupt reads without inMu/outMu. Callers hold outMu.
func (e *Endpoint) setOutConn(conn net.Conn) {
	e.outConn = conn
	e.sockMu.Lock()
	e.liveOut = conn
	e.sockMu.Unlock()
}

// Interrupt forces any Read, Write, or Padding call currently blocked on a
// live in_conn/out_conn to return promptly, by expiring that socket's
// deadline. It does not acquire inMu or outMu, so it is safe to call even
// while another goroutine holds one of them inside a blocked call on that
// same socket — that is its entire purpose: letting Close unstick an
// in-flight Read or Write before it touches the same fields, instead of
// racing them.
func (e *Endpoint) Interrupt() {
	e.sockMu.Lock()
	in, out := e.liveIn, e.liveOut
	e.sockMu.Unlock()

	past := time.Now()
	if in != nil {
		in.SetReadDeadline(past)
	}
	if out != nil {
		out.SetWriteDeadline(past)
	}
}

// UnblockAccept closes the underlying listener, causing any Accept call in
// flight right now — the initial handshake, an inbound reopen, or an
// outbound window roll — to return an error promptly. It needs neither
// inMu, outMu, nor acceptMu, so it is safe to call no matter what the
// endpoint is doing; callers use it to force a graceful exit out of a
// suspension point that would otherwise wait indefinitely for a peer that
// may never reconnect (a shutdown signal, in the original single-threaded
// server, interrupts the blocking accept(2) call the same way).
func (e *Endpoint) UnblockAccept() error {
	if e.listener == nil {
		return nil
	}
	return e.listener.Close()
}

// accept serializes every call into the shared listener so that an
// inbound reopen and an outbound window roll, running on different
// goroutines, can never both be mid-Accept at once and misroute the
// peer's next connection to the wrong side.
func (e *Endpoint) accept() (net.Conn, error) {
	e.acceptMu.Lock()
	defer e.acceptMu.Unlock()
	return e.listener.Accept()
}

// acceptFramed accepts the next connection and parses its request headers,
// requiring the method match want.
func (e *Endpoint) acceptFramed(want httpframe.Method, opName, mismatchMsg string) (net.Conn, *bufio.Reader, *httpframe.Request, error) {
	conn, err := e.accept()
	if err != nil {
		return nil, nil, nil, hterr.NewIOError(opName, err)
	}
	reader := bufio.NewReader(conn)
	req, err := httpframe.ParseRequest(reader)
	if err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	if req.Method != want {
		conn.Close()
		return nil, nil, nil, hterr.NewProtocolError(mismatchMsg, nil)
	}
	return conn, reader, req, nil
}

// Accept blocks on the listener, completes the POST/GET handshake, and
// transitions LISTENING → HANDSHAKING → OPEN. It tolerates both orderings
// of the POST and GET halves. It runs before any session goroutines exist,
// so holding both inMu and outMu for its whole body is uncontended.
func (e *Endpoint) Accept(ctx context.Context) error {
	e.inMu.Lock()
	defer e.inMu.Unlock()
	e.outMu.Lock()
	defer e.outMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	e.setPhase(PhaseHandshaking)

	first, err := e.accept()
	if err != nil {
		e.setPhase(PhaseListening)
		return hterr.NewIOError("accept", err)
	}

	firstReader := bufio.NewReader(first)
	firstReq, err := httpframe.ParseRequest(firstReader)
	if err != nil {
		first.Close()
		e.setPhase(PhaseListening)
		return err
	}

	switch firstReq.Method {
	case httpframe.MethodPOST:
		e.setInConn(first)
		e.inReader = firstReader
		e.inRemaining = firstReq.ContentLength
		if e.inRemaining < 0 {
			e.inRemaining = 0
		}
		e.firstURI = firstReq.URI

		second, _, secondReq, err := e.acceptFramed(httpframe.MethodGET, "accept second socket", "handshake second socket had unexpected method")
		if err != nil {
			first.Close()
			e.setPhase(PhaseListening)
			return err
		}
		e.checkCorrelation(firstReq.URI, secondReq.URI)
		e.setOutConn(second)
		e.outWriter = bufio.NewWriter(second)

	case httpframe.MethodGET:
		e.setOutConn(first)
		e.outWriter = bufio.NewWriter(first)
		e.firstURI = firstReq.URI

		second, secondReader, secondReq, err := e.acceptFramed(httpframe.MethodPOST, "accept second socket", "handshake second socket had unexpected method")
		if err != nil {
			first.Close()
			e.setPhase(PhaseListening)
			return err
		}
		e.checkCorrelation(firstReq.URI, secondReq.URI)
		e.setInConn(second)
		e.inReader = secondReader
		e.inRemaining = secondReq.ContentLength
		if e.inRemaining < 0 {
			e.inRemaining = 0
		}

	default:
		first.Close()
		e.setPhase(PhaseListening)
		return hterr.NewProtocolError("unexpected first handshake method", nil)
	}

	now := platform.Now()
	e.outRemaining = e.cfg.ContentLength
	if err := httpframe.WriteResponseHeaders(e.outWriter, e.outRemaining, true); err != nil {
		e.dropSockets()
		e.setPhase(PhaseListening)
		return err
	}
	e.openedAt = now
	e.touchLastWrite(now)
	e.setPhase(PhaseOpen)

	e.log.WithFields(logrus.Fields{"phase": "accept", "remote": e.inConn.RemoteAddr()}).Debug("tunnel handshake complete")
	return nil
}

// checkCorrelation logs (at debug level) a mismatch between the handshake's
// two URIs. This is a diagnostic only: the server pairs sockets strictly by
// accept order and never rejects a connection on URI grounds alone.
func (e *Endpoint) checkCorrelation(a, b string) {
	if a == "" || b == "" {
		return
	}
	pa, pb := commonPrefixLen(a, b)
	if pa < 1 || pb < 1 {
		e.log.WithFields(logrus.Fields{"uri_a": a, "uri_b": b}).Debug("handshake URIs share no common correlation prefix")
	}
}

func commonPrefixLen(a, b string) (int, int) {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n, n
}

// Read drains up to len(dst) bytes from in_buf, pulling from in_conn when
// empty. When the current inbound body is exhausted, Read blocks through
// the inbound re-handshake (it does not return while the peer's next POST
// is pending) and then returns 0 bytes without error: the bridge loop
// treats that as transient, not EOF.
func (e *Endpoint) Read(ctx context.Context, dst []byte) (int, error) {
	e.inMu.Lock()
	defer e.inMu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if e.inBuf.Available() == 0 {
		if err := e.fillInBuf(ctx); err != nil {
			return 0, err
		}
	}
	n := e.inBuf.Consume(dst)
	return n, nil
}

// fillInBuf is called with inMu held.
func (e *Endpoint) fillInBuf(ctx context.Context) error {
	if e.inRemaining == 0 {
		return e.reopenInbound(ctx)
	}

	want := e.inBuf.SpaceLeft()
	if int64(want) > e.inRemaining {
		want = int(e.inRemaining)
	}
	if want == 0 {
		return nil
	}

	tmp := make([]byte, want)
	n, err := e.inReader.Read(tmp)
	if n > 0 {
		e.inBuf.Append(tmp[:n])
		e.inRemaining -= int64(n)
	}
	if err != nil {
		if err == io.EOF {
			if e.inRemaining > 0 {
				return hterr.NewPeerClosedError("read in_conn (early EOF)")
			}
			return nil
		}
		return hterr.NewIOError("read in_conn", err)
	}
	return nil
}

// reopenInbound closes the exhausted in_conn, accepts a replacement POST
// request from the peer (the same mini-handshake as the initial accept,
// minus the GET half), and resumes. Called with inMu held; releases it for
// the Accept call itself, since Accept can block indefinitely and has no
// deadline Interrupt could expire, then reacquires it before touching any
// field.
func (e *Endpoint) reopenInbound(ctx context.Context) error {
	prev := e.inConn
	e.inMu.Unlock()
	if prev != nil {
		prev.Close()
	}

	conn, reader, req, err := e.acceptFramed(httpframe.MethodPOST, "reaccept in_conn", "expected POST on inbound reopen")

	e.inMu.Lock()
	if err != nil {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		conn.Close()
		return ctxErr
	}

	e.setInConn(conn)
	e.inReader = reader
	e.inRemaining = req.ContentLength
	if e.inRemaining < 0 {
		e.inRemaining = 0
	}
	e.log.WithField("phase", "reopen_inbound").Debug("inbound window reopened")
	return nil
}

// Write stages up to len(src) bytes through out_buf and drains them to
// out_conn, rolling the response window over (pad+close+reopen) as needed
// so that the full src is eventually delivered across one or more windows.
// It returns the total number of bytes accepted from src.
func (e *Endpoint) Write(ctx context.Context, src []byte) (int, error) {
	e.outMu.Lock()
	defer e.outMu.Unlock()

	total := 0
	for total < len(src) {
		staged := e.outBuf.Append(src[total:])
		total += staged
		if err := e.drainOutBuf(ctx); err != nil {
			return total, err
		}
	}
	return total, nil
}

// Padding stages n filler octets through out_buf without consuming user
// payload, advancing out_remaining and last_write_time. Used by the
// bridge's keep-alive scheduler. If out_remaining < n, the window rolls
// (pad+close+reopen) mid-drain and the remainder lands in the next window.
func (e *Endpoint) Padding(ctx context.Context, n int) error {
	e.outMu.Lock()
	defer e.outMu.Unlock()

	filler := make([]byte, n)
	for i := range filler {
		filler[i] = padByte
	}

	written := 0
	for written < len(filler) {
		staged := e.outBuf.Append(filler[written:])
		written += staged
		if err := e.drainOutBuf(ctx); err != nil {
			return err
		}
	}
	return nil
}

// drainOutBuf writes every byte currently staged in out_buf to out_conn,
// rolling the response window whenever out_remaining is exhausted (or
// max_connection_age has elapsed) partway through the drain. Called with
// outMu held.
func (e *Endpoint) drainOutBuf(ctx context.Context) error {
	for e.outBuf.Available() > 0 {
		if err := e.rollWindowIfNeeded(ctx); err != nil {
			return err
		}

		chunk := e.outBuf.Available()
		if int64(chunk) > e.outRemaining {
			chunk = int(e.outRemaining)
		}
		if chunk == 0 {
			continue
		}

		tmp := make([]byte, chunk)
		e.outBuf.Peek(tmp)

		n, err := e.outWriter.Write(tmp)
		if n > 0 {
			if ferr := e.outWriter.Flush(); ferr != nil && err == nil {
				err = ferr
			}
			consumed := make([]byte, n)
			e.outBuf.Consume(consumed)
			e.outRemaining -= int64(n)
			e.touchLastWrite(platform.Now())
		}
		if err != nil {
			return hterr.NewIOError("write out_conn", err)
		}
	}
	return nil
}

// rollWindowIfNeeded closes and reopens the outbound response when the
// current window is exhausted or has exceeded max_connection_age, padding
// first iff strict_content_length. Called with outMu held; releases it for
// the Accept call itself (see reopenInbound's comment for why), so this
// can never deadlock a concurrent Close, and acceptMu alone is what keeps
// this from racing reopenInbound's own Accept for the peer's next
// connection.
func (e *Endpoint) rollWindowIfNeeded(ctx context.Context) error {
	aged := e.cfg.MaxConnectionAge > 0 && platform.Now().Sub(e.openedAt) >= e.cfg.MaxConnectionAge
	if e.outRemaining > 0 && !aged {
		return nil
	}

	if e.cfg.StrictContentLength && e.outRemaining > 0 {
		if err := e.padRemainderLocked(); err != nil {
			return err
		}
	}

	prev := e.outConn
	e.outMu.Unlock()
	if prev != nil {
		prev.Close()
	}

	conn, _, req, err := e.acceptFramed(httpframe.MethodGET, "reaccept out_conn", "expected GET on outbound reopen")

	e.outMu.Lock()
	if err != nil {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		conn.Close()
		return ctxErr
	}
	_ = req

	e.setOutConn(conn)
	e.outWriter = bufio.NewWriter(conn)
	e.outRemaining = e.cfg.ContentLength
	now := platform.Now()
	e.openedAt = now
	if err := httpframe.WriteResponseHeaders(e.outWriter, e.outRemaining, true); err != nil {
		return err
	}
	e.touchLastWrite(now)
	e.log.WithField("phase", "reopen_outbound").Debug("outbound window reopened")
	return nil
}

// padRemainderLocked fills the remainder of the current outbound window
// with filler octets without rolling the window itself. Called with outMu
// held.
func (e *Endpoint) padRemainderLocked() error {
	n := int(e.outRemaining)
	filler := make([]byte, n)
	for i := range filler {
		filler[i] = padByte
	}
	nw, err := e.outWriter.Write(filler)
	if nw > 0 {
		e.outRemaining -= int64(nw)
		e.touchLastWrite(platform.Now())
	}
	if err != nil {
		return hterr.NewIOError("pad remainder", err)
	}
	return e.outWriter.Flush()
}

// SetOpt mutates a whitelisted runtime option. Unknown option kinds are a
// compile-time impossibility (config.Option is a closed tagged variant).
func (e *Endpoint) SetOpt(opt config.Option) error {
	e.inMu.Lock()
	defer e.inMu.Unlock()
	e.outMu.Lock()
	defer e.outMu.Unlock()

	_, err := opt.Apply(&e.cfg)
	return err
}

// Close closes in_conn and out_conn (padding first iff strict) and returns
// to LISTENING. It calls Interrupt before taking inMu/outMu so that a Read
// or Write blocked on a live socket returns promptly instead of Close
// racing dropSockets's field writes against it; a Read or Write currently
// blocked inside Accept (inMu/outMu released for that call) does not make
// Close wait at all.
func (e *Endpoint) Close() error {
	e.Interrupt()

	e.inMu.Lock()
	defer e.inMu.Unlock()
	e.outMu.Lock()
	defer e.outMu.Unlock()

	var err error
	if e.cfg.StrictContentLength && e.outRemaining > 0 && e.outConn != nil {
		// Interrupt expired out_conn's write deadline above; lift it so
		// the padding can land before the socket is dropped.
		e.outConn.SetWriteDeadline(time.Time{})
		err = e.padRemainderLocked()
	}
	e.dropSockets()
	e.inBuf.Reset()
	e.outBuf.Reset()
	e.setPhase(PhaseListening)
	return err
}

// dropSockets is called with inMu and outMu held.
func (e *Endpoint) dropSockets() {
	if e.inConn != nil {
		e.inConn.Close()
	}
	if e.outConn != nil {
		e.outConn.Close()
	}
	e.setInConn(nil)
	e.setOutConn(nil)
	e.inReader = nil
	e.outWriter = nil
}

// Destroy tears down the endpoint permanently, closing its listener.
func (e *Endpoint) Destroy() error {
	e.Interrupt()
	e.UnblockAccept()

	e.inMu.Lock()
	defer e.inMu.Unlock()
	e.outMu.Lock()
	defer e.outMu.Unlock()

	e.dropSockets()
	e.setPhase(PhaseClosed)
	return nil
}
