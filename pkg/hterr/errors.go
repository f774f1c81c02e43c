// Package hterr provides structured error types for the httptunnel server.
package hterr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind represents the category of error that occurred, per the server's
// error handling design: ConfigError, IoError, ProtocolError, PeerClosed,
// and Timeout each carry a distinct disposition (see pkg/bridge and
// pkg/tunnel for how each is handled).
type Kind string

const (
	// KindConfig covers bad CLI combinations and unknown setopt names.
	// Fatal at startup.
	KindConfig Kind = "config"
	// KindIO covers OS-level socket/device failures. Non-fatal on the
	// peer socket (close+relisten); fatal on the downstream device.
	KindIO Kind = "io"
	// KindProtocol covers malformed headers, unsupported methods,
	// chunked transfer-encoding, and missing Content-Length.
	KindProtocol Kind = "protocol"
	// KindPeerClosed covers a clean EOF from the peer.
	KindPeerClosed Kind = "peer_closed"
	// KindTimeout covers keep-alive idle expiry. Not an error condition;
	// triggers padding rather than teardown.
	KindTimeout Kind = "timeout"
)

// Error is a structured error with context information, classified by Kind
// so callers can decide disposition (fatal / drop-and-relisten / log) without
// string matching.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Cause     error
	Timestamp time.Time
}

func (e *Error) Error() string {
	s := fmt.Sprintf("[%s]", e.Kind)
	if e.Op != "" {
		s += " " + e.Op
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind, allowing errors.Is(err, &Error{Kind: KindProtocol}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause, Timestamp: time.Now()}
}

// NewConfigError reports bad CLI combinations or unknown setopt names.
func NewConfigError(message string) *Error {
	return newErr(KindConfig, "config", message, nil)
}

// NewIOError reports an OS-level socket or device failure.
func NewIOError(op string, cause error) *Error {
	return newErr(KindIO, op, fmt.Sprintf("I/O error during %s", op), cause)
}

// NewProtocolError reports malformed headers, an unsupported method, or
// chunked transfer-encoding.
func NewProtocolError(message string, cause error) *Error {
	return newErr(KindProtocol, "parse", message, cause)
}

// NewPeerClosedError reports a clean EOF from the peer.
func NewPeerClosedError(op string) *Error {
	return newErr(KindPeerClosed, op, "peer closed connection", nil)
}

// NewTimeoutError reports a keep-alive idle expiry.
func NewTimeoutError(op string, after time.Duration) *Error {
	return newErr(KindTimeout, op, fmt.Sprintf("idle for %v", after), nil)
}

// Is reports whether err is a structured *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsTimeout reports whether err represents a timeout, either our own
// KindTimeout or a net.Error whose Timeout() method returns true.
func IsTimeout(err error) bool {
	if Is(err, KindTimeout) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsPeerClosed reports whether err represents a clean peer EOF.
func IsPeerClosed(err error) bool {
	return Is(err, KindPeerClosed)
}
