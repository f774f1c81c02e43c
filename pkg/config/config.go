// Package config holds the tunnel server's immutable startup configuration
// and the closed set of runtime-mutable options the tunnel endpoint accepts
// via setopt.
package config

import (
	"time"

	units "github.com/docker/go-units"

	"github.com/WhileEndless/httptunnel/pkg/hterr"
)

// Default values, mirrored from the original hts.c DEFAULT_* constants.
const (
	DefaultListenPort        = 8888
	DefaultContentLength     = 64 * 1024 // 64 KiB
	DefaultKeepAlive         = 5 * time.Second
	DefaultMaxConnectionAge  = 1<<63 - 1 // effectively unbounded unless set
	MinContentLength         = 1
)

// Config is the server's immutable startup configuration. Exactly one of
// DevicePath or (ForwardHost, ForwardPort) must be set.
type Config struct {
	ListenPort    int
	ContentLength int64

	StrictContentLength bool
	KeepAlive           time.Duration
	MaxConnectionAge    time.Duration

	DevicePath string

	ForwardHost string
	ForwardPort int

	PIDFile string

	DebugLevel int
	LogFile    string
}

// Default returns a Config populated with the original tool's defaults.
func Default() Config {
	return Config{
		ListenPort:       DefaultListenPort,
		ContentLength:    DefaultContentLength,
		KeepAlive:        DefaultKeepAlive,
		MaxConnectionAge: time.Duration(DefaultMaxConnectionAge),
	}
}

// Validate enforces the invariants a complete configuration must satisfy:
// exactly one downstream mode selected, a positive content length, and a
// listen port in range. Violations are ConfigErrors and are fatal at
// startup.
func (c Config) Validate() error {
	hasDevice := c.DevicePath != ""
	hasForward := c.ForwardHost != "" || c.ForwardPort != 0

	switch {
	case hasDevice && hasForward:
		return hterr.NewConfigError("exactly one of --device or --forward-port must be set, not both")
	case !hasDevice && !hasForward:
		return hterr.NewConfigError("exactly one of --device or --forward-port must be set")
	case hasForward && (c.ForwardHost == "" || c.ForwardPort <= 0 || c.ForwardPort > 65535):
		return hterr.NewConfigError("--forward-port requires a HOST:PORT with a valid port")
	}

	if c.ContentLength < MinContentLength {
		return hterr.NewConfigError("--content-length must be positive")
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return hterr.NewConfigError("listen port out of range")
	}
	return nil
}

// ParseContentLength parses a byte quantity with optional k/M/G suffixes,
// e.g. "64k", "1M", "2G", or a bare decimal byte count.
func ParseContentLength(s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, hterr.NewConfigError("invalid --content-length value " + s + ": " + err.Error())
	}
	if n < MinContentLength {
		return 0, hterr.NewConfigError("--content-length must be positive")
	}
	return n, nil
}

// Option is a closed set of runtime-mutable tunnel options, replacing the
// C original's string-keyed, void-pointer-valued setopt(name, value) with a
// tagged variant carrying its own typed value. Unknown option kinds are a
// compile-time impossibility rather than a runtime ConfigError.
type Option struct {
	kind  optionKind
	boolV bool
	durV  time.Duration
}

type optionKind int

const (
	optStrictContentLength optionKind = iota
	optKeepAlive
	optMaxConnectionAge
)

// StrictContentLength builds an Option toggling strict Content-Length
// padding behavior.
func StrictContentLength(v bool) Option {
	return Option{kind: optStrictContentLength, boolV: v}
}

// KeepAlive builds an Option setting the keep-alive idle interval.
func KeepAlive(d time.Duration) Option {
	return Option{kind: optKeepAlive, durV: d}
}

// MaxConnectionAge builds an Option setting the maximum response body age.
func MaxConnectionAge(d time.Duration) Option {
	return Option{kind: optMaxConnectionAge, durV: d}
}

// Apply mutates the given Config in place according to the option and
// reports whether a value actually changed (idempotence: re-applying the
// current value succeeds and reports false).
func (o Option) Apply(c *Config) (changed bool, err error) {
	switch o.kind {
	case optStrictContentLength:
		changed = c.StrictContentLength != o.boolV
		c.StrictContentLength = o.boolV
	case optKeepAlive:
		if o.durV <= 0 {
			return false, hterr.NewConfigError("keep-alive must be positive")
		}
		changed = c.KeepAlive != o.durV
		c.KeepAlive = o.durV
	case optMaxConnectionAge:
		if o.durV <= 0 {
			return false, hterr.NewConfigError("max-connection-age must be positive")
		}
		changed = c.MaxConnectionAge != o.durV
		c.MaxConnectionAge = o.durV
	default:
		return false, hterr.NewConfigError("unknown option")
	}
	return changed, nil
}
