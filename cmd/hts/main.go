// Command hts is an HTTP tunnel server: it pairs an inbound HTTP request
// stream with a long-running HTTP response, relaying the bytes in between
// to a serial device or a forwarded TCP port.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/WhileEndless/httptunnel/pkg/bridge"
	"github.com/WhileEndless/httptunnel/pkg/config"
	"github.com/WhileEndless/httptunnel/pkg/hterr"
	"github.com/WhileEndless/httptunnel/pkg/platform"
	"github.com/WhileEndless/httptunnel/pkg/tunnel"
)

const versionString = "hts 1.0.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, flags, err := parseFlags(args)
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if flags.showVersion {
		fmt.Println(versionString)
		return 0
	}

	log := newLogger(cfg.DebugLevel, cfg.LogFile)

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid configuration")
		return 1
	}

	listener, err := platform.ListenTCP(cfg.ListenPort)
	if err != nil {
		log.WithError(err).Error("failed to bind listener")
		return 1
	}
	defer listener.Close()

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			log.WithError(err).Error("failed to write pid file")
			return 1
		}
		defer os.Remove(cfg.PIDFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	ep := tunnel.New(cfg, listener, log)
	loop := bridge.New(cfg, log)

	downstream, err := downstreamFactory(cfg)
	if err != nil {
		log.WithError(err).Error("invalid downstream configuration")
		return 1
	}

	log.WithFields(logrus.Fields{
		"port":           cfg.ListenPort,
		"content_length": cfg.ContentLength,
	}).Info("tunnel server starting")

	if err := loop.Run(ctx, ep, downstream); err != nil {
		log.WithError(err).Error("tunnel server exiting on fatal error")
		return 1
	}
	return 0
}

type cliFlags struct {
	showVersion bool
}

func parseFlags(args []string) (config.Config, cliFlags, error) {
	cfg := config.Default()
	var f cliFlags

	fs := flag.NewFlagSet("hts", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: hts [options] <port>")
		fs.PrintDefaults()
	}

	contentLength := fs.StringP("content-length", "c", "64k", "bytes held open per response window (k/M/G suffixes accepted)")
	fs.BoolVar(&cfg.StrictContentLength, "strict-content-length", false, "pad every window to exactly content-length bytes")
	keepAliveSecs := fs.Int("keep-alive", int(config.DefaultKeepAlive/time.Second), "seconds of idle time before emitting a padding byte")
	maxAgeSecs := fs.Int("max-connection-age", 0, "seconds before forcing a window roll (0 disables)")
	fs.StringVar(&cfg.DevicePath, "device", "", "serial device or pty to bridge (mutually exclusive with --forward-port)")
	forwardPort := fs.String("forward-port", "", "HOST:PORT to forward to (mutually exclusive with --device)")
	fs.StringVar(&cfg.PIDFile, "pid-file", "", "write the server's pid to this file")
	debug := fs.Int("debug", 0, "debug verbosity level (0 disables)")
	fs.Lookup("debug").NoOptDefVal = "1"
	fs.StringVarP(&cfg.LogFile, "logfile", "l", "", "write logs to this file instead of stderr")
	fs.BoolVarP(&f.showVersion, "version", "v", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return cfg, f, err
	}

	n, err := config.ParseContentLength(*contentLength)
	if err != nil {
		return cfg, f, err
	}
	cfg.ContentLength = n
	cfg.KeepAlive = time.Duration(*keepAliveSecs) * time.Second
	cfg.MaxConnectionAge = time.Duration(*maxAgeSecs) * time.Second
	cfg.DebugLevel = *debug

	if *forwardPort != "" {
		host, port, err := splitHostPort(*forwardPort)
		if err != nil {
			return cfg, f, hterr.NewConfigError(err.Error())
		}
		cfg.ForwardHost = host
		cfg.ForwardPort = port
	}

	rest := fs.Args()
	if len(rest) > 0 {
		port, err := strconv.Atoi(rest[0])
		if err != nil {
			return cfg, f, hterr.NewConfigError("port must be numeric: " + rest[0])
		}
		cfg.ListenPort = port
	}

	return cfg, f, nil
}

func splitHostPort(hostport string) (string, int, error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("--forward-port requires HOST:PORT, got %q", hostport)
	}
	host := hostport[:idx]
	port, err := strconv.Atoi(hostport[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("--forward-port has a non-numeric port: %q", hostport)
	}
	return host, port, nil
}

func newLogger(debugLevel int, logFile string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch {
	case debugLevel >= 2:
		log.SetLevel(logrus.TraceLevel)
	case debugLevel == 1:
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.WithError(err).Warn("failed to open logfile, logging to stderr")
		} else {
			log.SetOutput(f)
		}
	}
	return log
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// downstreamFactory builds the bridge.DownstreamFactory matching cfg's
// chosen mode: a reused serial/pty device, or a freshly dialed TCP
// forward for every session.
func downstreamFactory(cfg config.Config) (bridge.DownstreamFactory, error) {
	if cfg.DevicePath != "" {
		f, err := platform.OpenDevice(cfg.DevicePath)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (io.ReadWriteCloser, error) {
			return closeGuard{f}, nil
		}, nil
	}

	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		return platform.ConnectTCP(ctx, cfg.ForwardHost, cfg.ForwardPort, 10*time.Second)
	}, nil
}

// closeGuard wraps the device file so the bridge's per-session conn.Close()
// doesn't tear down the underlying device; it is reused across sessions.
type closeGuard struct {
	io.ReadWriteCloser
}

func (closeGuard) Close() error { return nil }
