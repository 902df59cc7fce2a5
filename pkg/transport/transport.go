// Package transport accepts local connections over a filesystem socket or
// a TLS-wrapped TCP listener, runs the handshake, and hands each connection
// exactly one request/response round trip before closing it. Grounded on
// the teacher's pkg/api/server.go Start/Serve/Stop shape and its TLS setup
// (load certificate, build *tls.Config, MinVersion TLS 1.3), with the gRPC
// server swapped for a raw net.Listener accept loop since this protocol is
// a bespoke framed binary format, not protobuf over HTTP/2.
package transport

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/taskqd/pkg/dispatcher"
	"github.com/cuemby/taskqd/pkg/log"
	"github.com/cuemby/taskqd/pkg/metrics"
	"github.com/cuemby/taskqd/pkg/protocol"
	"github.com/cuemby/taskqd/pkg/security"
)

// idleTimeout bounds how long a connection may sit without completing its
// handshake or request frame before it is dropped, per spec.md §6's
// "connection read has a bounded idle timeout" requirement.
const idleTimeout = 30 * time.Second

// Config selects and configures exactly one of the two mutually exclusive
// listener modes spec.md §6 describes.
type Config struct {
	// Socket mode.
	SocketPath        string
	SocketPermissions os.FileMode

	// TCP+TLS mode.
	UseTLS  bool
	Host    string
	Port    int
	CertDir string

	Secret string
}

// Listener owns the accepted-connection loop. It is stateless beyond the
// net.Listener itself; all protocol state lives per-connection.
type Listener struct {
	cfg    Config
	disp   *dispatcher.Dispatcher
	logger zerolog.Logger

	ln     net.Listener
	stopCh chan struct{}
}

// New creates a Listener bound to disp; call Serve to start accepting.
func New(cfg Config, disp *dispatcher.Dispatcher) *Listener {
	return &Listener{
		cfg:    cfg,
		disp:   disp,
		logger: log.WithComponent("transport"),
		stopCh: make(chan struct{}),
	}
}

// Serve opens the configured listener and accepts connections until Stop
// is called. It blocks until the listener is closed.
func (l *Listener) Serve() error {
	ln, err := l.listen()
	if err != nil {
		return err
	}
	l.ln = ln
	l.logger.Info().Str("addr", ln.Addr().String()).Msg("transport listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		go l.handle(conn)
	}
}

// Stop closes the listener, unblocking Serve. In-flight connections are
// allowed to finish their single request/response exchange.
func (l *Listener) Stop() error {
	close(l.stopCh)
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func (l *Listener) listen() (net.Listener, error) {
	if l.cfg.UseTLS {
		return l.listenTLS()
	}
	return l.listenSocket()
}

func (l *Listener) listenTLS() (net.Listener, error) {
	cert, err := security.EnsureSelfSigned(l.cfg.CertDir, []string{l.cfg.Host})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare TLS certificate: %w", err)
	}
	tlsConfig := security.ServerTLSConfig(cert)

	addr := net.JoinHostPort(l.cfg.Host, strconv.Itoa(l.cfg.Port))
	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

func (l *Listener) listenSocket() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(l.cfg.SocketPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	// A stale socket file from an unclean shutdown makes Listen fail with
	// "address already in use"; remove it before binding.
	if err := os.Remove(l.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", l.cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", l.cfg.SocketPath, err)
	}

	perm := l.cfg.SocketPermissions
	if perm == 0 {
		perm = 0700
	}
	if err := os.Chmod(l.cfg.SocketPath, perm); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return ln, nil
}

// handle runs the full lifecycle of one connection: handshake, one request
// frame, dispatch, one response frame, close.
func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
		l.logger.Warn().Err(err).Msg("failed to set connection deadline")
		return
	}
	reader := bufio.NewReader(conn)

	if err := protocol.ServerHandshake(reader, conn, l.cfg.Secret); err != nil {
		l.logger.Warn().Err(err).Msg("handshake failed")
		return
	}

	if err := conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
		l.logger.Warn().Err(err).Msg("failed to reset connection deadline")
		return
	}
	var req protocol.Request
	if err := protocol.ReadFrame(reader, &req); err != nil {
		if !errors.Is(err, io.EOF) {
			l.logger.Warn().Err(err).Msg("failed to read request frame")
		}
		return
	}

	timer := metrics.NewTimer()
	resp := l.disp.Dispatch(req)
	timer.ObserveDurationVec(metrics.RequestDuration, string(req.Kind))
	outcome := "ok"
	if !resp.OK {
		outcome = "error"
	}
	metrics.RequestsTotal.WithLabelValues(string(req.Kind), outcome).Inc()

	if err := conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
		l.logger.Warn().Err(err).Msg("failed to reset connection deadline before response")
		return
	}
	if err := protocol.WriteFrame(conn, resp); err != nil {
		l.logger.Warn().Err(err).Str("kind", string(req.Kind)).Msg("failed to write response frame")
	}
}
