// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/mrelay/pkg/errors"
	"github.com/absmach/mrelay/pkg/metrics"
	"github.com/absmach/mrelay/pkg/registry"
	"github.com/absmach/mrelay/pkg/scheduler"
	"github.com/google/uuid"
)

// TCPConfig holds the TCP relay configuration.
type TCPConfig struct {
	// Address is the listen address (host:port).
	Address string

	// DialTimeout bounds opening the outbound connection to a backend.
	DialTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for active connections to
	// drain during graceful shutdown.
	ShutdownTimeout time.Duration

	// Logger for relay events.
	Logger *slog.Logger

	// Metrics is optional relay instrumentation.
	Metrics *metrics.Metrics
}

// TCPRelay pairs each accepted client connection with a scheduled backend
// and runs a connection-scoped bidirectional byte pipe between them, with
// no application-layer parsing. It owns its own scheduling cursor,
// independent of the HTTP relay's.
type TCPRelay struct {
	acceptor
	config    TCPConfig
	scheduler *scheduler.Scheduler
	registry  *registry.Registry
}

// NewTCP creates a TCP relay over the given scheduler and registry.
func NewTCP(cfg TCPConfig, sched *scheduler.Scheduler, reg *registry.Registry) *TCPRelay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	return &TCPRelay{
		acceptor: acceptor{
			name:            "tcp",
			logger:          cfg.Logger,
			shutdownTimeout: cfg.ShutdownTimeout,
		},
		config:    cfg,
		scheduler: sched,
		registry:  reg,
	}
}

// Listen starts the relay and blocks until the context is cancelled.
func (r *TCPRelay) Listen(ctx context.Context) error {
	return r.serve(ctx, r.config.Address, r.handleConn)
}

// handleConn drives one client connection through
// Accepted → PairedToBackend → Forwarding → Closed.
func (r *TCPRelay) handleConn(ctx context.Context, inbound net.Conn) error {
	defer inbound.Close()

	sessionID := uuid.New().String()

	if m := r.config.Metrics; m != nil {
		m.ActiveConnections.WithLabelValues("tcp").Inc()
		defer m.ActiveConnections.WithLabelValues("tcp").Dec()
	}

	// PairedToBackend. No backend means an immediate close: raw TCP has no
	// in-band way to report the condition.
	backend, err := r.scheduler.Next()
	if err != nil {
		r.countConn("no_backend")
		return errors.New("select_backend", "tcp", sessionID, inbound.RemoteAddr().String(), err)
	}

	outbound, err := net.DialTimeout("tcp", backend.Addr(), r.config.DialTimeout)
	if err != nil {
		r.registry.MarkResult(backend, false)
		r.countConn("backend_connect_error")
		if m := r.config.Metrics; m != nil {
			m.BackendErrors.WithLabelValues(backend.Addr(), "connect").Inc()
		}
		return errors.New("dial_backend", "tcp", sessionID, backend.Addr(),
			errors.Wrap(err, errors.ErrBackendConnect.Error()))
	}
	defer outbound.Close()

	r.registry.ConnOpened(backend)
	defer r.registry.ConnClosed(backend)

	if m := r.config.Metrics; m != nil {
		m.BackendRequestsTotal.WithLabelValues(backend.Addr()).Inc()
		m.BackendActiveConnections.WithLabelValues(backend.Addr()).Inc()
		defer m.BackendActiveConnections.WithLabelValues(backend.Addr()).Dec()
	}

	r.config.Logger.Debug("connection paired",
		slog.String("session", sessionID),
		slog.String("client", inbound.RemoteAddr().String()),
		slog.String("backend", backend.Addr()))

	// Forwarding: two independent byte-copy directions. Each direction
	// half-closes its destination when its source ends, so one side
	// finishing never truncates the other's in-flight transfer. The
	// connection is finished only once both directions complete.
	errCh := make(chan error, 2)

	go func() {
		errCh <- pipe(outbound, inbound)
	}()
	go func() {
		errCh <- pipe(inbound, outbound)
	}()

	var streamErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && streamErr == nil {
			streamErr = err
		}
	}

	if streamErr != nil {
		r.countConn("forward_error")
		return errors.New("forward", "tcp", sessionID, backend.Addr(), streamErr)
	}

	r.countConn("success")
	r.config.Logger.Debug("connection closed", slog.String("session", sessionID))
	return nil
}

// pipe copies src to dst until EOF or error, then half-closes the pair so
// the opposite direction can still drain.
func pipe(dst, src net.Conn) error {
	_, err := io.Copy(dst, src)

	if tc, ok := dst.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	if tc, ok := src.(*net.TCPConn); ok {
		tc.CloseRead()
	}

	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (r *TCPRelay) countConn(status string) {
	if m := r.config.Metrics; m != nil {
		m.TotalConnections.WithLabelValues("tcp", status).Inc()
	}
}
