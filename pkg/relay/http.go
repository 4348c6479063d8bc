// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/mrelay/pkg/errors"
	"github.com/absmach/mrelay/pkg/metrics"
	"github.com/absmach/mrelay/pkg/registry"
	"github.com/absmach/mrelay/pkg/scheduler"
	"github.com/google/uuid"
)

const (
	// DefaultClientIdleTimeout bounds each read while buffering a request.
	DefaultClientIdleTimeout = 5 * time.Second

	// DefaultDialTimeout bounds establishing the outbound backend leg.
	DefaultDialTimeout = 10 * time.Second

	readChunkSize = 4096

	statusServiceUnavailable = "HTTP/1.1 503 Service Unavailable\r\n\r\n"
	statusBadGateway         = "HTTP/1.1 502 Bad Gateway\r\n\r\n"
)

// errIncompleteRequest marks a request that never completed before the
// client went idle or closed.
var errIncompleteRequest = stderrors.New("incomplete request")

// HTTPConfig holds the HTTP relay configuration.
type HTTPConfig struct {
	// Address is the listen address (host:port).
	Address string

	// ClientIdleTimeout is the bounded idle read timeout while buffering a
	// request. A connection that goes silent before its request completes
	// is closed with nothing forwarded.
	ClientIdleTimeout time.Duration

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

// HTTPRelay accepts client HTTP connections, buffers one complete request
// (headers plus declared Content-Length body), forwards it to a scheduled
// backend over a fresh connection, and streams the response back until the
// backend closes its side.
//
// Request bodies are opaque: the relay never interprets application routes,
// and it speaks just enough HTTP to find the end of a request.
type HTTPRelay struct {
	acceptor
	config    HTTPConfig
	scheduler *scheduler.Scheduler
	registry  *registry.Registry
}

// NewHTTP creates an HTTP relay over the given scheduler and registry.
func NewHTTP(cfg HTTPConfig, sched *scheduler.Scheduler, reg *registry.Registry) *HTTPRelay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClientIdleTimeout == 0 {
		cfg.ClientIdleTimeout = DefaultClientIdleTimeout
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	return &HTTPRelay{
		acceptor: acceptor{
			name:            "http",
			logger:          cfg.Logger,
			shutdownTimeout: cfg.ShutdownTimeout,
		},
		config:    cfg,
		scheduler: sched,
		registry:  reg,
	}
}

// Listen starts the relay and blocks until the context is cancelled.
func (r *HTTPRelay) Listen(ctx context.Context) error {
	return r.serve(ctx, r.config.Address, r.handleConn)
}

// handleConn drives one client connection through
// ReadingRequest → SelectingBackend → Forwarding → Closed.
func (r *HTTPRelay) handleConn(ctx context.Context, inbound net.Conn) error {
	defer inbound.Close()

	sessionID := uuid.New().String()

	if m := r.config.Metrics; m != nil {
		m.ActiveConnections.WithLabelValues("http").Inc()
		defer m.ActiveConnections.WithLabelValues("http").Dec()
	}

	// ReadingRequest
	request, err := r.readRequest(inbound)
	if len(request) == 0 {
		// Client connected and sent nothing. Not an error.
		return nil
	}
	if err != nil {
		r.countConn("aborted")
		return errors.New("read_request", "http", sessionID, inbound.RemoteAddr().String(), err)
	}

	// SelectingBackend
	backend, err := r.scheduler.Next()
	if err != nil {
		io.WriteString(inbound, statusServiceUnavailable)
		r.countConn("no_backend")
		r.config.Logger.Error("no healthy backend for request",
			slog.String("session", sessionID),
			slog.String("remote", inbound.RemoteAddr().String()))
		return nil
	}

	// Forwarding
	outbound, err := net.DialTimeout("tcp", backend.Addr(), r.config.DialTimeout)
	if err != nil {
		io.WriteString(inbound, statusBadGateway)
		r.registry.MarkResult(backend, false)
		r.countConn("backend_connect_error")
		if m := r.config.Metrics; m != nil {
			m.BackendErrors.WithLabelValues(backend.Addr(), "connect").Inc()
		}
		return errors.New("dial_backend", "http", sessionID, backend.Addr(),
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

	r.config.Logger.Debug("forwarding request",
		slog.String("session", sessionID),
		slog.String("client", inbound.RemoteAddr().String()),
		slog.String("backend", backend.Addr()),
		slog.Int("request_bytes", len(request)))

	if _, err := outbound.Write(request); err != nil {
		io.WriteString(inbound, statusBadGateway)
		r.registry.MarkResult(backend, false)
		r.countConn("forward_error")
		return errors.New("write_request", "http", sessionID, backend.Addr(), err)
	}

	// Relay the response until the backend closes its side. Response bytes
	// reach the client in the order received, no reordering or batching.
	sent, err := io.Copy(inbound, outbound)
	if err != nil {
		if sent == 0 {
			io.WriteString(inbound, statusBadGateway)
		}
		r.registry.MarkResult(backend, false)
		r.countConn("forward_error")
		if m := r.config.Metrics; m != nil {
			m.BackendErrors.WithLabelValues(backend.Addr(), "forward").Inc()
		}
		return errors.New("relay_response", "http", sessionID, backend.Addr(), err)
	}

	r.countConn("success")
	return nil
}

// readRequest buffers from the client until a complete request is held:
// headers terminated by \r\n\r\n plus, when Content-Length is declared, the
// full body. Each read is bounded by the idle timeout; a timeout or EOF
// before the request completes yields errIncompleteRequest and whatever was
// buffered so far.
func (r *HTTPRelay) readRequest(conn net.Conn) ([]byte, error) {
	var request []byte
	chunk := make([]byte, readChunkSize)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(r.config.ClientIdleTimeout)); err != nil {
			return request, err
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			request = append(request, chunk[:n]...)
			if requestComplete(request) {
				// Clear the deadline before forwarding begins.
				conn.SetReadDeadline(time.Time{})
				return request, nil
			}
		}
		if err != nil {
			if len(request) == 0 {
				return nil, nil
			}
			return request, errIncompleteRequest
		}
	}
}

// requestComplete reports whether buf holds a full request: terminated
// headers and, if Content-Length was declared, that many body bytes.
func requestComplete(buf []byte) bool {
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return false
	}

	contentLength, ok := parseContentLength(buf[:headerEnd])
	if !ok {
		return true
	}

	return len(buf) >= headerEnd+4+contentLength
}

// parseContentLength extracts a declared Content-Length from raw headers.
// Header names are matched case-insensitively.
func parseContentLength(headers []byte) (int, bool) {
	for _, line := range strings.Split(string(headers), "\r\n") {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func (r *HTTPRelay) countConn(status string) {
	if m := r.config.Metrics; m != nil {
		m.TotalConnections.WithLabelValues("http", status).Inc()
	}
}
