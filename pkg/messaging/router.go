// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mrelay/pkg/errors"
	"github.com/absmach/mrelay/pkg/metrics"
	"github.com/absmach/mrelay/pkg/ratelimit"
)

const (
	// DefaultFrameDeadline bounds reading a frame and writing its ack.
	DefaultFrameDeadline = 5 * time.Second

	// DefaultShutdownTimeout is the drain window during graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second
)

// Config holds the message router configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// FrameLimit caps one inbound frame. Zero selects MaxFrameSize.
	FrameLimit int

	// Deadline bounds the read-frame/write-ack exchange per connection.
	Deadline time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight deliveries
	// during graceful shutdown.
	ShutdownTimeout time.Duration

	// Limiter optionally bounds frames per sender address. Over-budget
	// frames get an error ack and are not enqueued.
	Limiter *ratelimit.Limiter

	// Logger for router events.
	Logger *slog.Logger

	// Metrics is optional router instrumentation.
	Metrics *metrics.Metrics
}

// Router accepts single-shot message deliveries: one JSON frame per TCP
// connection, parsed, stamped, enqueued into the recipient's mailbox, and
// acknowledged. Malformed frames are acknowledged with an error and never
// enqueued; they have no effect on any health state.
type Router struct {
	config  Config
	mailbox *Mailbox
	wg      sync.WaitGroup

	mu   sync.Mutex
	addr net.Addr
}

// Addr returns the bound listen address, or nil before Listen has bound it.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// NewRouter creates a message router backed by the given mailbox.
func NewRouter(cfg Config, mailbox *Mailbox) *Router {
	if cfg.FrameLimit <= 0 {
		cfg.FrameLimit = MaxFrameSize
	}
	if cfg.Deadline == 0 {
		cfg.Deadline = DefaultFrameDeadline
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Router{
		config:  cfg,
		mailbox: mailbox,
	}
}

// Mailbox returns the router's backing mailbox.
func (r *Router) Mailbox() *Mailbox {
	return r.mailbox
}

// Poll atomically drains and returns all queued frames for the recipient.
func (r *Router) Poll(recipient string) []Frame {
	drained := r.mailbox.Drain(recipient)

	if m := r.config.Metrics; m != nil && len(drained) > 0 {
		m.MessagesDelivered.WithLabelValues().Add(float64(len(drained)))
		m.MailboxDepth.WithLabelValues().Set(float64(r.mailbox.Depth()))
	}
	return drained
}

// Listen starts the router and blocks until the context is cancelled.
func (r *Router) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", r.config.Address)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.addr = listener.Addr()
	r.mu.Unlock()

	r.config.Logger.Info("message router started",
		slog.String("address", listener.Addr().String()))

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					r.config.Logger.Error("failed to accept connection",
						slog.String("error", err.Error()))
					continue
				}
			}

			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.handleConn(conn)
			}()
		}
	}()

	<-ctx.Done()
	if err := listener.Close(); err != nil {
		r.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.config.Logger.Info("message router stopped")
		return nil
	case <-time.After(r.config.ShutdownTimeout):
		r.config.Logger.Warn("message router shutdown timeout exceeded")
		return nil
	}
}

// handleConn drives one delivery through
// Accepted → ReadFrame → Enqueue → Acknowledge → Closed.
func (r *Router) handleConn(conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(r.config.Deadline))

	remote := conn.RemoteAddr().String()

	payload, err := r.readFrame(conn)
	if err != nil {
		r.reject(conn, "tcp", remote, err)
		return
	}

	ack := r.Process(payload, remote, "tcp")
	r.writeAck(conn, ack)
}

// readFrame accumulates bytes until the buffer parses as one complete JSON
// value, the frame limit is hit, or the peer stops sending.
func (r *Router) readFrame(conn net.Conn) ([]byte, error) {
	buf := make([]byte, 0, r.config.FrameLimit)
	chunk := make([]byte, 1024)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			if len(buf)+n > r.config.FrameLimit {
				return nil, errors.ErrFrameTooLarge
			}
			buf = append(buf, chunk[:n]...)
			if json.Valid(buf) {
				return buf, nil
			}
		}
		if err != nil {
			if stderrors.Is(err, io.EOF) && len(buf) > 0 {
				return buf, nil
			}
			return nil, errors.Wrap(err, errors.ErrMalformedFrame.Error())
		}
	}
}

// Process parses one raw frame, applies the sender rate limit, stamps the
// receipt timestamp, and enqueues. It returns the ack to send back. Shared
// by the TCP and UDP routers.
func (r *Router) Process(payload []byte, remote, transport string) Ack {
	if lim := r.config.Limiter; lim != nil {
		sender := remote
		if host, _, err := net.SplitHostPort(remote); err == nil {
			sender = host
		}
		if !lim.Allow(sender) {
			if m := r.config.Metrics; m != nil {
				m.RateLimitedFrames.WithLabelValues(transport).Inc()
			}
			r.config.Logger.Warn("frame rate limited",
				slog.String("remote", remote),
				slog.String("transport", transport))
			return Ack{Status: StatusError, Message: errors.ErrRateLimited.Error()}
		}
	}

	frame, err := DecodeFrame(payload)
	if err != nil {
		if m := r.config.Metrics; m != nil {
			m.FramesRejected.WithLabelValues(transport, "malformed").Inc()
		}
		r.config.Logger.Warn("rejected inbound frame",
			slog.String("remote", remote),
			slog.String("transport", transport),
			slog.String("error", err.Error()))
		return Ack{Status: StatusError, Message: err.Error()}
	}

	frame.Timestamp = time.Now().UTC().Format(time.RFC3339)
	r.mailbox.Enqueue(frame)

	if m := r.config.Metrics; m != nil {
		m.MessagesEnqueued.WithLabelValues(transport).Inc()
		m.MailboxDepth.WithLabelValues().Set(float64(r.mailbox.Depth()))
	}

	r.config.Logger.Debug("message enqueued",
		slog.String("sender", frame.Sender),
		slog.String("recipient", frame.Recipient),
		slog.Bool("encrypted", frame.Encrypted),
		slog.String("transport", transport))

	return Ack{Status: StatusSuccess, Message: "Delivered"}
}

func (r *Router) reject(conn net.Conn, transport, remote string, cause error) {
	if m := r.config.Metrics; m != nil {
		m.FramesRejected.WithLabelValues(transport, "unreadable").Inc()
	}
	r.config.Logger.Warn("rejected inbound frame",
		slog.String("remote", remote),
		slog.String("transport", transport),
		slog.String("error", cause.Error()))
	r.writeAck(conn, Ack{Status: StatusError, Message: cause.Error()})
}

func (r *Router) writeAck(conn net.Conn, ack Ack) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	if _, err := conn.Write(data); err != nil {
		r.config.Logger.Debug("failed to write ack",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("error", err.Error()))
	}
}
