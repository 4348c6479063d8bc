// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// DefaultShutdownTimeout is the default drain window for in-flight
// connections during graceful shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// acceptor owns the accept loop and graceful-shutdown machinery shared by
// both relays: stop accepting on context cancellation, then let in-flight
// forwarding drain naturally within the shutdown timeout.
type acceptor struct {
	name            string
	logger          *slog.Logger
	shutdownTimeout time.Duration
	wg              sync.WaitGroup

	mu   sync.Mutex
	addr net.Addr
}

// Addr returns the bound listen address, or nil before Listen has bound it.
// Useful when listening on port 0.
func (a *acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// serve listens on address and dispatches one goroutine per accepted
// connection until the context is cancelled.
func (a *acceptor) serve(ctx context.Context, address string, handle func(context.Context, net.Conn) error) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.addr = listener.Addr()
	a.mu.Unlock()

	a.logger.Info("relay started",
		slog.String("relay", a.name),
		slog.String("address", listener.Addr().String()))

	// Connections get their own context so draining is not cut short the
	// moment the accept context is cancelled.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

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
					// Expected error during shutdown
					return
				default:
					a.logger.Error("failed to accept connection",
						slog.String("relay", a.name),
						slog.String("error", err.Error()))
					continue
				}
			}

			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				if err := handle(connCtx, conn); err != nil && !errors.Is(err, io.EOF) {
					a.logger.Debug("connection handler error",
						slog.String("relay", a.name),
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown signal received, closing listener",
		slog.String("relay", a.name))

	if err := listener.Close(); err != nil {
		a.logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("all connections closed gracefully",
			slog.String("relay", a.name))
		return nil
	case <-time.After(a.shutdownTimeout):
		a.logger.Warn("shutdown timeout exceeded, forcing connection closure",
			slog.String("relay", a.name))
		connCancel()
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}
