// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
)

// UDPRouter is the connectionless variant of the message router: one frame
// per datagram, same parse/enqueue path, best-effort ack datagram. Unlike
// the TCP router it gives no delivery guarantee to the sender beyond the
// ack actually arriving.
type UDPRouter struct {
	config Config
	router *Router
	wg     sync.WaitGroup

	mu   sync.Mutex
	addr net.Addr
}

// Addr returns the bound listen address, or nil before Listen has bound it.
func (u *UDPRouter) Addr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.addr
}

// NewUDP creates a UDP router sharing the given TCP router's mailbox,
// limiter, and instrumentation.
func NewUDP(cfg Config, router *Router) *UDPRouter {
	if cfg.FrameLimit <= 0 {
		cfg.FrameLimit = MaxFrameSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &UDPRouter{
		config: cfg,
		router: router,
	}
}

// Listen starts the datagram read loop and blocks until the context is
// cancelled.
func (u *UDPRouter) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", u.config.Address)
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}

	u.mu.Lock()
	u.addr = conn.LocalAddr()
	u.mu.Unlock()

	u.config.Logger.Info("UDP message router started",
		slog.String("address", conn.LocalAddr().String()))

	// Closing the socket unblocks the read loop on cancellation.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buffer := make([]byte, u.config.FrameLimit)
	for {
		n, clientAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			select {
			case <-ctx.Done():
				u.wg.Wait()
				u.config.Logger.Info("UDP message router stopped")
				return nil
			default:
				u.config.Logger.Error("failed to read datagram",
					slog.String("error", err.Error()))
				continue
			}
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])

		u.wg.Add(1)
		go func(data []byte, remote *net.UDPAddr) {
			defer u.wg.Done()
			u.handleDatagram(conn, data, remote)
		}(datagram, clientAddr)
	}
}

func (u *UDPRouter) handleDatagram(conn *net.UDPConn, data []byte, remote *net.UDPAddr) {
	ack := u.router.Process(data, remote.String(), "udp")

	out, err := json.Marshal(ack)
	if err != nil {
		return
	}
	if _, err := conn.WriteToUDP(out, remote); err != nil {
		u.config.Logger.Debug("failed to write ack datagram",
			slog.String("remote", remote.String()),
			slog.String("error", err.Error()))
	}
}
