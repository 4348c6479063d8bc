// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/absmach/mrelay/pkg/registry"
	"github.com/absmach/mrelay/pkg/scheduler"
)

// startTCPRelay runs the relay on a random port and returns its address.
func startTCPRelay(t *testing.T, cfg TCPConfig, reg *registry.Registry) string {
	t.Helper()

	cfg.Address = "127.0.0.1:0"
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	r := NewTCP(cfg, scheduler.New(reg), reg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Listen(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for r.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("relay did not start in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return r.Addr().String()
}

func TestTCPRelayEcho(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start backend: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	reg := registry.New(3, testLogger())
	addBackendAddr(t, reg, ln.Addr().String(), 1)

	addr := startTCPRelay(t, TCPConfig{}, reg)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial relay: %v", err)
	}
	defer conn.Close()

	io.WriteString(conn, "ping through the relay")
	conn.(*net.TCPConn).CloseWrite()

	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("failed to read echo: %v", err)
	}
	if string(got) != "ping through the relay" {
		t.Fatalf("expected echo, got %q", string(got))
	}
}

func TestTCPRelayBackendCloseDeliversAllBytes(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 100)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start backend: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Let the client's write side close first, then deliver.
		time.Sleep(100 * time.Millisecond)
		conn.Write(payload)
		conn.Close()
	}()

	reg := registry.New(3, testLogger())
	addBackendAddr(t, reg, ln.Addr().String(), 1)

	addr := startTCPRelay(t, TCPConfig{}, reg)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial relay: %v", err)
	}
	defer conn.Close()

	// The client-to-backend direction ends immediately; the
	// backend-to-client direction must still complete its transfer.
	conn.(*net.TCPConn).CloseWrite()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("failed to read relayed bytes: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %d relayed bytes, got %d", len(payload), len(got))
	}
}

func TestTCPRelayNoBackendClosesImmediately(t *testing.T) {
	reg := registry.New(3, testLogger())
	b := addBackendAddr(t, reg, "127.0.0.1:1", 1)
	for i := 0; i < 3; i++ {
		reg.MarkResult(b, false)
	}

	addr := startTCPRelay(t, TCPConfig{}, reg)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial relay: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, _ := io.ReadAll(conn)
	if len(got) != 0 {
		t.Fatalf("expected immediate close with no bytes, got %d bytes", len(got))
	}
}

func TestTCPRelayDeadBackendFeedsFailureCounter(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	deadAddr := ln.Addr().String()
	ln.Close()

	reg := registry.New(3, testLogger())
	addBackendAddr(t, reg, deadAddr, 1)

	addr := startTCPRelay(t, TCPConfig{DialTimeout: time.Second}, reg)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial relay: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	io.ReadAll(conn)

	stats := reg.Stats()
	if stats.Backends[0].ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure recorded, got %d",
			stats.Backends[0].ConsecutiveFailures)
	}
}

func TestTCPRelayGracefulShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start backend: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	reg := registry.New(3, testLogger())
	addBackendAddr(t, reg, ln.Addr().String(), 1)

	cfg := TCPConfig{
		Address:         "127.0.0.1:0",
		ShutdownTimeout: 2 * time.Second,
		Logger:          testLogger(),
	}
	r := NewTCP(cfg, scheduler.New(reg), reg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Listen(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for r.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("relay did not start in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not shut down")
	}
}
