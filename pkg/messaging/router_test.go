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
	"strings"
	"testing"
	"time"

	"github.com/absmach/mrelay/pkg/errors"
	"github.com/absmach/mrelay/pkg/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startRouter binds a router on an ephemeral port and returns it along with
// its address and a stop function.
func startRouter(t *testing.T, cfg Config) (*Router, string, func()) {
	t.Helper()

	cfg.Address = "127.0.0.1:0"
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = time.Second
	}

	router := NewRouter(cfg, NewMailbox())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- router.Listen(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for router.Addr() == nil {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("router did not bind in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("router did not stop in time")
		}
	}
	return router, router.Addr().String(), stop
}

func TestRouterRoundTrip(t *testing.T) {
	router, addr, stop := startRouter(t, Config{})
	defer stop()

	client := NewClient(addr, time.Second, testLogger())

	before := time.Now().UTC().Add(-time.Second)
	if err := client.Send("alice", "bob", "hello bob", false); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	frames := router.Poll("bob")
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}

	f := frames[0]
	if f.Sender != "alice" || f.Recipient != "bob" || f.Body != "hello bob" {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if f.Encrypted {
		t.Fatal("encrypted flag should be preserved as false")
	}

	// The timestamp is stamped on receipt, not taken from the client.
	ts, err := time.Parse(time.RFC3339, f.Timestamp)
	if err != nil {
		t.Fatalf("timestamp %q is not RFC 3339: %v", f.Timestamp, err)
	}
	if ts.Before(before) {
		t.Fatalf("timestamp %v predates the send", ts)
	}

	// Poll drained the queue.
	if again := router.Poll("bob"); len(again) != 0 {
		t.Fatalf("expected empty second poll, got %d frames", len(again))
	}
}

func TestRouterPreservesEncryptedFlag(t *testing.T) {
	router, addr, stop := startRouter(t, Config{})
	defer stop()

	client := NewClient(addr, time.Second, testLogger())
	if err := client.Send("alice", "bob", "0xdeadbeef", true); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	frames := router.Poll("bob")
	if len(frames) != 1 || !frames[0].Encrypted {
		t.Fatal("encrypted flag was not preserved")
	}
}

func TestRouterMissingRecipient(t *testing.T) {
	router, addr, stop := startRouter(t, Config{})
	defer stop()

	client := NewClient(addr, time.Second, testLogger())
	err := client.Send("alice", "", "orphan", false)
	if err == nil {
		t.Fatal("expected delivery failure for missing recipient")
	}
	if !stderrors.Is(err, errors.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), errors.ErrMissingRecipient.Error()) {
		t.Fatalf("expected recipient error in ack, got %v", err)
	}

	if router.Mailbox().Depth() != 0 {
		t.Fatal("rejected frame must not be enqueued")
	}
}

func TestRouterMalformedFrame(t *testing.T) {
	router, addr, stop := startRouter(t, Config{})
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("this is not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	conn.(*net.TCPConn).CloseWrite()

	raw, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("reading ack failed: %v", err)
	}

	var ack Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		t.Fatalf("ack is not valid JSON: %v", err)
	}
	if ack.Status != StatusError {
		t.Fatalf("expected error ack, got %+v", ack)
	}

	if router.Mailbox().Depth() != 0 {
		t.Fatal("malformed frame must not be enqueued")
	}
}

func TestRouterFrameTooLarge(t *testing.T) {
	router, addr, stop := startRouter(t, Config{FrameLimit: 64})
	defer stop()

	client := NewClient(addr, time.Second, testLogger())
	err := client.Send("alice", "bob", strings.Repeat("x", 200), false)
	if err == nil {
		t.Fatal("expected delivery failure for oversized frame")
	}
	if !strings.Contains(err.Error(), errors.ErrFrameTooLarge.Error()) {
		t.Fatalf("expected frame size error in ack, got %v", err)
	}

	if router.Mailbox().Depth() != 0 {
		t.Fatal("oversized frame must not be enqueued")
	}
}

func TestRouterRateLimiting(t *testing.T) {
	limiter := ratelimit.NewLimiter(1, 1, 0)
	router, addr, stop := startRouter(t, Config{Limiter: limiter})
	defer stop()

	client := NewClient(addr, time.Second, testLogger())

	if err := client.Send("alice", "bob", "first", false); err != nil {
		t.Fatalf("first send should pass: %v", err)
	}

	err := client.Send("alice", "bob", "second", false)
	if err == nil {
		t.Fatal("second immediate send should be rate limited")
	}
	if !strings.Contains(err.Error(), errors.ErrRateLimited.Error()) {
		t.Fatalf("expected rate limit error in ack, got %v", err)
	}

	if got := len(router.Poll("bob")); got != 1 {
		t.Fatalf("expected only the first frame enqueued, got %d", got)
	}
}

func TestRouterInterleavedRecipients(t *testing.T) {
	router, addr, stop := startRouter(t, Config{})
	defer stop()

	client := NewClient(addr, time.Second, testLogger())
	for i, recipient := range []string{"bob", "carol", "bob"} {
		if err := client.Send("alice", recipient, "msg", false); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}

	if !router.Mailbox().HasPending("bob") || !router.Mailbox().HasPending("carol") {
		t.Fatal("both recipients should have pending frames")
	}
	if got := len(router.Poll("bob")); got != 2 {
		t.Fatalf("expected 2 frames for bob, got %d", got)
	}
	if got := len(router.Poll("carol")); got != 1 {
		t.Fatalf("expected 1 frame for carol, got %d", got)
	}
}

func TestUDPRouterRoundTrip(t *testing.T) {
	tcpRouter, _, stop := startRouter(t, Config{})
	defer stop()

	udp := NewUDP(Config{Address: "127.0.0.1:0", Logger: testLogger()}, tcpRouter)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- udp.Listen(ctx)
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("UDP router did not stop in time")
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for udp.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("UDP router did not bind in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	client := NewClient("", time.Second, testLogger())
	if err := client.SendUDP(udp.Addr().String(), "alice", "bob", "via datagram", false); err != nil {
		t.Fatalf("UDP send failed: %v", err)
	}

	frames := tcpRouter.Poll("bob")
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Body != "via datagram" {
		t.Fatalf("unexpected body %q", frames[0].Body)
	}
}

func TestUDPRouterErrorAck(t *testing.T) {
	tcpRouter, _, stop := startRouter(t, Config{})
	defer stop()

	udp := NewUDP(Config{Address: "127.0.0.1:0", Logger: testLogger()}, tcpRouter)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- udp.Listen(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for udp.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("UDP router did not bind in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	client := NewClient("", time.Second, testLogger())
	err := client.SendUDP(udp.Addr().String(), "alice", "", "orphan", false)
	if err == nil {
		t.Fatal("expected error ack for missing recipient")
	}
	if !strings.Contains(err.Error(), errors.ErrMissingRecipient.Error()) {
		t.Fatalf("expected recipient error in ack, got %v", err)
	}
}
