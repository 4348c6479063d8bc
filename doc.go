// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mrelay is a self-contained traffic-distribution layer: a
// reverse-proxy load balancer for HTTP traffic, a companion TCP relay for
// protocol-opaque streams, and a lightweight point-to-point message router.
//
// # Components
//
//	┌────────┐      ┌────────────┐      ┌─────────┐
//	│ Client │ ←──→ │ HTTP/TCP   │ ←──→ │ Backend │
//	└────────┘      │ Relay      │      └─────────┘
//	                └─────┬──────┘           ↑
//	                      │ select           │ probe
//	                ┌─────┴──────┐      ┌────┴────┐
//	                │ Scheduler  │ ←──→ │ Health  │
//	                │ + Registry │      │ Checker │
//	                └────────────┘      └─────────┘
//
// The registry owns the backend pool and its health state; the scheduler
// performs weighted round-robin over the currently healthy subset; the
// health checker probes each backend's /health endpoint on a fixed
// interval and feeds results back through the registry's hysteresis
// counter. The message router is independent of the relays: it accepts
// single-shot JSON frames over TCP (or UDP) and queues them into
// per-recipient in-memory mailboxes.
//
// The root package holds only configuration; the moving parts live under
// pkg/ and are assembled in cmd/main.go.
package mrelay
