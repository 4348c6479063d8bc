// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the two traffic-distribution front ends.
//
// # HTTP relay
//
// The HTTP relay is connection-level, not net/http based: it buffers raw
// bytes from the client until it holds a complete request, then forwards
// the buffer verbatim over a fresh backend connection and streams the
// response back.
//
// Per-connection state machine:
//
//	ReadingRequest → SelectingBackend → Forwarding → Closed
//
//   - ReadingRequest: accumulate until the \r\n\r\n header terminator and,
//     when Content-Length is declared, the full body. Every read carries a
//     bounded idle deadline; silence past it closes the connection with
//     nothing forwarded.
//   - SelectingBackend: weighted round-robin over the healthy pool; 503 to
//     the client when the pool is empty.
//   - Forwarding: fresh outbound dial, full buffered request written, then
//     response bytes relayed until the backend closes. A transport failure
//     before the first response byte yields 502, and always feeds a health
//     failure through the registry's shared counter.
//
// # TCP relay
//
// The TCP relay does no application-layer parsing at all:
//
//	Accepted → PairedToBackend → Forwarding(bidirectional) → Closed
//
// Two independent copy goroutines move bytes client→backend and
// backend→client. Each direction half-closes when its source ends; the
// connection finishes only once both directions have completed, so there is
// no half-open leak and no truncation of an in-flight transfer.
//
// One goroutine per accepted connection isolates slow peers; all blocking
// socket operations carry bounded timeouts. Per-connection errors are
// logged and close that one connection only.
package relay
