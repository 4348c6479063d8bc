// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package messaging implements the point-to-point message router: a TCP
// (and optional UDP) listener that accepts one JSON frame per connection,
// queues it into the recipient's in-memory mailbox, and acknowledges the
// sender, plus the client-side Send counterpart and the drain-on-poll
// mailbox itself.
//
// Wire format, one frame per connection:
//
//	{"sender": "...", "recipient": "...", "body": "...",
//	 "encrypted": false, "timestamp": "<server-assigned RFC 3339>"}
//
// Ack: {"status": "success"|"error", "message": "..."}
//
// Frame bodies are opaque; encryption happens entirely outside this layer
// before a body reaches Send. The mailbox is volatile: frames not polled
// before process restart are gone.
package messaging
