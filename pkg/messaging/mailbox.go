// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import "sync"

// Mailbox maps recipient identifiers to ordered queues of pending frames.
// Enqueue is append-only; Drain atomically returns the full queue and
// empties it, so no frame is ever delivered twice to one reader call.
// Queues are volatile: frames not polled before process restart are lost.
//
// A single lock across the whole mapping is sufficient for the expected
// recipient cardinality.
type Mailbox struct {
	mu     sync.Mutex
	queues map[string][]Frame
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{queues: make(map[string][]Frame)}
}

// Enqueue appends a frame to its recipient's queue. Ownership of the frame
// transfers to the mailbox.
func (m *Mailbox) Enqueue(f Frame) {
	m.mu.Lock()
	m.queues[f.Recipient] = append(m.queues[f.Recipient], f)
	m.mu.Unlock()
}

// Drain atomically removes and returns all queued frames for the recipient,
// in enqueue order. A recipient with no pending frames yields an empty
// slice.
func (m *Mailbox) Drain(recipient string) []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	queued := m.queues[recipient]
	delete(m.queues, recipient)
	return queued
}

// HasPending reports whether the recipient has undelivered frames.
func (m *Mailbox) HasPending(recipient string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[recipient]) > 0
}

// Depth returns the number of pending frames across all recipients.
func (m *Mailbox) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	depth := 0
	for _, q := range m.queues {
		depth += len(q)
	}
	return depth
}
