// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for mRelay.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrNoBackendAvailable indicates the pool is empty or all backends are unhealthy.
	ErrNoBackendAvailable = errors.New("no backend available")

	// ErrBackendConnect indicates the outbound leg to a backend could not be opened.
	ErrBackendConnect = errors.New("backend connect failed")

	// ErrMalformedFrame indicates an inbound message frame could not be parsed.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFrameTooLarge indicates an inbound frame exceeded the size ceiling.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMissingRecipient indicates a frame without the mandatory recipient field.
	ErrMissingRecipient = errors.New("no recipient")

	// ErrProbeFailure indicates a health probe timeout or non-2xx status.
	ErrProbeFailure = errors.New("probe failure")

	// ErrDeliveryFailed indicates a message could not be delivered or acknowledged.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// RelayError wraps an error with connection-level context.
type RelayError struct {
	Op         string // Operation that failed
	Component  string // Component (http, tcp, messaging, health)
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Component, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Component, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// New creates a new RelayError.
func New(op, component, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &RelayError{
		Op:         op,
		Component:  component,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
