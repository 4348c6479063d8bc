// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for mRelay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for mRelay.
type Metrics struct {
	// Relay metrics
	ActiveConnections *prometheus.GaugeVec
	TotalConnections  *prometheus.CounterVec
	ConnectionErrors  *prometheus.CounterVec

	// Backend metrics
	BackendRequestsTotal     *prometheus.CounterVec
	BackendErrors            *prometheus.CounterVec
	BackendActiveConnections *prometheus.GaugeVec
	BackendHealthy           *prometheus.GaugeVec

	// Health checker metrics
	ProbesTotal   *prometheus.CounterVec
	ProbeFailures *prometheus.CounterVec

	// Message router metrics
	MessagesEnqueued  *prometheus.CounterVec
	MessagesDelivered *prometheus.CounterVec
	FramesRejected    *prometheus.CounterVec
	MailboxDepth      *prometheus.GaugeVec
	RateLimitedFrames *prometheus.CounterVec
}

// New creates a Metrics instance registered against reg. Passing nil
// registers against the default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mrelay"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active client connections",
			},
			[]string{"relay"},
		),
		TotalConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of accepted client connections",
			},
			[]string{"relay", "status"},
		),
		ConnectionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of per-connection errors",
			},
			[]string{"relay", "error_type"},
		),
		BackendRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_requests_total",
				Help:      "Total number of requests forwarded per backend",
			},
			[]string{"backend"},
		),
		BackendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of backend transport errors",
			},
			[]string{"backend", "error_type"},
		),
		BackendActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_active_connections",
				Help:      "Number of active backend connections",
			},
			[]string{"backend"},
		),
		BackendHealthy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_healthy",
				Help:      "Backend health flag (1=healthy, 0=unhealthy)",
			},
			[]string{"backend"},
		),
		ProbesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of health probes issued",
			},
			[]string{"backend", "result"},
		),
		ProbeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_failures_total",
				Help:      "Total number of failed health probes",
			},
			[]string{"backend"},
		),
		MessagesEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_enqueued_total",
				Help:      "Total number of message frames enqueued",
			},
			[]string{"transport"},
		),
		MessagesDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_delivered_total",
				Help:      "Total number of messages drained from mailboxes",
			},
			[]string{},
		),
		FramesRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_rejected_total",
				Help:      "Total number of rejected inbound frames",
			},
			[]string{"transport", "reason"},
		),
		MailboxDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mailbox_depth",
				Help:      "Number of pending messages across all mailboxes",
			},
			[]string{},
		),
		RateLimitedFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_frames_total",
				Help:      "Total number of frames rejected by the rate limiter",
			},
			[]string{"transport"},
		),
	}
}
