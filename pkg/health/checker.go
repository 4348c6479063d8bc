// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health implements the background liveness prober for the backend
// pool.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/mrelay/pkg/metrics"
	"github.com/absmach/mrelay/pkg/registry"
)

const (
	// DefaultInterval is the pause between probe sweeps.
	DefaultInterval = 5 * time.Second

	// DefaultTimeout bounds each individual probe.
	DefaultTimeout = 2 * time.Second

	// DefaultProbePath is the liveness endpoint on each backend.
	DefaultProbePath = "/health"
)

// Config holds the health checker configuration.
type Config struct {
	// Interval between probe sweeps over the whole pool.
	Interval time.Duration

	// Timeout for a single probe.
	Timeout time.Duration

	// ProbePath is the path probed on each backend.
	ProbePath string

	// Logger for probe events.
	Logger *slog.Logger

	// Metrics is optional probe instrumentation.
	Metrics *metrics.Metrics
}

// Checker polls every registered backend's liveness endpoint on a fixed
// interval and feeds each result into the registry's hysteresis counter.
// It runs as a single background task per process, independent of relay
// traffic.
type Checker struct {
	config   Config
	registry *registry.Registry
	client   *http.Client
}

// New creates a health checker over the given registry.
func New(cfg Config, reg *registry.Registry) *Checker {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = DefaultProbePath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Checker{
		config:   cfg,
		registry: reg,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Start runs the probe loop until the context is cancelled. Individual
// probe failures are logged and swallowed; nothing escalates past the
// probe that produced it.
func (c *Checker) Start(ctx context.Context) {
	c.config.Logger.Info("health checker started",
		slog.Duration("interval", c.config.Interval),
		slog.Duration("timeout", c.config.Timeout))

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep(ctx)
		case <-ctx.Done():
			c.config.Logger.Info("health checker stopped")
			return
		}
	}
}

// Sweep probes every backend in the pool once. Sequential probing is
// acceptable given small pool sizes and short timeouts.
func (c *Checker) Sweep(ctx context.Context) {
	for _, b := range c.registry.All() {
		c.Probe(ctx, b)
	}
}

// Probe issues one liveness probe against a backend and records the result.
// Timeouts, refused connections, and non-2xx statuses all count identically
// as failures toward the eviction threshold.
func (c *Checker) Probe(ctx context.Context, b *registry.Backend) bool {
	url := fmt.Sprintf("http://%s%s", b.Addr(), c.config.ProbePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.record(b, false, err)
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.record(b, false, err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.record(b, false, fmt.Errorf("status %d", resp.StatusCode))
		return false
	}

	c.record(b, true, nil)
	return true
}

func (c *Checker) record(b *registry.Backend, success bool, cause error) {
	c.registry.MarkResult(b, success)

	if m := c.config.Metrics; m != nil {
		result := "success"
		if !success {
			result = "failure"
			m.ProbeFailures.WithLabelValues(b.Addr()).Inc()
		}
		m.ProbesTotal.WithLabelValues(b.Addr(), result).Inc()

		flag := 0.0
		if c.registry.IsHealthy(b) {
			flag = 1.0
		}
		m.BackendHealthy.WithLabelValues(b.Addr()).Set(flag)
	}

	if !success {
		c.config.Logger.Warn("health probe failed",
			slog.String("backend", b.Addr()),
			slog.String("error", cause.Error()))
	}
}
