// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the backend pool and its live health state.
package registry

import (
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// DefaultFailureThreshold is the number of consecutive failures after which
// a backend is marked unhealthy. Single transient failures do not evict a
// backend.
const DefaultFailureThreshold = 3

// Backend is one upstream process instance. Identity is (Host, Port);
// Weight is static for the process lifetime. All mutable state is owned by
// the Registry and guarded by its mutex; reads outside the registry must go
// through snapshot or stats accessors.
type Backend struct {
	Host   string
	Port   int
	Weight int

	healthy             bool
	consecutiveFailures int
	activeConnections   int
	totalRequests       int64
	lastCheckedAt       time.Time
}

// Addr returns the backend's host:port address.
func (b *Backend) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// BackendStats is a point-in-time copy of one backend's state.
type BackendStats struct {
	Address             string    `json:"address"`
	Weight              int       `json:"weight"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ActiveConnections   int       `json:"active_connections"`
	TotalRequests       int64     `json:"total_requests"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
}

// Stats is a point-in-time copy of the whole pool's state.
type Stats struct {
	UptimeSeconds float64        `json:"uptime_seconds"`
	TotalRequests int64          `json:"total_requests"`
	TotalFailures int64          `json:"total_failures"`
	Backends      []BackendStats `json:"backends"`
}

// Registry owns the ordered backend pool. Pool order is stable for the
// process lifetime; backends are never removed. A single mutex serializes
// all readers and writers: health changes are rare relative to request
// volume, so there is no lock-free fast path.
type Registry struct {
	mu               sync.Mutex
	backends         []*Backend
	failureThreshold int
	totalRequests    int64
	totalFailures    int64
	startedAt        time.Time
	logger           *slog.Logger
}

// New creates an empty registry. A zero failureThreshold selects
// DefaultFailureThreshold.
func New(failureThreshold int, logger *slog.Logger) *Registry {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		failureThreshold: failureThreshold,
		startedAt:        time.Now(),
		logger:           logger,
	}
}

// AddBackend appends a new backend to the pool. New backends start healthy
// with a zero failure counter. Weights below 1 are clamped to 1.
func (r *Registry) AddBackend(host string, port, weight int) *Backend {
	if weight < 1 {
		weight = 1
	}

	b := &Backend{
		Host:    host,
		Port:    port,
		Weight:  weight,
		healthy: true,
	}

	r.mu.Lock()
	r.backends = append(r.backends, b)
	r.mu.Unlock()

	r.logger.Info("backend added",
		slog.String("backend", b.Addr()),
		slog.Int("weight", weight))

	return b
}

// SnapshotHealthy returns the backends with healthy=true at call time, in
// pool order.
func (r *Registry) SnapshotHealthy() []*Backend {
	r.mu.Lock()
	defer r.mu.Unlock()

	healthy := make([]*Backend, 0, len(r.backends))
	for _, b := range r.backends {
		if b.healthy {
			healthy = append(healthy, b)
		}
	}
	return healthy
}

// MarkResult records the outcome of a probe or a forwarding attempt.
// Success resets the failure counter and immediately restores health.
// Failure increments the counter and marks the backend unhealthy once the
// counter reaches the threshold (hysteresis against flapping). Probe
// failures and forwarding failures pass through the same counter.
func (r *Registry) MarkResult(b *Backend, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b.lastCheckedAt = time.Now()

	if success {
		if !b.healthy {
			r.logger.Info("backend restored", slog.String("backend", b.Addr()))
		}
		b.consecutiveFailures = 0
		b.healthy = true
		return
	}

	b.consecutiveFailures++
	r.totalFailures++
	if b.consecutiveFailures >= r.failureThreshold && b.healthy {
		b.healthy = false
		r.logger.Error("backend marked unhealthy",
			slog.String("backend", b.Addr()),
			slog.Int("consecutive_failures", b.consecutiveFailures))
	}
}

// All returns every backend in pool order, healthy or not.
func (r *Registry) All() []*Backend {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*Backend, len(r.backends))
	copy(all, r.backends)
	return all
}

// IsHealthy reports the backend's current health flag.
func (r *Registry) IsHealthy(b *Backend) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return b.healthy
}

// ConnOpened records a successfully established forwarding connection.
func (r *Registry) ConnOpened(b *Backend) {
	r.mu.Lock()
	b.activeConnections++
	b.totalRequests++
	r.totalRequests++
	r.mu.Unlock()
}

// ConnClosed records completion of a forwarding connection, success or
// failure.
func (r *Registry) ConnClosed(b *Backend) {
	r.mu.Lock()
	if b.activeConnections > 0 {
		b.activeConnections--
	}
	r.mu.Unlock()
}

// Len returns the total pool size, healthy or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backends)
}

// Stats returns a point-in-time copy of the registry state.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		UptimeSeconds: time.Since(r.startedAt).Seconds(),
		TotalRequests: r.totalRequests,
		TotalFailures: r.totalFailures,
		Backends:      make([]BackendStats, 0, len(r.backends)),
	}
	for _, b := range r.backends {
		s.Backends = append(s.Backends, BackendStats{
			Address:             b.Addr(),
			Weight:              b.Weight,
			Healthy:             b.healthy,
			ConsecutiveFailures: b.consecutiveFailures,
			ActiveConnections:   b.activeConnections,
			TotalRequests:       b.totalRequests,
			LastCheckedAt:       b.lastCheckedAt,
		})
	}
	return s
}
