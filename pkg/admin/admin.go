// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package admin provides the relay's own health, readiness, stats, and
// metrics endpoints.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/mrelay/pkg/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status represents a self-check status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single self-check result.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc is a function that performs a self-check.
type CheckFunc func(ctx context.Context) error

// Checker manages named self-checks with a result cache.
type Checker struct {
	mu     sync.Mutex
	checks map[string]CheckFunc
	cache  map[string]*Check
	ttl    time.Duration
}

// NewChecker creates a new self-check registry.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
	}
}

// Register adds a self-check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Health runs all checks (serving cached results inside the TTL) and
// returns the overall status.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var checks []Check
	overallStatus := StatusHealthy

	for name, checkFunc := range c.checks {
		if cached, ok := c.cache[name]; ok && time.Since(cached.LastChecked) < c.ttl {
			checks = append(checks, *cached)
			if cached.Status != StatusHealthy {
				overallStatus = StatusDegraded
			}
			continue
		}

		start := time.Now()
		err := checkFunc(ctx)
		duration := time.Since(start)

		check := &Check{
			Name:        name,
			LastChecked: time.Now(),
			Duration:    duration,
		}

		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
			overallStatus = StatusDegraded
		} else {
			check.Status = StatusHealthy
		}

		c.cache[name] = check
		checks = append(checks, *check)
	}

	return overallStatus, checks
}

// Config holds the admin server configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// Logger for server events.
	Logger *slog.Logger
}

// Server serves /health, /ready, /stats, and /metrics.
type Server struct {
	config   Config
	checker  *Checker
	registry *registry.Registry
	gatherer prometheus.Gatherer
}

// New creates an admin server. A nil gatherer serves the default registry.
func New(cfg Config, checker *Checker, reg *registry.Registry, gatherer prometheus.Gatherer) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		config:   cfg,
		checker:  checker,
		registry: reg,
		gatherer: gatherer,
	}
}

// Handler builds the admin mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.livenessHandler)
	mux.HandleFunc("/ready", s.readinessHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Listen starts the admin server and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.config.Address,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.config.Logger.Info("admin server started", slog.String("address", s.config.Address))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) livenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// readinessHandler reports 503 when every backend in the pool is unhealthy:
// a relay with nowhere to forward should not receive traffic.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, checks := s.checker.Health(ctx)

	if len(s.registry.SnapshotHealthy()) == 0 {
		status = StatusUnhealthy
	}

	response := map[string]interface{}{
		"status": status,
		"checks": checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if status == StatusUnhealthy || status == StatusDegraded {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.registry.Stats())
}
