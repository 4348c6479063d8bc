// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mrelay

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// BackendConfig describes one upstream process in the pool.
// The pool is fixed at relay start; there is no runtime registration API.
type BackendConfig struct {
	Host   string
	Port   int
	Weight int
}

// Addr returns the backend's host:port address.
func (b BackendConfig) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// Config holds the full relay configuration, parsed from the environment.
type Config struct {
	// Listeners
	HTTPAddress    string `env:"HTTP_ADDRESS"    envDefault:":8000"`
	TCPAddress     string `env:"TCP_ADDRESS"     envDefault:":9000"`
	MessageAddress string `env:"MESSAGE_ADDRESS" envDefault:":9999"`
	MessageUDP     string `env:"MESSAGE_UDP_ADDRESS" envDefault:""`
	AdminAddress   string `env:"ADMIN_ADDRESS"   envDefault:":8080"`

	// Backend pool, comma-separated host:port:weight entries.
	// Weight is optional and defaults to 1.
	Backends []string `env:"BACKENDS" envSeparator:","`

	// Health checking
	ProbeInterval    time.Duration `env:"PROBE_INTERVAL"     envDefault:"5s"`
	ProbeTimeout     time.Duration `env:"PROBE_TIMEOUT"      envDefault:"2s"`
	ProbePath        string        `env:"PROBE_PATH"         envDefault:"/health"`
	FailureThreshold int           `env:"FAILURE_THRESHOLD"  envDefault:"3"`

	// Relay timeouts
	ClientIdleTimeout  time.Duration `env:"CLIENT_IDLE_TIMEOUT"  envDefault:"5s"`
	BackendDialTimeout time.Duration `env:"BACKEND_DIAL_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT"     envDefault:"30s"`

	// Message router
	FrameLimit    int           `env:"FRAME_LIMIT"     envDefault:"4096"`
	FrameDeadline time.Duration `env:"FRAME_DEADLINE"  envDefault:"5s"`

	// Rate limiting for inbound message frames, per sender address.
	FrameRateCapacity int64 `env:"FRAME_RATE_CAPACITY" envDefault:"100"`
	FrameRateRefill   int64 `env:"FRAME_RATE_REFILL"   envDefault:"10"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// NewConfig loads a Config from environment variables using the given options.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	return c, nil
}

// BackendPool parses the configured backend entries.
// Entries have the form host:port or host:port:weight.
func (c Config) BackendPool() ([]BackendConfig, error) {
	pool := make([]BackendConfig, 0, len(c.Backends))
	for _, entry := range c.Backends {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		bc, err := ParseBackend(entry)
		if err != nil {
			return nil, err
		}
		pool = append(pool, bc)
	}
	return pool, nil
}

// ParseBackend parses a single host:port[:weight] backend entry.
func ParseBackend(entry string) (BackendConfig, error) {
	parts := strings.Split(entry, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return BackendConfig{}, fmt.Errorf("invalid backend entry %q: want host:port[:weight]", entry)
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return BackendConfig{}, fmt.Errorf("invalid backend port in %q", entry)
	}

	weight := 1
	if len(parts) == 3 {
		weight, err = strconv.Atoi(parts[2])
		if err != nil || weight <= 0 {
			return BackendConfig{}, fmt.Errorf("invalid backend weight in %q: weights must be positive integers", entry)
		}
	}

	return BackendConfig{Host: parts[0], Port: port, Weight: weight}, nil
}
