// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mrelay

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func TestParseBackend(t *testing.T) {
	tests := []struct {
		name    string
		entry   string
		want    BackendConfig
		wantErr bool
	}{
		{"host and port", "localhost:8081", BackendConfig{Host: "localhost", Port: 8081, Weight: 1}, false},
		{"with weight", "10.0.0.5:9000:3", BackendConfig{Host: "10.0.0.5", Port: 9000, Weight: 3}, false},
		{"missing port", "localhost", BackendConfig{}, true},
		{"bad port", "localhost:http", BackendConfig{}, true},
		{"port out of range", "localhost:70000", BackendConfig{}, true},
		{"zero weight", "localhost:8081:0", BackendConfig{}, true},
		{"negative weight", "localhost:8081:-2", BackendConfig{}, true},
		{"non-numeric weight", "localhost:8081:heavy", BackendConfig{}, true},
		{"too many parts", "localhost:8081:2:extra", BackendConfig{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBackend(tt.entry)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBackend(%q) error = %v, wantErr %v", tt.entry, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ParseBackend(%q) = %+v, want %+v", tt.entry, got, tt.want)
			}
		})
	}
}

func TestBackendPool(t *testing.T) {
	c := Config{Backends: []string{"a:8081:2", " b:8082 ", ""}}

	pool, err := c.BackendPool()
	if err != nil {
		t.Fatalf("BackendPool failed: %v", err)
	}
	if len(pool) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(pool))
	}
	if pool[0].Weight != 2 || pool[1].Weight != 1 {
		t.Fatalf("unexpected weights: %+v", pool)
	}
	if pool[1].Host != "b" {
		t.Fatalf("entry whitespace should be trimmed, got host %q", pool[1].Host)
	}
}

func TestBackendPoolRejectsBadEntry(t *testing.T) {
	c := Config{Backends: []string{"a:8081", "nonsense"}}
	if _, err := c.BackendPool(); err == nil {
		t.Fatal("expected error for malformed backend entry")
	}
}

func TestNewConfigDefaults(t *testing.T) {
	c, err := NewConfig(env.Options{Environment: map[string]string{}})
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}

	if c.HTTPAddress != ":8000" || c.TCPAddress != ":9000" || c.MessageAddress != ":9999" {
		t.Fatalf("unexpected listener defaults: %+v", c)
	}
	if c.ProbeInterval != 5*time.Second || c.ProbeTimeout != 2*time.Second {
		t.Fatalf("unexpected probe defaults: %+v", c)
	}
	if c.FailureThreshold != 3 {
		t.Fatalf("expected failure threshold 3, got %d", c.FailureThreshold)
	}
	if c.FrameLimit != 4096 {
		t.Fatalf("expected frame limit 4096, got %d", c.FrameLimit)
	}
}

func TestNewConfigFromEnvironment(t *testing.T) {
	c, err := NewConfig(env.Options{Environment: map[string]string{
		"BACKENDS":          "app1:8081:2,app2:8082",
		"FAILURE_THRESHOLD": "5",
		"LOG_FORMAT":        "text",
	}})
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}

	pool, err := c.BackendPool()
	if err != nil {
		t.Fatalf("BackendPool failed: %v", err)
	}
	if len(pool) != 2 || pool[0].Addr() != "app1:8081" {
		t.Fatalf("unexpected pool: %+v", pool)
	}
	if c.FailureThreshold != 5 || c.LogFormat != "text" {
		t.Fatalf("environment overrides not applied: %+v", c)
	}
}
