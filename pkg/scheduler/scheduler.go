// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package scheduler selects backends using weighted round-robin over the
// currently healthy subset of a registry pool.
package scheduler

import (
	"sync"

	"github.com/absmach/mrelay/pkg/errors"
	"github.com/absmach/mrelay/pkg/registry"
)

// Scheduler implements weighted round-robin. A backend with weight w
// receives w consecutive slots in each full rotation before the cursor
// advances to the next backend, in pool order.
//
// The weighted expansion is rebuilt on every selection from the live
// healthy snapshot rather than cached: the very next selection must
// reflect the very latest health transition. This costs O(total weight)
// per call, which is acceptable for pools of single digits to low tens.
//
// Each relay type owns its own Scheduler so HTTP and TCP traffic cannot
// starve each other's rotation.
type Scheduler struct {
	mu       sync.Mutex
	registry *registry.Registry
	cursor   uint64
}

// New creates a scheduler over the given registry.
func New(reg *registry.Registry) *Scheduler {
	return &Scheduler{registry: reg}
}

// Next selects the next backend. It returns errors.ErrNoBackendAvailable
// if and only if every backend in the pool is currently unhealthy.
func (s *Scheduler) Next() (*registry.Backend, error) {
	healthy := s.registry.SnapshotHealthy()

	s.mu.Lock()
	defer s.mu.Unlock()

	expansion := make([]*registry.Backend, 0, len(healthy))
	for _, b := range healthy {
		for i := 0; i < b.Weight; i++ {
			expansion = append(expansion, b)
		}
	}
	if len(expansion) == 0 {
		return nil, errors.ErrNoBackendAvailable
	}

	// The cursor only ever increases; a uint64 will not wrap within any
	// reasonable process lifetime, so no reset is needed.
	b := expansion[s.cursor%uint64(len(expansion))]
	s.cursor++
	return b, nil
}
