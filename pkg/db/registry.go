// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/stacklok/dbhive/pkg/logger"
)

// GlobalKey is the pool key shared by all sessions in the token and none
// auth modes. The registry keeps it out of the per-token map so the common
// case skips the map lookup, and so lifecycle code can treat it separately:
// the global pool is only ever closed at shutdown.
const GlobalKey = "global"

// Registry maps pool keys to live pools. A pool key is either GlobalKey or
// a token value. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	global Pool
	pools  map[string]Pool

	open  OpenFunc
	group singleflight.Group
}

// NewRegistry builds a registry. A nil open falls back to Open.
func NewRegistry(open OpenFunc) *Registry {
	if open == nil {
		open = Open
	}
	return &Registry{
		pools: make(map[string]Pool),
		open:  open,
	}
}

func (r *Registry) lookupLocked(key string) Pool {
	if key == GlobalKey {
		return r.global
	}
	return r.pools[key]
}

func (r *Registry) storeLocked(key string, p Pool) {
	if key == GlobalKey {
		r.global = p
		return
	}
	r.pools[key] = p
}

func (r *Registry) deleteLocked(key string) {
	if key == GlobalKey {
		r.global = nil
		return
	}
	delete(r.pools, key)
}

// Ensure builds and stores a pool for key unless one already exists.
// Concurrent calls for the same key share a single pool construction; the
// pool is stored only after it opened successfully, so a failed build leaves
// no entry behind.
func (r *Registry) Ensure(ctx context.Context, key string, cfg Config) error {
	r.mu.RLock()
	exists := r.lookupLocked(key) != nil
	r.mu.RUnlock()
	if exists {
		return nil
	}

	_, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.RLock()
		p := r.lookupLocked(key)
		r.mu.RUnlock()
		if p != nil {
			return nil, nil
		}

		pool, err := r.open(ctx, cfg)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.storeLocked(key, pool)
		r.mu.Unlock()
		return nil, nil
	})
	return err
}

// Get returns the pool for key, if any.
func (r *Registry) Get(key string) (Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.lookupLocked(key)
	return p, p != nil
}

// Close closes and forgets the pool for key. The entry is removed before
// the close runs, so a broken pool is never retried and a second Close for
// the same key is a no-op. Returns whether a pool was present.
func (r *Registry) Close(key string) bool {
	r.mu.Lock()
	p := r.lookupLocked(key)
	if p == nil {
		r.mu.Unlock()
		return false
	}
	r.deleteLocked(key)
	r.mu.Unlock()

	if err := p.Close(); err != nil {
		logger.Warnf("failed to close pool %q: %v", key, err)
	}
	return true
}

// CloseAll closes every pool including the global one, ignoring individual
// failures.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	pools := make(map[string]Pool, len(r.pools)+1)
	for k, p := range r.pools {
		pools[k] = p
	}
	if r.global != nil {
		pools[GlobalKey] = r.global
	}
	r.pools = make(map[string]Pool)
	r.global = nil
	r.mu.Unlock()

	for k, p := range pools {
		if err := p.Close(); err != nil {
			logger.Warnf("failed to close pool %q: %v", k, err)
		}
	}
}

// Test probes the pool for key. A missing pool reports false.
func (r *Registry) Test(ctx context.Context, key string) bool {
	p, ok := r.Get(key)
	if !ok {
		return false
	}
	return p.Probe(ctx)
}

// Len returns the number of live pools, counting the global pool.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.pools)
	if r.global != nil {
		n++
	}
	return n
}
