// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache holds a short-TTL, in-process layer in front of the durable
// store.AllowanceInsert/AllowanceContains pair, so a client that has already
// solved a challenge does not round-trip to Redis or Postgres on every
// request during its allowance window.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// defaultReapInterval matches the cadence the teacher's eviction loop uses
// for its own stale-entry sweep (core/worker.go's evictionLoop), scaled up
// because this cache's entries live for, at most, a couple of minutes.
const defaultReapInterval = time.Hour

// AllowanceCache is a single-mutex map[string]time.Time recording when a
// (clientIP, boundPort) pair last proved it held a valid allowance. It never
// talks to a Store directly — the admission service writes into it
// alongside the durable AllowanceInsert, and reads it before it reads
// through to the Store.
type AllowanceCache struct {
	mu      sync.Mutex
	entries map[string]time.Time

	ttl time.Duration
	now func() time.Time

	reapInterval time.Duration
	lastReap     time.Time
	stopChan     chan struct{}
	wg           sync.WaitGroup
	stopped      uint32
}

// New returns a cache whose entries are considered valid for ttl. Per
// spec.md, ttl is min(allowance_timeout, 120s) and is computed by the
// caller; this package only enforces whatever value it is given.
func New(ttl time.Duration) *AllowanceCache {
	c := &AllowanceCache{
		entries:      make(map[string]time.Time),
		ttl:          ttl,
		now:          time.Now,
		reapInterval: defaultReapInterval,
		stopChan:     make(chan struct{}),
	}
	c.lastReap = c.now()
	return c
}

func key(clientIP string, boundPort int) string {
	return fmt.Sprintf("%s:%d", clientIP, boundPort)
}

// Insert records that (clientIP, boundPort) is allowed as of now.
func (c *AllowanceCache) Insert(clientIP string, boundPort int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key(clientIP, boundPort)] = c.now()
}

// Contains reports whether (clientIP, boundPort) has a still-live entry. A
// false result does not mean the pair is disallowed — only that the caller
// must fall through to the durable Store.
func (c *AllowanceCache) Contains(clientIP string, boundPort int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[key(clientIP, boundPort)]
	if !ok {
		return false
	}
	if c.now().Sub(t) >= c.ttl {
		delete(c.entries, key(clientIP, boundPort))
		return false
	}
	return true
}

// MaybeReap runs a full clear of the cache, but only if the last reap was
// more than reapInterval ago -- the literal spec.md §4.4 mechanism, rather
// than a per-entry TTL sweep. Entries that have not yet expired are
// discarded along with the stale ones: this is a soft layer in front of the
// durable Store, so a cache miss just falls through to it. Safe to call
// concurrently with Insert/Contains.
func (c *AllowanceCache) MaybeReap() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if now.Sub(c.lastReap) < c.reapInterval {
		return
	}
	c.entries = make(map[string]time.Time)
	c.lastReap = now
}

// Len reports the number of entries currently held, including ones that are
// logically expired but not yet reaped. Intended for tests and metrics.
func (c *AllowanceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StartReaper launches a background goroutine that calls MaybeReap on a
// fixed tick, following the same Start/Stop/WaitGroup/atomic-stopped shape
// as the teacher's background Worker. MaybeReap itself gates the actual
// clear on reapInterval, so ticking more often than that is harmless.
func (c *AllowanceCache) StartReaper() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.MaybeReap()
			case <-c.stopChan:
				return
			}
		}
	}()
}

// StopReaper stops the background reaper started by StartReaper. Safe to
// call more than once, and safe to call if StartReaper was never called.
func (c *AllowanceCache) StopReaper() {
	if !atomic.CompareAndSwapUint32(&c.stopped, 0, 1) {
		return
	}
	close(c.stopChan)
	c.wg.Wait()
}
