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

package cache

import (
	"testing"
	"time"
)

func TestAllowanceCache_InsertContains(t *testing.T) {
	c := New(time.Minute)
	if c.Contains("1.2.3.4", 8080) {
		t.Fatalf("expected no entry before insert")
	}
	c.Insert("1.2.3.4", 8080)
	if !c.Contains("1.2.3.4", 8080) {
		t.Fatalf("expected entry after insert")
	}
	if c.Contains("1.2.3.4", 9090) {
		t.Fatalf("entry must be scoped to the exact port")
	}
}

func TestAllowanceCache_TTLExpiry(t *testing.T) {
	now := time.Now()
	c := New(30 * time.Second)
	c.now = func() time.Time { return now }

	c.Insert("5.6.7.8", 443)
	if !c.Contains("5.6.7.8", 443) {
		t.Fatalf("expected entry to be live immediately after insert")
	}

	now = now.Add(29 * time.Second)
	if !c.Contains("5.6.7.8", 443) {
		t.Fatalf("expected entry to still be live just under the TTL")
	}

	now = now.Add(2 * time.Second)
	if c.Contains("5.6.7.8", 443) {
		t.Fatalf("expected entry to expire once its age reaches the TTL")
	}
	if c.Len() != 0 {
		t.Fatalf("expected Contains to reap the expired entry, got len=%d", c.Len())
	}
}

func TestAllowanceCache_MaybeReap(t *testing.T) {
	now := time.Now()
	c := New(time.Hour) // ttl is irrelevant to maybe_reap's full-clear gate
	c.now = func() time.Time { return now }
	c.reapInterval = time.Second

	c.Insert("a", 1)
	c.Insert("b", 2)

	c.MaybeReap()
	if c.Len() != 2 {
		t.Fatalf("expected maybe_reap to no-op before reapInterval has elapsed, got len=%d", c.Len())
	}

	now = now.Add(2 * time.Second)
	c.MaybeReap()
	if c.Len() != 0 {
		t.Fatalf("expected maybe_reap to fully clear once reapInterval has elapsed, got len=%d", c.Len())
	}
}

func TestAllowanceCache_StartStopReaper(t *testing.T) {
	c := New(time.Millisecond)
	c.reapInterval = time.Millisecond
	c.StartReaper()
	c.Insert("x", 1)
	time.Sleep(20 * time.Millisecond)
	c.StopReaper()
	c.StopReaper() // must be idempotent

	if c.Len() != 0 {
		t.Fatalf("expected background reaper to clear the expired entry, got len=%d", c.Len())
	}
}
