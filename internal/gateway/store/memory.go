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

package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memoryAllowance is the in-memory shape of an AllowanceRecord.
type memoryAllowance struct {
	grantedAt time.Time
}

// memoryPending is the in-memory shape of a PendingDispatch.
type memoryPending struct {
	boundPort int
	createdAt time.Time
}

type allowanceKey struct {
	clientIP  string
	boundPort int
}

// MemoryStore is a single-process Store backed by plain maps guarded by one
// mutex. Single-writer serialization through the mutex is what gives every
// operation the linearizability spec.md §4.3 requires — the same trick the
// teacher's VSA Store gets for free from sync.Map, except here we need
// consistent whole-map iteration for the TTL sweeps, so a plain sync.Mutex
// replaces sync.Map.
type MemoryStore struct {
	mu sync.Mutex

	seq uint32

	challenges map[string]ChallengeRecord
	allowances map[allowanceKey]memoryAllowance
	pending    map[string]memoryPending

	now Clock
}

// NewMemoryStore returns a ready-to-use MemoryStore using the system clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(SystemClock)
}

// NewMemoryStoreWithClock is NewMemoryStore with an injectable clock, for
// deterministic TTL tests.
func NewMemoryStoreWithClock(now Clock) *MemoryStore {
	return &MemoryStore{
		challenges: make(map[string]ChallengeRecord),
		allowances: make(map[allowanceKey]memoryAllowance),
		pending:    make(map[string]memoryPending),
		now:        now,
	}
}

func (s *MemoryStore) NextSeq(_ context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if s.seq > 1<<31-1 {
		s.seq = 1
	}
	return s.seq, nil
}

func (s *MemoryStore) ChallengeExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.challenges[id]
	return ok, nil
}

func (s *MemoryStore) ChallengeInsert(_ context.Context, rec ChallengeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.challenges[rec.ID]; exists {
		return fmt.Errorf("store: challenge id %q already exists", rec.ID)
	}
	s.challenges[rec.ID] = rec
	return nil
}

func (s *MemoryStore) ChallengeTake(_ context.Context, id string, factorsDigest [32]byte, challengeTimeout time.Duration) (string, int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, rec := range s.challenges {
		if now.Sub(rec.CreatedAt) >= challengeTimeout {
			delete(s.challenges, k)
		}
	}

	rec, ok := s.challenges[id]
	if !ok || rec.FactorsDigest != factorsDigest {
		return "", 0, false, nil
	}
	delete(s.challenges, id)
	return rec.ClientIP, rec.BoundPort, true, nil
}

func (s *MemoryStore) AllowanceInsert(_ context.Context, clientIP string, boundPort int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowances[allowanceKey{clientIP, boundPort}] = memoryAllowance{grantedAt: s.now()}
	return nil
}

func (s *MemoryStore) AllowanceContains(_ context.Context, clientIP string, boundPort int, allowanceTimeout time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, rec := range s.allowances {
		if now.Sub(rec.grantedAt) >= allowanceTimeout {
			delete(s.allowances, k)
		}
	}

	rec, ok := s.allowances[allowanceKey{clientIP, boundPort}]
	if !ok {
		return false, nil
	}
	return now.Sub(rec.grantedAt) < allowanceTimeout, nil
}

func (s *MemoryStore) PendingDispatchInsert(_ context.Context, id string, boundPort int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[id]; exists {
		return fmt.Errorf("store: pending dispatch id %q already exists", id)
	}
	s.pending[id] = memoryPending{boundPort: boundPort, createdAt: s.now()}
	return nil
}

func (s *MemoryStore) PendingDispatchTake(_ context.Context, id string, challengeTimeout time.Duration) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, rec := range s.pending {
		if now.Sub(rec.createdAt) >= challengeTimeout {
			delete(s.pending, k)
		}
	}

	rec, ok := s.pending[id]
	if !ok {
		return 0, false, nil
	}
	delete(s.pending, id)
	return rec.boundPort, true, nil
}
