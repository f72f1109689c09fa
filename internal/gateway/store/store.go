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

// Package store defines the durable-state contract the admission service
// relies on, plus three backends: an in-memory mutex-guarded map (tests and
// single-instance deployments), a Redis-backed implementation using Lua
// scripts for the atomic compare-and-take operations, and a Postgres-backed
// implementation using serializable transactions. Any of the three satisfy
// the same Store interface, so the admission service never knows which one
// it is talking to.
package store

import (
	"context"
	"time"
)

// ChallengeRecord is the durable record created when a challenge is issued
// and consumed (deleted) on a successful, matching verify.
type ChallengeRecord struct {
	ID             string
	ClientIP       string
	BoundPort      int
	FactorsDigest  [32]byte
	CreatedAt      time.Time
}

// Store is the abstract persistence contract of spec.md §4.3. Every method
// is atomic with respect to concurrent callers; ChallengeTake in particular
// must let at most one concurrent caller observe a match for a given id.
type Store interface {
	// NextSeq returns a monotonically increasing counter, wrapping from
	// 2^31-1 back to 1. The first call returns 1.
	NextSeq(ctx context.Context) (uint32, error)

	// ChallengeExists reports whether a ChallengeRecord with this id is
	// currently stored.
	ChallengeExists(ctx context.Context, id string) (bool, error)

	// ChallengeInsert stores a new ChallengeRecord. It fails if id already
	// exists.
	ChallengeInsert(ctx context.Context, rec ChallengeRecord) error

	// ChallengeTake atomically: (a) deletes every record whose age has
	// reached challengeTimeout, (b) looks up id together with
	// factorsDigest, and (c) if found, deletes the row and returns its
	// (clientIP, boundPort); otherwise ok is false. Across any number of
	// concurrent callers racing the same id, at most one observes ok==true.
	ChallengeTake(ctx context.Context, id string, factorsDigest [32]byte, challengeTimeout time.Duration) (clientIP string, boundPort int, ok bool, err error)

	// AllowanceInsert upserts an AllowanceRecord for (clientIP, boundPort)
	// with grantedAt set to now.
	AllowanceInsert(ctx context.Context, clientIP string, boundPort int) error

	// AllowanceContains first sweeps entries older than allowanceTimeout,
	// then reports whether (clientIP, boundPort) is still allowed.
	AllowanceContains(ctx context.Context, clientIP string, boundPort int, allowanceTimeout time.Duration) (bool, error)

	// PendingDispatchInsert records that id was handed out on boundPort.
	// id must be unique.
	PendingDispatchInsert(ctx context.Context, id string, boundPort int) error

	// PendingDispatchTake atomically selects and deletes the pending
	// dispatch for id, first sweeping entries whose age has reached
	// challengeTimeout.
	PendingDispatchTake(ctx context.Context, id string, challengeTimeout time.Duration) (boundPort int, ok bool, err error)
}

// Clock abstracts "now" so tests can control sweep behavior deterministically.
type Clock func() time.Time

// SystemClock is the default Clock, backed by time.Now.
func SystemClock() time.Time { return time.Now().UTC() }
