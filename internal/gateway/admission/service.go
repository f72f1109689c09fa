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

// Package admission orchestrates the issue/verify/allow state machine of
// spec.md §4.5, wiring together challenge.Builder, the Store, the
// AllowanceCache, and assets.Engine. Nothing outside this package decides
// whether a client is let through.
package admission

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/assets"
	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/audit"
	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/cache"
	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/challenge"
	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/gwerrors"
	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/metrics"
	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/store"
	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/workpool"
)

// maxIDCollisionRetries bounds the id-generation retry loop spec.md §4.5
// describes as an "invariant-preserving safeguard, not a performance path":
// a real collision here is astronomically unlikely.
const maxIDCollisionRetries = 8

// Config holds the tunables spec.md §6 exposes as CLI options, the ones
// this package's orchestration actually consumes.
type Config struct {
	TargetQuads      int
	ChallengeTimeout time.Duration
	AllowanceTimeout time.Duration
	APIURL           string
	JSFactorsURL     string
}

// cacheTTL is min(AllowanceTimeout, 120s) per spec.md §4.4.
func (c Config) cacheTTL() time.Duration {
	if c.AllowanceTimeout < 120*time.Second {
		return c.AllowanceTimeout
	}
	return 120 * time.Second
}

// Service implements the admission state machine.
type Service struct {
	store   store.Store
	cache   *cache.AllowanceCache
	builder *challenge.Builder
	assets  *assets.Engine
	metrics metrics.Recorder
	audit   audit.Sink
	pool    *workpool.Pool
	cfg     Config
}

// NewService wires a Service from its collaborators. rngSeed seeds the
// ChallengeBuilder; pass time.Now().UnixNano() in production and a fixed
// value in tests. aud may be nil, in which case granted allowances are not
// published anywhere. Challenge generation (CPU-bound trial multiplication,
// spec.md §5) runs on a small background workpool.Pool rather than inline
// on the goroutine handling the request, so a burst of worker-script
// fetches cannot starve the server's own accept/dispatch goroutines of
// scheduling time.
func NewService(s store.Store, cfg Config, rngSeed int64, rec metrics.Recorder, aud audit.Sink) *Service {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Service{
		store:   s,
		cache:   cache.New(cfg.cacheTTL()),
		builder: challenge.NewBuilder(rngSeed),
		assets:  assets.New(),
		metrics: rec,
		audit:   aud,
		pool:    workpool.New(runtime.GOMAXPROCS(0)),
		cfg:     cfg,
	}
}

// Check reports whether (clientIP, boundPort) currently holds a valid
// allowance, consulting the AllowanceCache before falling through to the
// durable Store.
func (s *Service) Check(ctx context.Context, clientIP string, boundPort int) (bool, error) {
	if s.cache.Contains(clientIP, boundPort) {
		s.metrics.IncAllowed()
		return true, nil
	}

	ok, err := s.store.AllowanceContains(ctx, clientIP, boundPort, s.cfg.AllowanceTimeout)
	if err != nil {
		return false, gwerrors.Store("admission.check", err)
	}
	if ok {
		s.cache.Insert(clientIP, boundPort)
		s.metrics.IncAllowed()
	}
	return ok, nil
}

// IssueHTML mints a PendingDispatch for boundPort and renders the HTML
// shell pointing at the worker endpoint for that pending id.
func (s *Service) IssueHTML(ctx context.Context, boundPort int) ([]byte, error) {
	pendingID := uuid.NewString()
	if err := s.store.PendingDispatchInsert(ctx, pendingID, boundPort); err != nil {
		return nil, gwerrors.Store("admission.issue_html", err)
	}
	jsURL := fmt.Sprintf("%s?id=%s", s.cfg.JSFactorsURL, pendingID)
	return s.assets.RenderShell(jsURL), nil
}

// IssueWorker consumes the PendingDispatch for pendingID, builds a fresh
// challenge bound to clientIP and the dispatch's port, and renders the
// worker script for it.
func (s *Service) IssueWorker(ctx context.Context, clientIP string, pendingID string) ([]byte, error) {
	boundPort, ok, err := s.store.PendingDispatchTake(ctx, pendingID, s.cfg.ChallengeTimeout)
	if err != nil {
		return nil, gwerrors.Store("admission.issue_worker", err)
	}
	if !ok {
		return nil, gwerrors.Internal("admission.issue_worker", fmt.Errorf("unknown or expired pending id %q", pendingID))
	}

	type built struct {
		encoded []byte
		factors string
	}
	resultCh, err := workpool.Do(s.pool, func() built {
		_, encoded, factors := s.builder.Generate(s.cfg.TargetQuads)
		return built{encoded: encoded, factors: factors}
	})
	if err != nil {
		return nil, gwerrors.Internal("admission.issue_worker", err)
	}
	var b built
	select {
	case b = <-resultCh:
	case <-ctx.Done():
		return nil, gwerrors.Internal("admission.issue_worker", ctx.Err())
	}
	encoded, factors := b.encoded, b.factors
	digest := challenge.Digest(factors)

	challengeID, err := s.newUniqueChallengeID(ctx)
	if err != nil {
		return nil, err
	}

	rec := store.ChallengeRecord{
		ID:            challengeID,
		ClientIP:      clientIP,
		BoundPort:     boundPort,
		FactorsDigest: digest,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.ChallengeInsert(ctx, rec); err != nil {
		return nil, gwerrors.Store("admission.issue_worker", err)
	}

	s.metrics.IncIssued()
	return s.assets.RenderWorker(s.cfg.APIURL, encoded, challengeID), nil
}

// newUniqueChallengeID implements the collision-handling recipe of
// spec.md §4.5: draw entropy, mix with seq + salt, BLAKE3, redraw on a
// Store collision.
func (s *Service) newUniqueChallengeID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxIDCollisionRetries; attempt++ {
		seq, err := s.store.NextSeq(ctx)
		if err != nil {
			return "", gwerrors.Store("admission.newUniqueChallengeID", err)
		}
		id, err := generateID(seq)
		if err != nil {
			return "", gwerrors.Internal("admission.newUniqueChallengeID", err)
		}
		exists, err := s.store.ChallengeExists(ctx, id)
		if err != nil {
			return "", gwerrors.Store("admission.newUniqueChallengeID", err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", gwerrors.Internal("admission.newUniqueChallengeID", fmt.Errorf("exhausted %d collision retries", maxIDCollisionRetries))
}

// Verify validates factors against the challenge identified by id, binds it
// to clientIP, and on success grants an allowance. The returned error, if
// non-nil, is always a *gwerrors.Error suitable for mapping to a status
// code at the HTTP boundary; a nil error means "200 Correct".
func (s *Service) Verify(ctx context.Context, clientIP string, id string, factors string) error {
	if err := challenge.ValidateFactors(factors); err != nil {
		s.metrics.IncRejected()
		return gwerrors.Validation("admission.verify", err)
	}

	digest := challenge.Digest(factors)
	ip, boundPort, ok, err := s.store.ChallengeTake(ctx, id, digest, s.cfg.ChallengeTimeout)
	if err != nil {
		s.metrics.IncRejected()
		return gwerrors.Store("admission.verify", err)
	}
	if !ok {
		s.metrics.IncRejected()
		return gwerrors.Validation("admission.verify", fmt.Errorf("no matching challenge for id %q", id))
	}
	if ip != clientIP {
		s.metrics.IncRejected()
		return gwerrors.Validation("admission.verify", fmt.Errorf("challenge bound to %q, request from %q", ip, clientIP))
	}

	if err := s.store.AllowanceInsert(ctx, ip, boundPort); err != nil {
		s.metrics.IncRejected()
		return gwerrors.Store("admission.verify", err)
	}
	s.cache.Insert(ip, boundPort)
	s.metrics.IncVerified()
	if s.audit != nil {
		s.audit.Publish(audit.AllowanceGranted{ClientIP: ip, BoundPort: boundPort, GrantedAt: time.Now().UTC()})
	}
	return nil
}

// StartReaper starts the AllowanceCache's background reap loop. Call once
// at startup; call StopReaper at shutdown.
func (s *Service) StartReaper() { s.cache.StartReaper() }

// StopReaper stops the AllowanceCache's background reap loop and drains the
// challenge-generation workpool.
func (s *Service) StopReaper() {
	s.cache.StopReaper()
	s.pool.Stop()
}
