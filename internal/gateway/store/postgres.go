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
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS challenges (
//   id TEXT PRIMARY KEY,
//   client_ip TEXT NOT NULL,
//   bound_port INTEGER NOT NULL,
//   factors_digest TEXT NOT NULL,
//   created_at TIMESTAMPTZ NOT NULL
// );
//
// CREATE TABLE IF NOT EXISTS allowances (
//   client_ip TEXT NOT NULL,
//   bound_port INTEGER NOT NULL,
//   granted_at TIMESTAMPTZ NOT NULL,
//   PRIMARY KEY (client_ip, bound_port)
// );
//
// CREATE TABLE IF NOT EXISTS pending_dispatch (
//   id TEXT PRIMARY KEY,
//   bound_port INTEGER NOT NULL,
//   created_at TIMESTAMPTZ NOT NULL
// );
//
// CREATE TABLE IF NOT EXISTS seq_counter (
//   singleton BOOLEAN PRIMARY KEY DEFAULT TRUE,
//   value BIGINT NOT NULL
// );

// PostgresStore is a Store backed by a *sql.DB. It takes the connection as
// given and never imports a concrete driver package, matching the teacher's
// own postgres.go, which leaves driver selection ("lib/pq", "pgx", ...) to
// the caller importing it for side effects.
//
// Every Store method that must be atomic runs inside a single serializable
// transaction, following the teacher's "applied-marker + conditional
// UPDATE" idiom: a row visible to one transaction and deleted by it is never
// visible to a concurrent transaction once both commit, because Postgres
// detects and aborts the loser of the write-write conflict.
type PostgresStore struct {
	db             *sql.DB
	defaultTimeout time.Duration
}

// NewPostgresStore wraps db. The caller is responsible for having created
// the schema above and for importing a driver package.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, defaultTimeout: 10 * time.Second}
}

func (p *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || p.defaultTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.defaultTimeout)
}

func (p *PostgresStore) NextSeq(ctx context.Context) (uint32, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("store/postgres: next_seq: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO seq_counter(singleton, value) VALUES (TRUE, 0) ON CONFLICT DO NOTHING`); err != nil {
		return 0, fmt.Errorf("store/postgres: next_seq: seed: %w", err)
	}

	var val int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE seq_counter SET value = CASE WHEN value >= 2147483647 THEN 1 ELSE value + 1 END WHERE singleton = TRUE RETURNING value`,
	).Scan(&val); err != nil {
		return 0, fmt.Errorf("store/postgres: next_seq: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store/postgres: next_seq: commit: %w", err)
	}
	return uint32(val), nil
}

func (p *PostgresStore) ChallengeExists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM challenges WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store/postgres: challenge_exists: %w", err)
	}
	return exists, nil
}

func (p *PostgresStore) ChallengeInsert(ctx context.Context, rec ChallengeRecord) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO challenges(id, client_ip, bound_port, factors_digest, created_at) VALUES ($1,$2,$3,$4,$5)`,
		rec.ID, rec.ClientIP, rec.BoundPort, hex.EncodeToString(rec.FactorsDigest[:]), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("store/postgres: challenge_insert: %w", err)
	}
	return nil
}

func (p *PostgresStore) ChallengeTake(ctx context.Context, id string, factorsDigest [32]byte, challengeTimeout time.Duration) (string, int, bool, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", 0, false, fmt.Errorf("store/postgres: challenge_take: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := time.Now().UTC().Add(-challengeTimeout)
	if _, err := tx.ExecContext(ctx, `DELETE FROM challenges WHERE created_at <= $1`, cutoff); err != nil {
		return "", 0, false, fmt.Errorf("store/postgres: challenge_take: sweep: %w", err)
	}

	var clientIP string
	var boundPort int
	err = tx.QueryRowContext(ctx,
		`DELETE FROM challenges WHERE id = $1 AND factors_digest = $2 RETURNING client_ip, bound_port`,
		id, hex.EncodeToString(factorsDigest[:]),
	).Scan(&clientIP, &boundPort)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return "", 0, false, fmt.Errorf("store/postgres: challenge_take: commit: %w", err)
		}
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("store/postgres: challenge_take: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", 0, false, fmt.Errorf("store/postgres: challenge_take: commit: %w", err)
	}
	return clientIP, boundPort, true, nil
}

func (p *PostgresStore) AllowanceInsert(ctx context.Context, clientIP string, boundPort int) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
INSERT INTO allowances(client_ip, bound_port, granted_at) VALUES ($1,$2,$3)
ON CONFLICT (client_ip, bound_port) DO UPDATE SET granted_at = EXCLUDED.granted_at
`, clientIP, boundPort, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store/postgres: allowance_insert: %w", err)
	}
	return nil
}

func (p *PostgresStore) AllowanceContains(ctx context.Context, clientIP string, boundPort int, allowanceTimeout time.Duration) (bool, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	cutoff := time.Now().UTC().Add(-allowanceTimeout)
	if _, err := p.db.ExecContext(ctx, `DELETE FROM allowances WHERE granted_at <= $1`, cutoff); err != nil {
		return false, fmt.Errorf("store/postgres: allowance_contains: sweep: %w", err)
	}

	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM allowances WHERE client_ip = $1 AND bound_port = $2)`,
		clientIP, boundPort,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store/postgres: allowance_contains: %w", err)
	}
	return exists, nil
}

func (p *PostgresStore) PendingDispatchInsert(ctx context.Context, id string, boundPort int) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO pending_dispatch(id, bound_port, created_at) VALUES ($1,$2,$3)`,
		id, boundPort, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store/postgres: pending_dispatch_insert: %w", err)
	}
	return nil
}

func (p *PostgresStore) PendingDispatchTake(ctx context.Context, id string, challengeTimeout time.Duration) (int, bool, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, false, fmt.Errorf("store/postgres: pending_dispatch_take: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := time.Now().UTC().Add(-challengeTimeout)
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_dispatch WHERE created_at <= $1`, cutoff); err != nil {
		return 0, false, fmt.Errorf("store/postgres: pending_dispatch_take: sweep: %w", err)
	}

	var boundPort int
	err = tx.QueryRowContext(ctx, `DELETE FROM pending_dispatch WHERE id = $1 RETURNING bound_port`, id).Scan(&boundPort)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return 0, false, fmt.Errorf("store/postgres: pending_dispatch_take: commit: %w", err)
		}
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store/postgres: pending_dispatch_take: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("store/postgres: pending_dispatch_take: commit: %w", err)
	}
	return boundPort, true, nil
}
