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
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisEvaler abstracts the minimal surface a Redis client needs for this
// package: the ability to run a Lua script. Keeping the Store implementation
// behind this one-method interface, rather than the full go-redis Cmdable,
// is the same seam the teacher's persistence package used to let a demo run
// without a live broker.
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// GoRedisEvaler wraps a real github.com/redis/go-redis/v9 client.
type GoRedisEvaler struct{ c redis.Cmdable }

// NewGoRedisEvaler wraps an existing go-redis client or cluster client.
func NewGoRedisEvaler(c redis.Cmdable) *GoRedisEvaler { return &GoRedisEvaler{c: c} }

func (g *GoRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

// RedisStore is a Store backed by Redis. Every operation that spec.md §4.3
// requires to be atomic runs as a single Lua EVAL, exactly the pattern the
// teacher's RedisPersister used (SETNX-guarded HINCRBY) — here generalized
// from "idempotent counter decrement" to "issue once, consume at most once".
//
// Every key is written with a fixed 24-hour native EXPIRE, not the
// caller's timeout. ChallengeTake, PendingDispatchTake and
// AllowanceContains enforce the real timeout in their Lua scripts: the key
// being read is deleted and reported missing when "now - created_at >=
// timeout" (granted_at for allowances). Only that one key is checked;
// other expired keys are not swept and stay until their 24-hour EXPIRE.
type RedisStore struct {
	eval RedisEvaler
}

// NewRedisStore returns a Store using the given evaler.
func NewRedisStore(eval RedisEvaler) *RedisStore {
	return &RedisStore{eval: eval}
}

const (
	redisSeqKey          = "pma:seq"
	redisChallengePrefix = "pma:challenge:"
	redisAllowancePrefix = "pma:allowance:"
	redisPendingPrefix   = "pma:pending:"
)

func challengeKey(id string) string { return redisChallengePrefix + id }
func allowanceKeyStr(ip string, port int) string {
	return fmt.Sprintf("%s%s:%d", redisAllowancePrefix, ip, port)
}
func pendingKey(id string) string { return redisPendingPrefix + id }

// nextSeqScript increments a counter and wraps it from 2^31-1 back to 1,
// returning the new value. Done in Lua so the read-increment-wrap-store
// sequence cannot race with a concurrent caller.
const nextSeqScript = `
local v = redis.call('INCR', KEYS[1])
if v > 2147483647 then
  redis.call('SET', KEYS[1], 1)
  return 1
end
return v
`

func (s *RedisStore) NextSeq(ctx context.Context) (uint32, error) {
	v, err := s.eval.Eval(ctx, nextSeqScript, []string{redisSeqKey})
	if err != nil {
		return 0, fmt.Errorf("store/redis: next_seq: %w", err)
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, fmt.Errorf("store/redis: next_seq: %w", err)
	}
	return uint32(n), nil
}

func (s *RedisStore) ChallengeExists(ctx context.Context, id string) (bool, error) {
	v, err := s.eval.Eval(ctx, `return redis.call('EXISTS', KEYS[1])`, []string{challengeKey(id)})
	if err != nil {
		return false, fmt.Errorf("store/redis: challenge_exists: %w", err)
	}
	n, err := toInt64(v)
	return n == 1, err
}

// challengeInsertScript fails (returns 0) if the key already exists,
// otherwise writes the record as a hash and sets its TTL in one round trip.
const challengeInsertScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'ip', ARGV[1], 'port', ARGV[2], 'digest', ARGV[3], 'created_at', ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return 1
`

func (s *RedisStore) ChallengeInsert(ctx context.Context, rec ChallengeRecord) error {
	key := challengeKey(rec.ID)
	v, err := s.eval.Eval(ctx, challengeInsertScript, []string{key},
		rec.ClientIP, rec.BoundPort, hex.EncodeToString(rec.FactorsDigest[:]), rec.CreatedAt.Unix(),
		// A generous fixed TTL keeps the demo working even if a caller
		// forgets to pass the real timeout through; ChallengeTake always
		// re-validates age against the caller-supplied challengeTimeout
		// regardless of this value.
		int64((24 * time.Hour).Seconds()),
	)
	if err != nil {
		return fmt.Errorf("store/redis: challenge_insert: %w", err)
	}
	n, err := toInt64(v)
	if err != nil {
		return fmt.Errorf("store/redis: challenge_insert: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store/redis: challenge id %q already exists", rec.ID)
	}
	return nil
}

// challengeTakeScript looks up the hash, checks its age and digest, and
// deletes-and-returns in the same script invocation so no other caller can
// observe the same row.
const challengeTakeScript = `
local h = redis.call('HGETALL', KEYS[1])
if #h == 0 then
  return {}
end
local m = {}
for i = 1, #h, 2 do
  m[h[i]] = h[i + 1]
end
local now = tonumber(ARGV[2])
local created = tonumber(m['created_at'])
if (now - created) >= tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
  return {}
end
if m['digest'] ~= ARGV[3] then
  return {}
end
redis.call('DEL', KEYS[1])
return {m['ip'], m['port']}
`

func (s *RedisStore) ChallengeTake(ctx context.Context, id string, factorsDigest [32]byte, challengeTimeout time.Duration) (string, int, bool, error) {
	v, err := s.eval.Eval(ctx, challengeTakeScript, []string{challengeKey(id)},
		int64(challengeTimeout.Seconds()), time.Now().UTC().Unix(), hex.EncodeToString(factorsDigest[:]))
	if err != nil {
		return "", 0, false, fmt.Errorf("store/redis: challenge_take: %w", err)
	}
	items, ok := v.([]interface{})
	if !ok || len(items) != 2 {
		return "", 0, false, nil
	}
	ip, _ := items[0].(string)
	portStr, _ := items[1].(string)
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false, fmt.Errorf("store/redis: challenge_take: bad port %q: %w", portStr, err)
	}
	return ip, port, true, nil
}

func (s *RedisStore) AllowanceInsert(ctx context.Context, clientIP string, boundPort int) error {
	key := allowanceKeyStr(clientIP, boundPort)
	_, err := s.eval.Eval(ctx, `
redis.call('SET', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`, []string{key}, time.Now().UTC().Unix(), int64((24 * time.Hour).Seconds()))
	if err != nil {
		return fmt.Errorf("store/redis: allowance_insert: %w", err)
	}
	return nil
}

func (s *RedisStore) AllowanceContains(ctx context.Context, clientIP string, boundPort int, allowanceTimeout time.Duration) (bool, error) {
	key := allowanceKeyStr(clientIP, boundPort)
	v, err := s.eval.Eval(ctx, `
local v = redis.call('GET', KEYS[1])
if not v then
  return 0
end
local now = tonumber(ARGV[2])
local granted = tonumber(v)
if (now - granted) >= tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
  return 0
end
return 1
`, []string{key}, int64(allowanceTimeout.Seconds()), time.Now().UTC().Unix())
	if err != nil {
		return false, fmt.Errorf("store/redis: allowance_contains: %w", err)
	}
	n, err := toInt64(v)
	return n == 1, err
}

// pendingInsertScript stores created_at alongside the port so
// pendingTakeScript can enforce challengeTimeout the same way
// challengeTakeScript does, rather than relying solely on the native
// EXPIRE (which only ever carried a generous fixed fallback, never the
// real challengeTimeout, and so never swept a dispatch by age per
// spec.md §3/§4.3).
const pendingInsertScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'port', ARGV[1], 'created_at', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`

func (s *RedisStore) PendingDispatchInsert(ctx context.Context, id string, boundPort int) error {
	v, err := s.eval.Eval(ctx, pendingInsertScript, []string{pendingKey(id)},
		boundPort, time.Now().UTC().Unix(),
		// A generous fixed TTL keeps the key from lingering forever if a
		// caller never takes it; pendingTakeScript always re-validates age
		// against the caller-supplied challengeTimeout regardless of this
		// value, same as challengeInsertScript/challengeTakeScript above.
		int64((24 * time.Hour).Seconds()),
	)
	if err != nil {
		return fmt.Errorf("store/redis: pending_dispatch_insert: %w", err)
	}
	n, err := toInt64(v)
	if err != nil {
		return fmt.Errorf("store/redis: pending_dispatch_insert: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store/redis: pending dispatch id %q already exists", id)
	}
	return nil
}

const pendingTakeScript = `
local h = redis.call('HGETALL', KEYS[1])
if #h == 0 then
  return {}
end
local m = {}
for i = 1, #h, 2 do
  m[h[i]] = h[i + 1]
end
local now = tonumber(ARGV[2])
local created = tonumber(m['created_at'])
if (now - created) >= tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
  return {}
end
redis.call('DEL', KEYS[1])
return {m['port']}
`

func (s *RedisStore) PendingDispatchTake(ctx context.Context, id string, challengeTimeout time.Duration) (int, bool, error) {
	v, err := s.eval.Eval(ctx, pendingTakeScript, []string{pendingKey(id)},
		int64(challengeTimeout.Seconds()), time.Now().UTC().Unix())
	if err != nil {
		return 0, false, fmt.Errorf("store/redis: pending_dispatch_take: %w", err)
	}
	items, ok := v.([]interface{})
	if !ok || len(items) != 1 {
		return 0, false, nil
	}
	portStr, _ := items[0].(string)
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, false, fmt.Errorf("store/redis: pending_dispatch_take: bad port %q: %w", portStr, err)
	}
	return port, true, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("store/redis: unexpected reply type %T", v)
	}
}
