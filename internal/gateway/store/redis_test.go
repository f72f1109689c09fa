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
	"strings"
	"testing"
	"time"
)

// fakeEvaler is an in-memory stand-in for RedisEvaler that interprets just
// enough of each Lua script's intent to drive the Store contract, keyed off
// which script text was passed (the same scripts RedisStore itself embeds).
type fakeEvaler struct {
	hashes map[string]map[string]string
	kv     map[string]string
	exist  map[string]bool
}

func newFakeEvaler() *fakeEvaler {
	return &fakeEvaler{
		hashes: make(map[string]map[string]string),
		kv:     make(map[string]string),
		exist:  make(map[string]bool),
	}
}

func (f *fakeEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	key := keys[0]
	switch {
	case strings.Contains(script, "'INCR'"):
		var n int64
		if v, ok := f.kv[key]; ok {
			n, _ = toInt64(v)
		}
		n++
		if n > 2147483647 {
			n = 1
		}
		f.kv[key] = itoa(n)
		return n, nil
	case strings.Contains(script, "return redis.call('EXISTS', KEYS[1])"):
		if f.exist[key] {
			return int64(1), nil
		}
		return int64(0), nil
	case strings.Contains(script, "'digest'") && strings.Contains(script, "HSET"):
		if f.exist[key] {
			return int64(0), nil
		}
		f.exist[key] = true
		f.hashes[key] = map[string]string{
			"ip":         args[0].(string),
			"port":       itoa(int64(args[1].(int))),
			"digest":     args[2].(string),
			"created_at": itoa(args[3].(int64)),
		}
		return int64(1), nil
	case strings.Contains(script, "'digest'") && strings.Contains(script, "HGETALL"):
		h, ok := f.hashes[key]
		if !ok {
			return []interface{}{}, nil
		}
		timeout := args[0].(int64)
		now := args[1].(int64)
		created, _ := toInt64(h["created_at"])
		if now-created >= timeout {
			delete(f.hashes, key)
			delete(f.exist, key)
			return []interface{}{}, nil
		}
		if h["digest"] != args[2].(string) {
			return []interface{}{}, nil
		}
		delete(f.hashes, key)
		delete(f.exist, key)
		return []interface{}{h["ip"], h["port"]}, nil
	case strings.Contains(script, "'port', ARGV[1], 'created_at'"):
		if f.exist[key] {
			return int64(0), nil
		}
		f.exist[key] = true
		f.hashes[key] = map[string]string{
			"port":       itoa(int64(args[0].(int))),
			"created_at": itoa(args[1].(int64)),
		}
		return int64(1), nil
	case strings.Contains(script, "local created = tonumber(m['created_at'])") && strings.Contains(script, "return {m['port']}"):
		h, ok := f.hashes[key]
		if !ok {
			return []interface{}{}, nil
		}
		timeout := args[0].(int64)
		now := args[1].(int64)
		created, _ := toInt64(h["created_at"])
		if now-created >= timeout {
			delete(f.hashes, key)
			delete(f.exist, key)
			return []interface{}{}, nil
		}
		delete(f.hashes, key)
		delete(f.exist, key)
		return []interface{}{h["port"]}, nil
	case strings.Contains(script, "redis.call('SET', KEYS[1], ARGV[1])\nredis.call('EXPIRE'"):
		f.kv[key] = itoa(args[0].(int64))
		f.exist[key] = true
		return int64(1), nil
	case strings.Contains(script, "local granted = tonumber(v)"):
		v, ok := f.kv[key]
		if !ok {
			return int64(0), nil
		}
		timeout := args[0].(int64)
		now := args[1].(int64)
		granted, _ := toInt64(v)
		if now-granted >= timeout {
			delete(f.kv, key)
			return int64(0), nil
		}
		return int64(1), nil
	}
	return nil, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func TestRedisStore_NextSeq(t *testing.T) {
	s := NewRedisStore(newFakeEvaler())
	v, err := s.NextSeq(context.Background())
	if err != nil || v != 1 {
		t.Fatalf("expected 1, got %d (err=%v)", v, err)
	}
	v, err = s.NextSeq(context.Background())
	if err != nil || v != 2 {
		t.Fatalf("expected 2, got %d (err=%v)", v, err)
	}
}

func TestRedisStore_ChallengeInsertTake(t *testing.T) {
	ctx := context.Background()
	s := NewRedisStore(newFakeEvaler())
	digest := [32]byte{1, 2, 3}
	rec := ChallengeRecord{ID: "id-1", ClientIP: "3.3.3.3", BoundPort: 80, FactorsDigest: digest, CreatedAt: time.Now().UTC()}

	if err := s.ChallengeInsert(ctx, rec); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := s.ChallengeInsert(ctx, rec); err == nil {
		t.Fatalf("expected duplicate insert to fail")
	}

	ip, port, ok, err := s.ChallengeTake(ctx, "id-1", digest, time.Minute)
	if err != nil || !ok || ip != "3.3.3.3" || port != 80 {
		t.Fatalf("unexpected: ip=%q port=%d ok=%v err=%v", ip, port, ok, err)
	}
	_, _, ok, err = s.ChallengeTake(ctx, "id-1", digest, time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second take to miss")
	}
}

func TestRedisStore_AllowanceInsertContains(t *testing.T) {
	ctx := context.Background()
	s := NewRedisStore(newFakeEvaler())
	ok, err := s.AllowanceContains(ctx, "4.4.4.4", 443, time.Minute)
	if err != nil || ok {
		t.Fatalf("expected no allowance yet")
	}
	if err := s.AllowanceInsert(ctx, "4.4.4.4", 443); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	ok, err = s.AllowanceContains(ctx, "4.4.4.4", 443, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected allowance present")
	}
}

func TestRedisStore_PendingDispatch(t *testing.T) {
	ctx := context.Background()
	s := NewRedisStore(newFakeEvaler())
	if err := s.PendingDispatchInsert(ctx, "uuid-9", 5050); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	port, ok, err := s.PendingDispatchTake(ctx, "uuid-9", time.Minute)
	if err != nil || !ok || port != 5050 {
		t.Fatalf("unexpected: port=%d ok=%v err=%v", port, ok, err)
	}
	_, ok, err = s.PendingDispatchTake(ctx, "uuid-9", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second take to miss")
	}
}

// TestRedisStore_PendingDispatchTake_ExpiresByAge guards against the
// challengeTimeout parameter being ignored: a dispatch is due for sweep the
// instant its age reaches challengeTimeout, regardless of the 24h fallback
// EXPIRE set at insert time.
func TestRedisStore_PendingDispatchTake_ExpiresByAge(t *testing.T) {
	ctx := context.Background()
	s := NewRedisStore(newFakeEvaler())
	if err := s.PendingDispatchInsert(ctx, "uuid-stale", 7070); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	port, ok, err := s.PendingDispatchTake(ctx, "uuid-stale", 0)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if ok {
		t.Fatalf("expected a zero challengeTimeout to treat the dispatch as already expired, got port=%d", port)
	}
}
