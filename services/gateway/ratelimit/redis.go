// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces rate keys when no prefix is configured.
const DefaultRedisPrefix = "diagramgate:ratelimit:"

// incrementScript counts a hit and starts the window expiry on the first
// one. The PTTL check also repairs a key left without an expiry.
var incrementScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if n == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps rate windows in Redis so that replicas share limits.
//
// # Description
//
// Each identity is one integer key under the prefix. The key's TTL is the
// remaining window, so Redis evicts idle identities itself and Evict is a
// no-op.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	store := NewRedisStoreFromClient(client, cfg.Prefix)
	store.owned = true
	return store, nil
}

// NewRedisStoreFromClient wraps an existing client. Close does not close it.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Client returns the underlying client, used by the health probe.
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

func (s *RedisStore) key(identity string) string {
	return s.prefix + identity
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, size time.Duration, now time.Time) (Window, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{s.key(key)}, size.Milliseconds()).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("redis increment: %w", err)
	}
	if len(res) != 2 {
		return Window{}, fmt.Errorf("redis increment: unexpected reply length %d", len(res))
	}
	remaining := time.Duration(res[1]) * time.Millisecond
	return Window{
		Count:    res[0],
		Start:    now.Add(remaining - size),
		LastSeen: now,
	}, nil
}

// Get implements Store. Start is reconstructed from the key's TTL and
// LastSeen, which Redis does not track, is reported as now.
func (s *RedisStore) Get(ctx context.Context, key string, size time.Duration, now time.Time) (Window, bool, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, s.key(key))
	ttlCmd := pipe.PTTL(ctx, s.key(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Window{}, false, fmt.Errorf("redis get: %w", err)
	}

	count, err := getCmd.Int64()
	if errors.Is(err, redis.Nil) {
		return Window{}, false, nil
	}
	if err != nil {
		return Window{}, false, fmt.Errorf("redis get: %w", err)
	}
	w := Window{Count: count, LastSeen: now}
	if ttl := ttlCmd.Val(); ttl > 0 {
		w.Start = now.Add(ttl - size)
	}
	return w, true, nil
}

// Evict implements Store. Redis expires keys on its own.
func (s *RedisStore) Evict(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
