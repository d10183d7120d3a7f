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
	"hash/maphash"
	"sync"
	"time"
)

const shardCount = 64

type shard struct {
	mu      sync.Mutex
	windows map[string]*Window
}

// MemoryStore is a process-local Store.
//
// # Description
//
// Keys are spread over 64 shards, each with its own mutex, so requests from
// unrelated identities rarely share a lock. Windows are created on first use
// and removed by Evict.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryStore struct {
	seed   maphash.Seed
	shards [shardCount]shard
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{seed: maphash.MakeSeed()}
	for i := range s.shards {
		s.shards[i].windows = make(map[string]*Window)
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	return &s.shards[maphash.String(s.seed, key)%shardCount]
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, key string, size time.Duration, now time.Time) (Window, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok || !now.Before(w.Start.Add(size)) {
		w = &Window{Start: now}
		sh.windows[key] = w
	}
	w.Count++
	w.LastSeen = now
	return *w, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string, size time.Duration, now time.Time) (Window, bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok || !now.Before(w.Start.Add(size)) {
		return Window{}, false, nil
	}
	return *w, true, nil
}

// Evict implements Store.
func (s *MemoryStore) Evict(ctx context.Context, idleBefore time.Time) (int, error) {
	removed := 0
	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, w := range sh.windows {
			if w.LastSeen.Before(idleBefore) {
				delete(sh.windows, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of tracked identities.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
