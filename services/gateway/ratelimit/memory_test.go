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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_IncrementAndExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	w, err := s.Increment(ctx, "a", time.Minute, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Count)
	assert.Equal(t, t0, w.Start)

	w, _ = s.Increment(ctx, "a", time.Minute, t0.Add(59*time.Second))
	assert.Equal(t, int64(2), w.Count)
	assert.Equal(t, t0, w.Start)
	assert.Equal(t, t0.Add(59*time.Second), w.LastSeen)

	w, _ = s.Increment(ctx, "a", time.Minute, t0.Add(time.Minute))
	assert.Equal(t, int64(1), w.Count)
	assert.Equal(t, t0.Add(time.Minute), w.Start)
}

func TestMemoryStore_GetHidesExpiredWindows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "a", time.Minute, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _ = s.Increment(ctx, "a", time.Minute, t0)
	w, ok, _ := s.Get(ctx, "a", time.Minute, t0.Add(time.Second))
	assert.True(t, ok)
	assert.Equal(t, int64(1), w.Count)

	_, ok, _ = s.Get(ctx, "a", time.Minute, t0.Add(2*time.Minute))
	assert.False(t, ok)
}

func TestMemoryStore_Evict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := range 100 {
		_, _ = s.Increment(ctx, fmt.Sprintf("old-%d", i), time.Minute, t0)
	}
	_, _ = s.Increment(ctx, "fresh", time.Minute, t0.Add(10*time.Minute))
	require.Equal(t, 101, s.Len())

	removed, err := s.Evict(ctx, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 100, removed)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_ConcurrentIncrementsAreDistinct(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	const workers, perWorker = 16, 200

	var wg sync.WaitGroup
	seen := make([]map[int64]bool, workers)
	for i := range workers {
		seen[i] = make(map[int64]bool)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for range perWorker {
				w, _ := s.Increment(ctx, "shared", time.Hour, t0)
				seen[i][w.Count] = true
				_, _ = s.Increment(ctx, fmt.Sprintf("own-%d", i), time.Hour, t0)
			}
		}(i)
	}
	wg.Wait()

	all := make(map[int64]bool)
	for _, m := range seen {
		for n := range m {
			assert.False(t, all[n], "count %d observed twice", n)
			all[n] = true
		}
	}
	assert.Len(t, all, workers*perWorker)
	assert.Equal(t, workers+1, s.Len())
}

func BenchmarkMemoryStore_Increment(b *testing.B) {
	s := NewMemoryStore()
	ctx := context.Background()
	keys := make([]string, 1024)
	for i := range keys {
		keys[i] = fmt.Sprintf("ip:10.0.%d.%d", i/256, i%256)
	}
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = s.Increment(ctx, keys[i%len(keys)], time.Minute, t0)
			i++
		}
	})
}
