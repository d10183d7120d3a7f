// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package render

import (
	"sync"
	"time"
)

// TypeStats summarizes dispatches of one diagram type.
type TypeStats struct {
	Successes   int64
	Failures    int64
	MeanLatency time.Duration
}

type typeCounters struct {
	successes    int64
	failures     int64
	totalLatency time.Duration
}

// Stats keeps per-type dispatch counters for the status endpoint.
type Stats struct {
	mu     sync.Mutex
	byType map[string]*typeCounters
}

// NewStats creates empty counters.
func NewStats() *Stats {
	return &Stats{byType: make(map[string]*typeCounters)}
}

// Record counts one dispatch. Mean latency covers successes only.
func (s *Stats) Record(diagramType string, success bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byType[diagramType]
	if !ok {
		c = &typeCounters{}
		s.byType[diagramType] = c
	}
	if success {
		c.successes++
		c.totalLatency += latency
	} else {
		c.failures++
	}
}

// Snapshot returns a copy of all counters.
func (s *Stats) Snapshot() map[string]TypeStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]TypeStats, len(s.byType))
	for t, c := range s.byType {
		ts := TypeStats{Successes: c.successes, Failures: c.failures}
		if c.successes > 0 {
			ts.MeanLatency = c.totalLatency / time.Duration(c.successes)
		}
		out[t] = ts
	}
	return out
}
