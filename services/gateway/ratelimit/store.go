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
	"time"
)

// Window is the fixed-window counter of one identity.
type Window struct {
	// Count is the number of requests seen in the current window, including
	// the one that produced this value.
	Count int64

	// Start is when the current window opened.
	Start time.Time

	// LastSeen is the time of the most recent increment.
	LastSeen time.Time
}

// Store holds rate windows keyed by identity.
//
// # Description
//
// Implementations must make Increment atomic per key: two concurrent calls
// for the same key observe distinct counts. Unrelated keys must not contend
// on a single lock.
type Store interface {
	// Increment counts one request for key. A window older than size is
	// replaced by a fresh one starting at now.
	Increment(ctx context.Context, key string, size time.Duration, now time.Time) (Window, error)

	// Get returns the current window for key without counting. A window
	// older than size is reported as absent.
	Get(ctx context.Context, key string, size time.Duration, now time.Time) (Window, bool, error)

	// Evict removes windows not touched since idleBefore and returns how
	// many were removed.
	Evict(ctx context.Context, idleBefore time.Time) (int, error)

	// Close releases the store's resources.
	Close() error
}
