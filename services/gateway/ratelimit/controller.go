// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit implements per-identity admission control.
//
// # Description
//
// The Controller counts requests in fixed windows per client identity and
// returns ALLOW or DENY. Clients approaching the limit are slowed down by
// a speed limiter before they are denied. Counts live in a Store: sharded
// memory for single replicas, Redis when replicas must share limits.
//
// A failing Store never blocks traffic. The Controller fails open and logs
// the outage as a high-severity event.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Decision labels reported to the Observer.
const (
	DecisionAllow    = "allow"
	DecisionDelay    = "delay"
	DecisionDeny     = "deny"
	DecisionFailOpen = "fail_open"
)

// Config holds the limiter parameters.
type Config struct {
	// Window is the fixed window length. Default: 60s.
	Window time.Duration

	// MaxRequests is the number of requests admitted per window. Default: 100.
	MaxRequests int64

	// DelayAfter is the count after which requests are slowed. Zero disables
	// the speed limiter.
	DelayAfter int64

	// DelayStep is added for every request beyond DelayAfter.
	DelayStep time.Duration

	// MaxDelay caps the artificial delay.
	MaxDelay time.Duration

	// IdleTTL is how long an untouched window is kept by the janitor.
	IdleTTL time.Duration
}

// Decision is the outcome of Admit.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
	Delay      time.Duration
	FailOpen   bool
}

// Label returns the decision's metrics label.
func (d Decision) Label() string {
	switch {
	case d.FailOpen:
		return DecisionFailOpen
	case !d.Allowed:
		return DecisionDeny
	case d.Delay > 0:
		return DecisionDelay
	default:
		return DecisionAllow
	}
}

// Observer receives every decision.
type Observer interface {
	RecordRateDecision(decision string)
}

// Controller makes admission decisions.
//
// # Thread Safety
//
// Safe for concurrent use; all shared state is in the Store.
type Controller struct {
	store    Store
	cfg      Config
	observer Observer
	failLog  rate.Sometimes
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver reports decisions to o.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// NewController creates a Controller over store.
func NewController(store Store, cfg Config, opts ...Option) *Controller {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 100
	}
	if cfg.IdleTTL < cfg.Window {
		cfg.IdleTTL = cfg.Window
	}
	c := &Controller{
		store:   store,
		cfg:     cfg,
		failLog: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Admit counts one request for identity and decides whether to serve it.
//
// # Description
//
// The counter is incremented before the decision, so denied requests and
// requests later rejected downstream both count. The (MaxRequests+1)-th
// request of a window is denied with RetryAfter set to the time left in
// the window.
//
// # Inputs
//
//   - ctx: Bounds the Store call.
//   - identity: Client identity key.
//   - now: Decision time.
//
// # Outputs
//
//   - Decision: Never an error. A Store failure yields Allowed with FailOpen.
func (c *Controller) Admit(ctx context.Context, identity string, now time.Time) Decision {
	w, err := c.store.Increment(ctx, identity, c.cfg.Window, now)
	if err != nil {
		c.failLog.Do(func() {
			slog.Error("Rate limit store unavailable, failing open",
				"severity", "high",
				"identity", identity,
				"error", err)
		})
		d := Decision{Allowed: true, Limit: c.cfg.MaxRequests, Remaining: c.cfg.MaxRequests, FailOpen: true}
		c.observe(d)
		return d
	}

	resetAt := w.Start.Add(c.cfg.Window)
	left := resetAt.Sub(now)
	if left <= 0 {
		left = time.Millisecond
	}

	d := Decision{
		Allowed:   w.Count <= c.cfg.MaxRequests,
		Limit:     c.cfg.MaxRequests,
		Remaining: max(c.cfg.MaxRequests-w.Count, 0),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = left
	} else {
		d.Delay = c.delayFor(w.Count, left)
	}
	c.observe(d)
	return d
}

// delayFor applies the speed limiter: DelayStep per request past DelayAfter,
// capped by MaxDelay and by the time left in the window.
func (c *Controller) delayFor(count int64, left time.Duration) time.Duration {
	if c.cfg.DelayAfter <= 0 || c.cfg.DelayStep <= 0 || count <= c.cfg.DelayAfter {
		return 0
	}
	delay := time.Duration(count-c.cfg.DelayAfter) * c.cfg.DelayStep
	if c.cfg.MaxDelay > 0 {
		delay = min(delay, c.cfg.MaxDelay)
	}
	return min(delay, left)
}

func (c *Controller) observe(d Decision) {
	if c.observer != nil {
		c.observer.RecordRateDecision(d.Label())
	}
}

// RunJanitor evicts idle windows every interval until ctx is cancelled.
// It returns nil on cancellation.
func (c *Controller) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = c.cfg.IdleTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			removed, err := c.store.Evict(ctx, now.Add(-c.cfg.IdleTTL))
			if err != nil && ctx.Err() == nil {
				slog.Warn("Rate window eviction failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Debug("Evicted idle rate windows", "count", removed)
			}
		}
	}
}
