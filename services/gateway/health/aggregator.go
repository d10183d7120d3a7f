// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health tracks the health of the gateway's dependencies.
//
// # Description
//
// An Aggregator polls every registered Probe on a fixed interval,
// independently of request traffic, and keeps one DependencyHealth record
// per dependency. The composite status served on /status is derived from
// those records on every read.
//
// # State Machine
//
//	UNKNOWN ──success──► HEALTHY
//	   │                    │
//	failure              failure
//	   ▼                    ▼
//	DEGRADED ──(failures ≥ threshold)──► UNHEALTHY
//	   ▲                                    │
//	   └───────────── success ──► HEALTHY ◄─┘
//
// With the default threshold of 1 a single failure moves a dependency
// straight to UNHEALTHY.
//
// # Thread Safety
//
// The poll loop is the only writer. Snapshot and Composite take a read lock
// and return copies.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Status
// =============================================================================

// Status is the health state of a dependency or of the whole gateway.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Level maps a status onto a gauge value: 0 unknown, 1 healthy,
// 2 degraded, 3 unhealthy.
func (s Status) Level() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 3
	default:
		return 0
	}
}

// DependencyHealth is the latest known state of one dependency.
type DependencyHealth struct {
	Name                string
	Critical            bool
	Status              Status
	LastCheck           time.Time
	LastError           string
	ConsecutiveFailures int
	Latency             time.Duration
}

// Probe checks one dependency. A nil error means the dependency is usable.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

// Check implements Probe.
func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

// Observer receives every status transition. Implemented by
// observability.Metrics.
type Observer interface {
	RecordDependencyStatus(name string, status Status)
}

// =============================================================================
// Aggregator
// =============================================================================

// Config controls polling.
type Config struct {
	// Interval between poll rounds. Default: 10s
	Interval time.Duration

	// ProbeTimeout bounds each probe. Default: 2s
	ProbeTimeout time.Duration

	// FailureThreshold is the number of consecutive failures after which a
	// dependency is UNHEALTHY. Default: 1
	FailureThreshold int
}

// DefaultConfig returns the default polling configuration.
func DefaultConfig() Config {
	return Config{
		Interval:         10 * time.Second,
		ProbeTimeout:     2 * time.Second,
		FailureThreshold: 1,
	}
}

type registration struct {
	probe Probe
	state DependencyHealth
}

// Aggregator polls probes and keeps the dependency table.
type Aggregator struct {
	cfg      Config
	observer Observer
	now      func() time.Time

	mu    sync.RWMutex
	order []string
	deps  map[string]*registration

	stopOnce sync.Once
	stop     chan struct{}
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithObserver reports status transitions to o.
func WithObserver(o Observer) Option {
	return func(a *Aggregator) { a.observer = o }
}

// NewAggregator creates an Aggregator. Zero config fields take defaults.
func NewAggregator(cfg Config, opts ...Option) *Aggregator {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	a := &Aggregator{
		cfg:  cfg,
		now:  time.Now,
		deps: make(map[string]*registration),
		stop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register adds a dependency in the UNKNOWN state. Registering a name twice
// replaces the probe and resets its state.
func (a *Aggregator) Register(name string, critical bool, probe Probe) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.deps[name]; !ok {
		a.order = append(a.order, name)
	}
	a.deps[name] = &registration{
		probe: probe,
		state: DependencyHealth{Name: name, Critical: critical, Status: StatusUnknown},
	}
	if a.observer != nil {
		a.observer.RecordDependencyStatus(name, StatusUnknown)
	}
}

// Start polls once immediately and then on every interval until ctx is
// cancelled or Stop is called. It always returns nil.
func (a *Aggregator) Start(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	slog.Info("Health aggregator started",
		"interval", a.cfg.Interval,
		"probe_timeout", a.cfg.ProbeTimeout,
		"failure_threshold", a.cfg.FailureThreshold)

	a.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.stop:
			return nil
		case <-ticker.C:
			a.PollOnce(ctx)
		}
	}
}

// Stop ends the poll loop. Safe to call more than once.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

type probeResult struct {
	name    string
	err     error
	latency time.Duration
	at      time.Time
}

// PollOnce runs every probe concurrently, each under its own timeout, and
// applies the results.
func (a *Aggregator) PollOnce(ctx context.Context) {
	a.mu.RLock()
	names := append([]string(nil), a.order...)
	probes := make([]Probe, len(names))
	for i, name := range names {
		probes[i] = a.deps[name].probe
	}
	a.mu.RUnlock()

	results := make([]probeResult, len(names))
	var g errgroup.Group
	for i := range names {
		g.Go(func() error {
			results[i] = a.runProbe(ctx, names[i], probes[i])
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		// Results of a cancelled round say nothing about the dependencies.
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, res := range results {
		a.apply(res)
	}
}

func (a *Aggregator) runProbe(ctx context.Context, name string, probe Probe) probeResult {
	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := probe.Check(probeCtx)
	if err == nil && probeCtx.Err() != nil {
		err = probeCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = errors.New("probe timed out after " + a.cfg.ProbeTimeout.String())
	}
	return probeResult{name: name, err: err, latency: time.Since(start), at: a.now()}
}

// apply advances one dependency's state machine. Caller holds mu.
func (a *Aggregator) apply(res probeResult) {
	reg, ok := a.deps[res.name]
	if !ok {
		return
	}
	prev := reg.state.Status
	st := &reg.state
	st.LastCheck = res.at
	st.Latency = res.latency

	if res.err == nil {
		st.Status = StatusHealthy
		st.ConsecutiveFailures = 0
		st.LastError = ""
	} else {
		st.ConsecutiveFailures++
		st.LastError = res.err.Error()
		if st.ConsecutiveFailures >= a.cfg.FailureThreshold {
			st.Status = StatusUnhealthy
		} else {
			st.Status = StatusDegraded
		}
	}

	if st.Status != prev {
		level := slog.LevelInfo
		if st.Status == StatusUnhealthy {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "Dependency status changed",
			"dependency", st.Name,
			"critical", st.Critical,
			"from", prev,
			"to", st.Status,
			"consecutive_failures", st.ConsecutiveFailures,
			"error", st.LastError)
		if a.observer != nil {
			a.observer.RecordDependencyStatus(st.Name, st.Status)
		}
	}
}

// Snapshot returns a copy of every dependency's state in registration order.
func (a *Aggregator) Snapshot() []DependencyHealth {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]DependencyHealth, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, a.deps[name].state)
	}
	return out
}

// Composite derives the gateway status from the current states.
func (a *Aggregator) Composite() Status {
	return Composite(a.Snapshot())
}

// Composite derives an overall status from dependency states:
// UNHEALTHY if a critical dependency is unhealthy, HEALTHY if every
// dependency is healthy, UNKNOWN if none has been polled, else DEGRADED.
func Composite(deps []DependencyHealth) Status {
	if len(deps) == 0 {
		return StatusUnknown
	}
	allHealthy, anyPolled := true, false
	for _, d := range deps {
		if d.Critical && d.Status == StatusUnhealthy {
			return StatusUnhealthy
		}
		if d.Status != StatusHealthy {
			allHealthy = false
		}
		if d.Status != StatusUnknown {
			anyPolled = true
		}
	}
	switch {
	case allHealthy:
		return StatusHealthy
	case !anyPolled:
		return StatusUnknown
	default:
		return StatusDegraded
	}
}
