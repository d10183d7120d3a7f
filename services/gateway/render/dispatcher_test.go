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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/apierrors"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/formats"
)

// ============================================================================
// Test doubles
// ============================================================================

type countingObserver struct {
	mu       sync.Mutex
	inflight int
	outcomes []string
}

func (o *countingObserver) RenderStarted(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight++
}

func (o *countingObserver) RenderFinished(_ string, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight--
	o.outcomes = append(o.outcomes, outcome)
}

func (o *countingObserver) snapshot() (int, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight, append([]string(nil), o.outcomes...)
}

func svgEngine(calls *atomic.Int64) EngineClient {
	return EngineClientFunc(func(ctx context.Context, req EngineRequest) (*EngineResponse, error) {
		calls.Add(1)
		return &EngineResponse{Payload: []byte("<svg/>"), ContentType: "image/svg+xml"}, nil
	})
}

// blockingEngine ignores ctx and blocks until release is closed.
func blockingEngine(release <-chan struct{}) EngineClient {
	return EngineClientFunc(func(ctx context.Context, req EngineRequest) (*EngineResponse, error) {
		<-release
		return &EngineResponse{Payload: []byte("<svg/>")}, nil
	})
}

var svgCall = Call{Source: "A -> B", DiagramType: "sequence", Format: formats.SVG}

// ============================================================================
// Tests
// ============================================================================

func TestDispatcher_Success(t *testing.T) {
	var calls atomic.Int64
	obs := &countingObserver{}
	d := NewDispatcher(svgEngine(&calls), Config{Timeout: time.Second}, WithObserver(obs))

	res, err := d.Render(context.Background(), svgCall)
	require.NoError(t, err)
	assert.Equal(t, []byte("<svg/>"), res.Payload)
	assert.Equal(t, "image/svg+xml", res.ContentType)
	assert.Equal(t, "image/svg+xml", res.DeclaredContentType)
	assert.Positive(t, res.Latency)
	assert.Equal(t, int64(1), calls.Load())

	inflight, outcomes := obs.snapshot()
	assert.Zero(t, inflight)
	assert.Equal(t, []string{OutcomeSuccess}, outcomes)

	stats := d.Stats().Snapshot()["sequence"]
	assert.Equal(t, int64(1), stats.Successes)
	assert.Zero(t, stats.Failures)
}

func TestDispatcher_TimeoutReclaimsSlot(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	obs := &countingObserver{}
	d := NewDispatcher(blockingEngine(release), Config{Timeout: 50 * time.Millisecond, MaxConcurrent: 1}, WithObserver(obs))

	start := time.Now()
	_, err := d.Render(context.Background(), svgCall)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.KindUpstreamTimeout, apiErr.Kind)
	assert.Equal(t, CauseUpstreamTimeout, apiErr.Cause)

	// The engine goroutine is still blocked, yet the only slot is free again.
	require.True(t, d.sem.TryAcquire(1), "slot must be released after the deadline")
	d.sem.Release(1)

	inflight, outcomes := obs.snapshot()
	assert.Zero(t, inflight)
	assert.Equal(t, []string{CauseUpstreamTimeout}, outcomes)
	assert.Equal(t, int64(1), d.Stats().Snapshot()["sequence"].Failures)
}

func TestDispatcher_CapacityExhausted(t *testing.T) {
	release := make(chan struct{})
	d := NewDispatcher(blockingEngine(release), Config{Timeout: 100 * time.Millisecond, MaxConcurrent: 1})

	require.True(t, d.sem.TryAcquire(1))
	_, err := d.Render(context.Background(), svgCall)
	d.sem.Release(1)
	close(release)

	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.KindUpstreamUnavailable, apiErr.Kind)
	assert.Equal(t, CauseCapacityExhausted, apiErr.Cause)
	assert.Equal(t, time.Second, apiErr.RetryAfter)
}

func TestDispatcher_ClientClosed(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	obs := &countingObserver{}
	d := NewDispatcher(blockingEngine(release), Config{Timeout: 10 * time.Second}, WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := d.Render(ctx, svgCall)

	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, CauseClientClosed, apiErr.Cause)
	assert.Equal(t, apierrors.KindClientClosed, apiErr.Kind)
	assert.False(t, apiErr.Retryable())
	assert.Empty(t, d.Stats().Snapshot(), "client disconnects are not engine failures")

	inflight, _ := obs.snapshot()
	assert.Zero(t, inflight)
}

func TestDispatcher_PassesEngineClassification(t *testing.T) {
	engineErr := apierrors.New(apierrors.KindClientInput, "engine", "rejected").WithCause(CauseUpstreamRejected)
	d := NewDispatcher(EngineClientFunc(func(context.Context, EngineRequest) (*EngineResponse, error) {
		return nil, engineErr
	}), Config{})

	_, err := d.Render(context.Background(), svgCall)
	assert.True(t, apierrors.IsKind(err, apierrors.KindClientInput))
}

func TestDispatcher_UnclassifiedEngineError(t *testing.T) {
	d := NewDispatcher(EngineClientFunc(func(context.Context, EngineRequest) (*EngineResponse, error) {
		return nil, errors.New("dial tcp: connection refused")
	}), Config{})

	_, err := d.Render(context.Background(), svgCall)
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.KindUpstreamUnavailable, apiErr.Kind)
	assert.Equal(t, CauseUpstreamUnavailable, apiErr.Cause)
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	var current, peak atomic.Int64
	engine := EngineClientFunc(func(ctx context.Context, req EngineRequest) (*EngineResponse, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return &EngineResponse{Payload: []byte("<svg/>")}, nil
	})
	d := NewDispatcher(engine, Config{Timeout: 5 * time.Second, MaxConcurrent: 3})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Render(context.Background(), svgCall)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestStats_MeanLatency(t *testing.T) {
	s := NewStats()
	s.Record("mermaid", true, 10*time.Millisecond)
	s.Record("mermaid", true, 30*time.Millisecond)
	s.Record("mermaid", false, time.Hour)

	got := s.Snapshot()["mermaid"]
	assert.Equal(t, int64(2), got.Successes)
	assert.Equal(t, int64(1), got.Failures)
	assert.Equal(t, 20*time.Millisecond, got.MeanLatency)
}
