// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package render dispatches validated diagrams to the rendering engine.
//
// # Description
//
// The Dispatcher bounds every engine call twice: by a weighted semaphore
// sized to the engine's capacity, and by a hard deadline. Nothing is
// retried. Failures are classified into the error taxonomy so callers can
// decide whether to retry.
package render

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/apierrors"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/formats"
)

var renderTracer = otel.Tracer("diagramgate.gateway.render")

// capacityRetryAfter is the hint returned when no slot frees up in time.
const capacityRetryAfter = time.Second

// Config holds the dispatcher limits.
type Config struct {
	// Timeout is the hard deadline for one dispatch, slot wait included.
	// Default: 30s.
	Timeout time.Duration

	// MaxConcurrent bounds in-flight engine calls. Default: 16.
	MaxConcurrent int64
}

// Observer receives dispatch measurements.
type Observer interface {
	RenderStarted(diagramType string)
	RenderFinished(diagramType, outcome string, latency time.Duration)
}

// Call is one dispatch request.
type Call struct {
	Source      string
	DiagramType formats.DiagramType
	Format      formats.Format
	BypassCache bool
}

// Dispatcher forwards calls to an EngineClient.
//
// # Thread Safety
//
// Safe for concurrent use.
type Dispatcher struct {
	engine   EngineClient
	sem      *semaphore.Weighted
	cfg      Config
	observer Observer
	stats    *Stats
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithObserver reports every dispatch to o.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// NewDispatcher creates a Dispatcher over engine.
func NewDispatcher(engine EngineClient, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	d := &Dispatcher{
		engine: engine,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:    cfg,
		stats:  NewStats(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Stats returns the per-type counters.
func (d *Dispatcher) Stats() *Stats {
	return d.stats
}

type engineOutcome struct {
	resp *EngineResponse
	err  error
}

// Render dispatches call and waits for the engine.
//
// # Description
//
// The wait for a concurrency slot and the engine call share one deadline of
// Config.Timeout. The engine runs in its own goroutine so the slot is
// released when the deadline passes even if the client ignores
// cancellation; a late reply is discarded.
//
// # Outputs
//
//   - *Result: The artifact on success.
//   - error: *apierrors.Error with one of the Cause* values:
//     capacity_exhausted (503, retry after 1s), upstream_timeout (504),
//     client_closed when ctx was cancelled by the caller, or whatever the
//     engine client classified.
func (d *Dispatcher) Render(ctx context.Context, call Call) (*Result, error) {
	const op = "render.Dispatch"
	diagramType := string(call.DiagramType)

	ctx, span := renderTracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("diagram.type", diagramType),
		attribute.String("diagram.format", string(call.Format)),
		attribute.Int("diagram.source_bytes", len(call.Source)),
	))
	defer span.End()

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	if d.observer != nil {
		d.observer.RenderStarted(diagramType)
	}

	result, err := d.dispatch(parent, ctx, call)
	latency := time.Since(start)

	outcome := OutcomeSuccess
	if err != nil {
		outcome = CauseUpstreamError
		if apiErr, ok := apierrors.As(err); ok && apiErr.Cause != "" {
			outcome = apiErr.Cause
		}
		span.SetStatus(codes.Error, outcome)
		span.RecordError(err)
	} else {
		result.Latency = latency
		span.SetAttributes(attribute.Int("diagram.artifact_bytes", len(result.Payload)))
	}
	span.SetAttributes(attribute.String("render.outcome", outcome))

	if outcome != CauseClientClosed {
		d.stats.Record(diagramType, err == nil, latency)
	}
	if d.observer != nil {
		d.observer.RenderFinished(diagramType, outcome, latency)
	}
	return result, err
}

func (d *Dispatcher) dispatch(parent, ctx context.Context, call Call) (*Result, error) {
	const op = "render.Dispatch"

	if err := d.sem.Acquire(ctx, 1); err != nil {
		if parent.Err() != nil {
			return nil, clientClosed(op, parent.Err())
		}
		slog.Warn("Render capacity exhausted",
			"diagram_type", call.DiagramType,
			"max_concurrent", d.cfg.MaxConcurrent)
		return nil, apierrors.New(apierrors.KindUpstreamUnavailable, op,
			"rendering capacity exhausted, retry later").
			WithCause(CauseCapacityExhausted).
			WithRetryAfter(capacityRetryAfter)
	}
	defer d.sem.Release(1)

	req := EngineRequest{
		Source:      call.Source,
		Type:        string(call.DiagramType),
		Format:      string(call.Format),
		Accept:      call.Format.MIME(),
		BypassCache: call.BypassCache,
	}
	done := make(chan engineOutcome, 1)
	go func() {
		resp, err := d.engine.Render(ctx, req)
		done <- engineOutcome{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, d.classify(parent, ctx, out.err)
		}
		if out.resp == nil {
			return nil, apierrors.New(apierrors.KindUpstreamInvalidOutput, op,
				"rendering engine returned no artifact").WithCause(CauseInvalidOutput)
		}
		return &Result{
			Payload:             out.resp.Payload,
			ContentType:         call.Format.MIME(),
			DeclaredContentType: out.resp.ContentType,
		}, nil

	case <-ctx.Done():
		return nil, d.classify(parent, ctx, ctx.Err())
	}
}

// classify maps an engine or context error onto the taxonomy.
func (d *Dispatcher) classify(parent, ctx context.Context, err error) error {
	const op = "render.Dispatch"

	if parent.Err() != nil {
		return clientClosed(op, parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apierrors.Wrap(err, apierrors.KindUpstreamTimeout, op,
			"rendering engine did not respond within "+d.cfg.Timeout.String()).WithCause(CauseUpstreamTimeout)
	}
	if _, ok := apierrors.As(err); ok {
		return err
	}
	return apierrors.Wrap(err, apierrors.KindUpstreamUnavailable, op,
		"rendering engine is unavailable").WithCause(CauseUpstreamUnavailable)
}

func clientClosed(op string, err error) error {
	return apierrors.Wrap(err, apierrors.KindClientClosed, op,
		"client closed the request").WithCause(CauseClientClosed)
}
