// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs one generation request through the gateway stages.
//
// # Description
//
//	GenerationRequest
//	   │
//	   ▼
//	Security Scanner ──► SecurityViolation (400)
//	   │
//	   ▼
//	Format Negotiator ──► UnsupportedFormat (415)
//	   │
//	   ▼
//	Render Dispatcher ──► Upstream* (502/503/504)
//	   │
//	   ▼
//	Response Validator ──► UpstreamInvalidOutput (502)
//	   │
//	   ▼
//	Output
//
// Each stage runs only if the previous one succeeded, so rejected sources
// never reach the engine.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/apierrors"
	"github.com/ssmirnovpro/diagramV2-sub001/pkg/extensions"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/artifact"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/datatypes"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/formats"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/render"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/telemetry"
	"github.com/ssmirnovpro/diagramV2-sub001/services/policy_engine"
)

// Recorder receives per-stage counts. Implemented by observability.Metrics.
type Recorder interface {
	RecordSecurityRejection(rule string)
	RecordSecurityWarning(rule string)
	RecordArtifactRejection(format string)
}

// Renderer is the dispatch stage. Implemented by *render.Dispatcher.
type Renderer interface {
	Render(ctx context.Context, call render.Call) (*render.Result, error)
}

// Output is a validated artifact ready to be written.
type Output struct {
	Payload     []byte
	ContentType string
	DiagramType formats.DiagramType
	Format      formats.Format
	Latency     time.Duration

	// Warnings are advisory rule ids, in first-seen order.
	Warnings []string
}

// Deps groups the pipeline's collaborators.
type Deps struct {
	Scanner   *policy_engine.PolicyEngine
	Policy    *formats.Policy
	Renderer  Renderer
	Validator *artifact.Validator
	Audit     extensions.AuditLogger
	Recorder  Recorder
}

// Pipeline orchestrates the stages.
//
// # Thread Safety
//
// Safe for concurrent use; it holds no per-request state.
type Pipeline struct {
	deps Deps
}

// New creates a Pipeline. Audit and Recorder may be nil.
func New(deps Deps) *Pipeline {
	if deps.Audit == nil {
		deps.Audit = &extensions.NopAuditLogger{}
	}
	if deps.Validator == nil {
		deps.Validator = artifact.NewValidator(artifact.Config{})
	}
	return &Pipeline{deps: deps}
}

// Generate runs req through every stage.
//
// # Inputs
//
//   - ctx: Request context. Cancellation is reported as client_closed.
//   - req: A constructed, immutable request.
//   - requestID: Correlation id for logs and audit events.
//
// # Outputs
//
//   - *Output: The validated artifact.
//   - error: A *apierrors.Error from the failing stage.
func (p *Pipeline) Generate(ctx context.Context, req *datatypes.GenerationRequest, requestID string) (*Output, error) {
	logger := telemetry.LoggerWithTrace(ctx, slog.Default()).With(
		"request_id", requestID,
		"identity", req.Identity(),
		"diagram_type", req.DiagramType())

	// 1. Security scan
	outcome, err := p.deps.Scanner.Evaluate(req.Source(), string(req.DiagramType()))
	if err != nil {
		p.onViolation(ctx, logger, req, requestID, outcome, err)
		return nil, err
	}
	warnings := outcome.Warnings()
	if len(warnings) > 0 {
		p.onWarnings(ctx, logger, req, requestID, warnings)
	}

	// 2. Format negotiation
	format, err := formats.Negotiate(p.deps.Policy, req.DiagramType(), req.Format())
	if err != nil {
		logger.Info("Format negotiation failed", "requested", req.Format(), "error", err)
		return nil, err
	}
	logger = logger.With("format", format)

	// 3. Dispatch
	result, err := p.deps.Renderer.Render(ctx, render.Call{
		Source:      policy_engine.Sanitize(req.Source()),
		DiagramType: req.DiagramType(),
		Format:      format,
		BypassCache: req.BypassCache(),
	})
	if err != nil {
		logRenderFailure(logger, err)
		return nil, err
	}

	// 4. Artifact validation
	if result.DeclaredContentType != "" && !artifact.DeclaredTypeMatches(format, result.DeclaredContentType) {
		logger.Warn("Engine declared a different content type",
			"declared", result.DeclaredContentType,
			"expected", format.MIME())
	}
	if err := p.deps.Validator.Validate(format, result.Payload); err != nil {
		if p.deps.Recorder != nil {
			p.deps.Recorder.RecordArtifactRejection(string(format))
		}
		logger.Error("Engine returned an invalid artifact",
			"bytes", len(result.Payload),
			"error", err)
		return nil, err
	}

	return &Output{
		Payload:     result.Payload,
		ContentType: format.MIME(),
		DiagramType: req.DiagramType(),
		Format:      format,
		Latency:     result.Latency,
		Warnings:    warnings,
	}, nil
}

func (p *Pipeline) onViolation(ctx context.Context, logger *slog.Logger, req *datatypes.GenerationRequest,
	requestID string, outcome policy_engine.ValidationOutcome, err error) {
	blocking, _ := outcome.Blocking()
	if p.deps.Recorder != nil {
		p.deps.Recorder.RecordSecurityRejection(blocking.RuleID)
	}
	attrs := []any{
		"rule", blocking.RuleID,
		"category", blocking.Kind,
		"line", blocking.Position.Line,
		"findings", len(outcome.Findings()),
	}
	if apiErr, ok := apierrors.As(err); ok && apiErr.Err != nil {
		// Only populated in debug mode.
		attrs = append(attrs, "detail", apiErr.Err.Error())
	}
	logger.Warn("Diagram source rejected by security policy", attrs...)

	_ = p.deps.Audit.Log(ctx, extensions.AuditEvent{
		EventType: extensions.EventSecurityViolation,
		Identity:  req.Identity(),
		RequestID: requestID,
		Outcome:   "blocked",
		Metadata: map[string]any{
			"rule":         blocking.RuleID,
			"category":     string(blocking.Kind),
			"severity":     string(blocking.Severity),
			"diagram_type": string(req.DiagramType()),
		},
	})
}

func (p *Pipeline) onWarnings(ctx context.Context, logger *slog.Logger, req *datatypes.GenerationRequest,
	requestID string, warnings []string) {
	if p.deps.Recorder != nil {
		for _, id := range warnings {
			p.deps.Recorder.RecordSecurityWarning(id)
		}
	}
	logger.Info("Advisory security findings", "rules", warnings)
	_ = p.deps.Audit.Log(ctx, extensions.AuditEvent{
		EventType: extensions.EventSecurityWarning,
		Identity:  req.Identity(),
		RequestID: requestID,
		Outcome:   "warned",
		Metadata: map[string]any{
			"rules":        warnings,
			"diagram_type": string(req.DiagramType()),
		},
	})
}

func logRenderFailure(logger *slog.Logger, err error) {
	apiErr, ok := apierrors.As(err)
	if !ok {
		logger.Error("Render failed", "error", err)
		return
	}
	switch {
	case apiErr.Kind == apierrors.KindClientClosed:
		logger.Info("Client closed request during render")
	case apiErr.Kind == apierrors.KindClientInput:
		logger.Info("Engine rejected diagram source", "error", err)
	default:
		logger.Warn("Render failed", "cause", apiErr.Cause, "kind", apiErr.Kind, "error", err)
	}
}
