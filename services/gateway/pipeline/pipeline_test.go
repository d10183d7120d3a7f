// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/apierrors"
	"github.com/ssmirnovpro/diagramV2-sub001/pkg/extensions"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/artifact"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/datatypes"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/formats"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/render"
	"github.com/ssmirnovpro/diagramV2-sub001/services/policy_engine"
)

// =============================================================================
// Fixtures
// =============================================================================

const svgBody = `<svg xmlns="http://www.w3.org/2000/svg"></svg>`

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

type counts struct {
	mu         sync.Mutex
	rejections []string
	warnings   []string
	artifacts  []string
}

func (c *counts) RecordSecurityRejection(rule string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejections = append(c.rejections, rule)
}

func (c *counts) RecordSecurityWarning(rule string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, rule)
}

func (c *counts) RecordArtifactRejection(format string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts = append(c.artifacts, format)
}

type fixture struct {
	pipeline *Pipeline
	policy   *formats.Policy
	calls    *atomic.Int32
	lastReq  *atomic.Value
	counts   *counts
	audit    *extensions.RecordingAuditLogger
}

func newFixture(t *testing.T, respond func(render.EngineRequest) (*render.EngineResponse, error)) *fixture {
	t.Helper()
	scanner, err := policy_engine.NewPolicyEngine(policy_engine.Options{})
	require.NoError(t, err)
	policy, err := formats.DefaultPolicy()
	require.NoError(t, err)

	f := &fixture{
		policy:  policy,
		calls:   &atomic.Int32{},
		lastReq: &atomic.Value{},
		counts:  &counts{},
		audit:   &extensions.RecordingAuditLogger{},
	}
	engine := render.EngineClientFunc(func(_ context.Context, req render.EngineRequest) (*render.EngineResponse, error) {
		f.calls.Add(1)
		f.lastReq.Store(req)
		return respond(req)
	})
	f.pipeline = New(Deps{
		Scanner:   scanner,
		Policy:    policy,
		Renderer:  render.NewDispatcher(engine, render.Config{Timeout: time.Second, MaxConcurrent: 2}),
		Validator: artifact.NewValidator(artifact.Config{}),
		Audit:     f.audit,
		Recorder:  f.counts,
	})
	return f
}

func svgEngine(render.EngineRequest) (*render.EngineResponse, error) {
	return &render.EngineResponse{Payload: []byte(svgBody), ContentType: "image/svg+xml"}, nil
}

func (f *fixture) request(t *testing.T, source, diagramType, format string) *datatypes.GenerationRequest {
	t.Helper()
	req, err := datatypes.NewGenerationRequest(f.policy, datatypes.Limits{}, datatypes.GenerationParams{
		Source:      source,
		DiagramType: diagramType,
		Format:      format,
		Identity:    "ip:192.0.2.1",
	})
	require.NoError(t, err)
	return req
}

// =============================================================================
// Tests
// =============================================================================

func TestGenerate_Success(t *testing.T) {
	f := newFixture(t, svgEngine)

	out, err := f.pipeline.Generate(context.Background(), f.request(t, "\ufeff@startuml\r\nA -> B\r\n@enduml", "plantuml", ""), "req-1")
	require.NoError(t, err)

	assert.Equal(t, formats.SVG, out.Format)
	assert.Equal(t, "image/svg+xml", out.ContentType)
	assert.Equal(t, formats.DiagramType("plantuml"), out.DiagramType)
	assert.Equal(t, svgBody, string(out.Payload))
	assert.Empty(t, out.Warnings)
	assert.Equal(t, int32(1), f.calls.Load())

	sent := f.lastReq.Load().(render.EngineRequest)
	assert.Equal(t, "@startuml\nA -> B\n@enduml", sent.Source, "engine receives sanitized source")
	assert.Equal(t, "plantuml", sent.Type)
	assert.Equal(t, "svg", sent.Format)
}

func TestGenerate_SecurityViolationNeverReachesEngine(t *testing.T) {
	f := newFixture(t, svgEngine)

	_, err := f.pipeline.Generate(context.Background(), f.request(t, "@startuml\n!include /etc/passwd\n@enduml", "plantuml", "svg"), "req-2")
	require.Error(t, err)
	assert.True(t, apierrors.IsKind(err, apierrors.KindSecurityViolation))
	assert.NotContains(t, err.Error(), "/etc/passwd")
	assert.Zero(t, f.calls.Load())
	assert.Equal(t, []string{"FS_INCLUDE"}, f.counts.rejections)

	events := f.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, extensions.EventSecurityViolation, events[0].EventType)
	assert.Equal(t, "req-2", events[0].RequestID)
	assert.Equal(t, "FS_INCLUDE", events[0].Metadata["rule"])
}

func TestGenerate_AdvisoryFindingsBecomeWarnings(t *testing.T) {
	f := newFixture(t, svgEngine)

	out, err := f.pipeline.Generate(context.Background(), f.request(t, "graph TD\n%%{init: {'theme':'dark'}}%%\nA-->B", "mermaid", ""), "req-3")
	require.NoError(t, err)
	assert.Equal(t, []string{"ENGINE_MERMAID_INIT"}, out.Warnings)
	assert.Equal(t, []string{"ENGINE_MERMAID_INIT"}, f.counts.warnings)
	require.Len(t, f.audit.Events(), 1)
	assert.Equal(t, extensions.EventSecurityWarning, f.audit.Events()[0].EventType)
}

func TestGenerate_UnsupportedFormatNeverReachesEngine(t *testing.T) {
	f := newFixture(t, svgEngine)

	_, err := f.pipeline.Generate(context.Background(), f.request(t, "graph TD\nA-->B", "mermaid", "pdf"), "req-4")
	require.Error(t, err)
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.KindUnsupportedFormat, apiErr.Kind)
	assert.Equal(t, []string{"png", "svg"}, apiErr.Alternatives)
	assert.Zero(t, f.calls.Load())
}

func TestGenerate_InvalidArtifact(t *testing.T) {
	f := newFixture(t, func(render.EngineRequest) (*render.EngineResponse, error) {
		return &render.EngineResponse{Payload: []byte("<html>oops</html>"), ContentType: "text/html"}, nil
	})

	_, err := f.pipeline.Generate(context.Background(), f.request(t, "digraph { a -> b }", "dot", "svg"), "req-5")
	require.Error(t, err)
	assert.True(t, apierrors.IsKind(err, apierrors.KindUpstreamInvalidOutput))
	assert.Equal(t, []string{"svg"}, f.counts.artifacts)
}

func TestGenerate_DeclaredContentTypeIsAdvisory(t *testing.T) {
	f := newFixture(t, func(render.EngineRequest) (*render.EngineResponse, error) {
		return &render.EngineResponse{Payload: pngMagic, ContentType: "application/octet-stream"}, nil
	})

	out, err := f.pipeline.Generate(context.Background(), f.request(t, "digraph { a -> b }", "graphviz", "png"), "req-6")
	require.NoError(t, err)
	assert.Equal(t, "image/png", out.ContentType)
}

func TestGenerate_UpstreamErrorPassesThrough(t *testing.T) {
	f := newFixture(t, func(render.EngineRequest) (*render.EngineResponse, error) {
		return nil, apierrors.New(apierrors.KindUpstreamError, "engine", "rendering engine failed").WithCause(render.CauseUpstreamError)
	})

	_, err := f.pipeline.Generate(context.Background(), f.request(t, "digraph { a -> b }", "graphviz", ""), "req-7")
	require.Error(t, err)
	assert.True(t, apierrors.IsKind(err, apierrors.KindUpstreamError))
}
