// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/apierrors"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/datatypes"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/formats"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/health"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/middleware"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/pipeline"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/render"
	"github.com/ssmirnovpro/diagramV2-sub001/services/policy_engine"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeGenerator struct {
	out   *pipeline.Output
	err   error
	calls int
	last  *datatypes.GenerationRequest
}

func (g *fakeGenerator) Generate(_ context.Context, req *datatypes.GenerationRequest, _ string) (*pipeline.Output, error) {
	g.calls++
	g.last = req
	return g.out, g.err
}

func mustPolicy(t *testing.T) *formats.Policy {
	t.Helper()
	p, err := formats.DefaultPolicy()
	require.NoError(t, err)
	return p
}

func newGenerateRouter(t *testing.T, gen Generator, debug bool) *gin.Engine {
	t.Helper()
	r := gin.New()
	r.Use(middleware.RequestIDMiddleware(), ErrorWriter(debug))
	r.POST("/generate", HandleGenerate(gen, mustPolicy(t), GenerateConfig{
		MaxBodyBytes: 1024,
		Limits:       datatypes.Limits{MaxSourceBytes: 256},
		CacheMaxAge:  time.Hour,
	}))
	return r
}

func post(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) apierrors.Body {
	t.Helper()
	var env apierrors.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Error
}

// ============================================================================
// POST /generate
// ============================================================================

func TestHandleGenerate_Success(t *testing.T) {
	gen := &fakeGenerator{out: &pipeline.Output{
		Payload:     []byte("<svg/>"),
		ContentType: "image/svg+xml",
		DiagramType: "graphviz",
		Format:      formats.SVG,
		Latency:     42 * time.Millisecond,
		Warnings:    []string{"MARKUP_DATA_URI", "ENGINE_PREPROCESSOR_MACRO"},
	}}
	r := newGenerateRouter(t, gen, false)

	w := post(r, `{"source":"digraph{a->b}","diagramType":"dot"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<svg/>", w.Body.String())
	assert.Equal(t, "image/svg+xml", w.Header().Get("Content-Type"))
	assert.Equal(t, "graphviz", w.Header().Get(HeaderDiagramType))
	assert.Equal(t, "svg", w.Header().Get(HeaderDiagramFormat))
	assert.Equal(t, "42", w.Header().Get(HeaderRenderTime))
	assert.Equal(t, "MISS", w.Header().Get(HeaderCache))
	assert.Equal(t, "public, max-age=3600", w.Header().Get("Cache-Control"))
	assert.Equal(t, "MARKUP_DATA_URI,ENGINE_PREPROCESSOR_MACRO", w.Header().Get(HeaderSecurityWarnings))
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))

	require.NotNil(t, gen.last)
	assert.Equal(t, formats.DiagramType("graphviz"), gen.last.DiagramType())
}

func TestHandleGenerate_BypassCache(t *testing.T) {
	gen := &fakeGenerator{out: &pipeline.Output{Payload: []byte("<svg/>"), ContentType: "image/svg+xml", Format: formats.SVG}}
	w := post(newGenerateRouter(t, gen, false), `{"source":"a","diagramType":"mermaid","bypassCache":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "BYPASS", w.Header().Get(HeaderCache))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Empty(t, w.Header().Get(HeaderSecurityWarnings))
	assert.True(t, gen.last.BypassCache())
}

func TestHandleGenerate_ClientErrors(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantMessage string
	}{
		{"empty body", ``, "request body must be a JSON object"},
		{"not json", `source=x`, "request body must be a JSON object"},
		{"missing source", `{"diagramType":"mermaid"}`, "source is required"},
		{"blank source", `{"source":"   ","diagramType":"mermaid"}`, "source is required"},
		{"missing type", `{"source":"a"}`, "diagramType is required"},
		{"unknown type", `{"source":"a","diagramType":"<b>bogus</b>"}`, "unknown diagramType"},
		{"unknown format", `{"source":"a","diagramType":"mermaid","format":"gif"}`, "unknown format"},
		{"source too large", `{"source":"` + strings.Repeat("x", 300) + `","diagramType":"mermaid"}`, "maximum size"},
		{"body too large", `{"source":"` + strings.Repeat("x", 2000) + `","diagramType":"mermaid"}`, "request body exceeds 1024 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{}
			w := post(newGenerateRouter(t, gen, false), tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			body := decodeEnvelope(t, w)
			assert.Equal(t, apierrors.KindClientInput, body.Type)
			assert.Contains(t, body.Message, tt.wantMessage)
			assert.NotContains(t, w.Body.String(), "<b>")
			assert.NotEmpty(t, body.RequestID)
			assert.Empty(t, body.Details)
			assert.Zero(t, gen.calls)
		})
	}
}

func TestHandleGenerate_PipelineErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		check      func(t *testing.T, w *httptest.ResponseRecorder, body apierrors.Body)
	}{
		{
			name: "security violation",
			err: &apierrors.Error{Kind: apierrors.KindSecurityViolation, Message: "diagram source rejected by security policy",
				Rule: "FS_INCLUDE"},
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, _ *httptest.ResponseRecorder, body apierrors.Body) {
				assert.Equal(t, "FS_INCLUDE", body.Rule)
			},
		},
		{
			name: "unsupported format",
			err: &apierrors.Error{Kind: apierrors.KindUnsupportedFormat, Message: "not supported",
				Alternatives: []string{"png", "svg"}},
			wantStatus: http.StatusUnsupportedMediaType,
			check: func(t *testing.T, _ *httptest.ResponseRecorder, body apierrors.Body) {
				assert.Equal(t, []string{"png", "svg"}, body.Alternatives)
			},
		},
		{
			name:       "capacity exhausted",
			err:        apierrors.New(apierrors.KindUpstreamUnavailable, "render", "busy").WithCause(render.CauseCapacityExhausted).WithRetryAfter(time.Second),
			wantStatus: http.StatusServiceUnavailable,
			check: func(t *testing.T, w *httptest.ResponseRecorder, body apierrors.Body) {
				assert.Equal(t, 1, body.RetryAfter)
				assert.Equal(t, "1", w.Header().Get(middleware.HeaderRetryAfter))
			},
		},
		{
			name:       "timeout",
			err:        apierrors.New(apierrors.KindUpstreamTimeout, "render", "timed out"),
			wantStatus: http.StatusGatewayTimeout,
		},
		{
			name:       "unclassified",
			err:        errors.New("secret internal detail"),
			wantStatus: http.StatusInternalServerError,
			check: func(t *testing.T, w *httptest.ResponseRecorder, body apierrors.Body) {
				assert.Equal(t, apierrors.GenericInternalMessage, body.Message)
				assert.NotContains(t, w.Body.String(), "secret")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(newGenerateRouter(t, &fakeGenerator{err: tt.err}, false), `{"source":"a","diagramType":"mermaid"}`)
			assert.Equal(t, tt.wantStatus, w.Code)
			body := decodeEnvelope(t, w)
			assert.NotEmpty(t, body.Timestamp)
			if tt.check != nil {
				tt.check(t, w, body)
			}
		})
	}
}

func TestHandleGenerate_DebugDetails(t *testing.T) {
	err := apierrors.Wrap(errors.New("engine said: bad syntax"), apierrors.KindClientInput, "render", "engine rejected the diagram")
	w := post(newGenerateRouter(t, &fakeGenerator{err: err}, true), `{"source":"a","diagramType":"mermaid"}`)
	body := decodeEnvelope(t, w)
	assert.Equal(t, "engine said: bad syntax", body.Details)
}

func TestHandleGenerate_ClientClosedWritesNothing(t *testing.T) {
	err := apierrors.Wrap(context.Canceled, apierrors.KindClientClosed, "render", "client closed").WithCause(render.CauseClientClosed)
	w := post(newGenerateRouter(t, &fakeGenerator{err: err}, false), `{"source":"a","diagramType":"mermaid"}`)
	assert.Equal(t, StatusClientClosedRequest, w.Code)
	assert.Empty(t, w.Body.String())
}

// ============================================================================
// GET /health, /status, /formats
// ============================================================================

func TestHealthCheck(t *testing.T) {
	r := gin.New()
	r.GET("/health", HealthCheck)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

type staticHealth []health.DependencyHealth

func (s staticHealth) Snapshot() []health.DependencyHealth { return s }

func TestHandleStatus(t *testing.T) {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Second)
	scanner, err := policy_engine.NewPolicyEngine(policy_engine.Options{})
	require.NoError(t, err)
	stats := render.NewStats()
	stats.Record("mermaid", true, 100*time.Millisecond)
	stats.Record("mermaid", false, 300*time.Millisecond)

	tests := []struct {
		name       string
		deps       staticHealth
		wantStatus string
		wantCode   int
	}{
		{
			name: "healthy",
			deps: staticHealth{
				{Name: "render-engine", Critical: true, Status: health.StatusHealthy, LastCheck: now},
				{Name: "rate-store", Status: health.StatusHealthy, LastCheck: now},
			},
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
		},
		{
			name: "non-critical down",
			deps: staticHealth{
				{Name: "render-engine", Critical: true, Status: health.StatusHealthy, LastCheck: now},
				{Name: "rate-store", Status: health.StatusUnhealthy, LastCheck: now, LastError: "redis ping: refused", ConsecutiveFailures: 2},
			},
			wantStatus: "degraded",
			wantCode:   http.StatusOK,
		},
		{
			name: "engine down",
			deps: staticHealth{
				{Name: "render-engine", Critical: true, Status: health.StatusUnhealthy, LastCheck: now, LastError: "HTTP 500", ConsecutiveFailures: 3},
			},
			wantStatus: "unhealthy",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "not yet polled",
			deps:       staticHealth{{Name: "render-engine", Critical: true, Status: health.StatusUnknown}},
			wantStatus: "unknown",
			wantCode:   http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/status", HandleStatus(StatusDeps{
				Health:  tt.deps,
				Stats:   stats,
				Scanner: scanner,
				Version: "1.2.3",
				Started: started,
				Now:     func() time.Time { return now },
			}))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			var resp datatypes.StatusResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, "1.2.3", resp.Version)
			assert.Equal(t, int64(90), resp.UptimeSeconds)
			require.Len(t, resp.Dependencies, len(tt.deps))
			assert.Equal(t, tt.deps[0].Critical, resp.Dependencies[0].Critical)
			assert.Equal(t, mermaidStats, resp.Render["mermaid"])
			require.NotNil(t, resp.Security)
			assert.Equal(t, "high", resp.Security.BlockSeverity)
			assert.Positive(t, resp.Security.RuleCount)
		})
	}
}

func TestHandleStatus_LastErrorOnlyInDebug(t *testing.T) {
	deps := staticHealth{{
		Name:      "render-engine",
		Critical:  true,
		Status:    health.StatusUnhealthy,
		LastCheck: time.Now(),
		LastError: `health request failed: Get "http://renderer:8000/health": dial tcp: connection refused`,
	}}

	tests := []struct {
		name  string
		debug bool
		want  string
	}{
		{name: "production", debug: false, want: ""},
		{name: "debug", debug: true, want: deps[0].LastError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/status", HandleStatus(StatusDeps{Health: deps, Debug: tt.debug}))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

			var resp datatypes.StatusResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			require.Len(t, resp.Dependencies, 1)
			assert.Equal(t, tt.want, resp.Dependencies[0].LastError)
			if !tt.debug {
				assert.NotContains(t, w.Body.String(), "renderer:8000")
			}
		})
	}
}

// mermaidStats is what the stats recorded in TestHandleStatus report. The
// mean covers successes only.
var mermaidStats = datatypes.RenderTypeStats{Successes: 1, Failures: 1, MeanLatencyMs: 100}

func TestHandleFormats(t *testing.T) {
	r := gin.New()
	r.GET("/formats", HandleFormats(mustPolicy(t)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/formats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.FormatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2025.1", resp.Version)
	require.NotEmpty(t, resp.Types)

	byType := make(map[string]datatypes.DiagramFormats)
	for _, row := range resp.Types {
		byType[row.Type] = row
	}
	assert.Equal(t, "svg", byType["mermaid"].Default)
	assert.ElementsMatch(t, []string{"svg", "png"}, byType["mermaid"].Supported)
	assert.Contains(t, byType["graphviz"].Aliases, "dot")
}
