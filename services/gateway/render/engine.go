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
	"time"
)

// Failure causes carried in apierrors.Error.Cause.
const (
	CauseUpstreamTimeout     = "upstream_timeout"
	CauseUpstreamError       = "upstream_error"
	CauseUpstreamUnavailable = "upstream_unavailable"
	CauseUpstreamRejected    = "upstream_rejected"
	CauseInvalidOutput       = "invalid_upstream_output"
	CauseCapacityExhausted   = "capacity_exhausted"
	CauseClientClosed        = "client_closed"
)

// OutcomeSuccess labels a successful dispatch. Failures are labelled by
// their cause.
const OutcomeSuccess = "success"

// EngineRequest is the body sent to the rendering engine.
type EngineRequest struct {
	Source      string `json:"source"`
	Type        string `json:"type"`
	Format      string `json:"format"`
	Accept      string `json:"-"`
	BypassCache bool   `json:"-"`
}

// EngineResponse is a successful engine reply.
type EngineResponse struct {
	Payload     []byte
	ContentType string
}

// EngineClient calls the rendering engine.
//
// Implementations should honour ctx cancellation, but the Dispatcher does
// not rely on it. Failures should be *apierrors.Error values; anything else
// is treated as the engine being unavailable.
type EngineClient interface {
	Render(ctx context.Context, req EngineRequest) (*EngineResponse, error)
}

// EngineClientFunc adapts a function to EngineClient.
type EngineClientFunc func(ctx context.Context, req EngineRequest) (*EngineResponse, error)

// Render implements EngineClient.
func (f EngineClientFunc) Render(ctx context.Context, req EngineRequest) (*EngineResponse, error) {
	return f(ctx, req)
}

// Result is a successful render.
type Result struct {
	// Payload is the artifact as returned by the engine.
	Payload []byte

	// ContentType is the MIME type of the negotiated format.
	ContentType string

	// DeclaredContentType is what the engine said it returned. Advisory.
	DeclaredContentType string

	// Latency is the time spent in the dispatcher, including the wait for a
	// concurrency slot.
	Latency time.Duration
}
