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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/apierrors"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/telemetry"
)

// DefaultMaxArtifactBytes bounds an engine response when no limit is set.
const DefaultMaxArtifactBytes = 16 << 20

// maxErrorBodyBytes is how much of an engine error body is kept for logs.
const maxErrorBodyBytes = 512

// HTTPEngineConfig configures an HTTPEngineClient.
type HTTPEngineConfig struct {
	// BaseURL is the engine root, e.g. "http://renderer:8000".
	BaseURL string

	// MaxArtifactBytes bounds the response body.
	MaxArtifactBytes int64

	// HTTPClient is used for requests. Default: a client without its own
	// timeout; the Dispatcher's deadline applies.
	HTTPClient *http.Client
}

// HTTPEngineClient calls POST {BaseURL}/render.
type HTTPEngineClient struct {
	url      string
	maxBytes int64
	client   *http.Client
}

// NewHTTPEngineClient creates a client for the engine at cfg.BaseURL.
func NewHTTPEngineClient(cfg HTTPEngineConfig) (*HTTPEngineClient, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, errors.New("engine base URL is required")
	}
	if cfg.MaxArtifactBytes <= 0 {
		cfg.MaxArtifactBytes = DefaultMaxArtifactBytes
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &HTTPEngineClient{
		url:      base + "/render",
		maxBytes: cfg.MaxArtifactBytes,
		client:   cfg.HTTPClient,
	}, nil
}

// Render implements EngineClient.
//
// # Description
//
// Sends {source,type,format} as JSON with the negotiated MIME type in
// Accept and the trace context in the headers. Engine statuses map to
// the error taxonomy:
//
//   - 400, 404, 413, 422: ClientInputError (upstream_rejected)
//   - 408, 504: UpstreamTimeout
//   - 429, 502, 503: UpstreamUnavailable, with Retry-After when sent
//   - other 5xx: UpstreamError
//   - transport failure: UpstreamUnavailable
//
// Engine error bodies are never shown to callers; a prefix is kept as the
// wrapped error for debug mode.
func (c *HTTPEngineClient) Render(ctx context.Context, req EngineRequest) (*EngineResponse, error) {
	const op = "render.HTTPEngineClient.Render"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, apierrors.Internal(op, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, apierrors.Internal(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Accept != "" {
		httpReq.Header.Set("Accept", req.Accept)
	}
	if req.BypassCache {
		httpReq.Header.Set("Cache-Control", "no-cache")
	}
	telemetry.InjectContext(ctx, httpReq.Header)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apierrors.Wrap(err, apierrors.KindUpstreamUnavailable, op,
			"rendering engine is unavailable").WithCause(CauseUpstreamUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, classifyStatus(resp.StatusCode, resp.Header.Get("Retry-After"), snippet)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apierrors.Wrap(err, apierrors.KindUpstreamUnavailable, op,
			"rendering engine connection failed").WithCause(CauseUpstreamUnavailable)
	}
	if int64(len(payload)) > c.maxBytes {
		return nil, apierrors.New(apierrors.KindUpstreamInvalidOutput, op,
			fmt.Sprintf("rendering engine returned more than %d bytes", c.maxBytes)).WithCause(CauseInvalidOutput)
	}
	return &EngineResponse{
		Payload:     payload,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// classifyStatus maps a non-2xx engine status to the error taxonomy.
func classifyStatus(status int, retryAfter string, body []byte) *apierrors.Error {
	const op = "render.HTTPEngineClient.Render"

	var detail error
	if len(body) > 0 {
		detail = fmt.Errorf("engine status %d: %s", status, bytes.TrimSpace(body))
	} else {
		detail = fmt.Errorf("engine status %d", status)
	}

	var e *apierrors.Error
	switch {
	case status == http.StatusBadRequest, status == http.StatusNotFound,
		status == http.StatusRequestEntityTooLarge, status == http.StatusUnprocessableEntity:
		e = apierrors.Wrap(detail, apierrors.KindClientInput, op,
			"rendering engine rejected the diagram source").WithCause(CauseUpstreamRejected)
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		e = apierrors.Wrap(detail, apierrors.KindUpstreamTimeout, op,
			"rendering engine timed out").WithCause(CauseUpstreamTimeout)
	case status == http.StatusTooManyRequests, status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable:
		e = apierrors.Wrap(detail, apierrors.KindUpstreamUnavailable, op,
			"rendering engine is unavailable").WithCause(CauseUpstreamUnavailable)
		if d := parseRetryAfter(retryAfter, time.Now()); d > 0 {
			e = e.WithRetryAfter(d)
		}
	default:
		e = apierrors.Wrap(detail, apierrors.KindUpstreamError, op,
			"rendering engine failed").WithCause(CauseUpstreamError)
	}
	return e
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
