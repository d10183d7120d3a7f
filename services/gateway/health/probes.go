// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
)

// maxHealthBody bounds how much of a health response is read.
const maxHealthBody = 64 << 10

// HTTPDoer is the subset of *http.Client used by HTTPProbe.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPProbe checks the rendering engine's health endpoint.
//
// # Description
//
// Issues GET {BaseURL}/health and requires a 2xx response whose JSON body
// has "status": "pass". Any other status, a transport error or an
// unparseable body is a failure.
type HTTPProbe struct {
	url    string
	client HTTPDoer
}

// NewHTTPProbe creates a probe for the engine at baseURL. A nil client uses
// http.DefaultClient; the per-probe timeout comes from the context.
func NewHTTPProbe(baseURL string, client HTTPDoer) *HTTPProbe {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProbe{
		url:    strings.TrimRight(baseURL, "/") + "/health",
		client: client,
	}
}

type engineHealth struct {
	Status string `json:"status"`
}

// Check implements Probe.
func (p *HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		return fmt.Errorf("read health response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var h engineHealth
	if err := json.Unmarshal(body, &h); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if !strings.EqualFold(h.Status, "pass") {
		return fmt.Errorf("engine reported status %q", h.Status)
	}
	return nil
}

// RedisProbe checks the shared rate store with PING.
type RedisProbe struct {
	client redis.UniversalClient
}

// NewRedisProbe creates a probe over client.
func NewRedisProbe(client redis.UniversalClient) *RedisProbe {
	return &RedisProbe{client: client}
}

// Check implements Probe.
func (p *RedisProbe) Check(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

var (
	_ Probe = (*HTTPProbe)(nil)
	_ Probe = (*RedisProbe)(nil)
	_ Probe = ProbeFunc(nil)
)
