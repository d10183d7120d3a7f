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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/datatypes"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/formats"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/health"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/render"
	"github.com/ssmirnovpro/diagramV2-sub001/services/policy_engine"
)

// =============================================================================
// Liveness
// =============================================================================

// HealthCheck serves GET /health. It does no dependency work.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.HealthResponse{Status: "ok"})
}

// =============================================================================
// Status
// =============================================================================

// HealthSnapshotter exposes dependency states. Implemented by
// *health.Aggregator.
type HealthSnapshotter interface {
	Snapshot() []health.DependencyHealth
}

// StatusDeps are the sources of GET /status.
type StatusDeps struct {
	Health  HealthSnapshotter
	Stats   *render.Stats
	Scanner *policy_engine.PolicyEngine
	Version string
	Started time.Time

	// Debug adds each dependency's last poll error to the response. Poll
	// errors name internal addresses, so they stay out otherwise.
	Debug bool

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time
}

// HandleStatus serves GET /status.
//
// # Description
//
// Reports the composite status, each dependency's last poll, per-type
// render statistics and the active rule set. Responds 503 when the
// composite is UNHEALTHY and 200 otherwise.
func HandleStatus(deps StatusDeps) gin.HandlerFunc {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return func(c *gin.Context) {
		t := now()
		snapshot := deps.Health.Snapshot()
		composite := health.Composite(snapshot)

		resp := datatypes.StatusResponse{
			Status:        string(composite),
			Timestamp:     t.UTC().Format(time.RFC3339),
			Version:       deps.Version,
			UptimeSeconds: int64(t.Sub(deps.Started).Seconds()),
			Dependencies:  make([]datatypes.DependencyStatus, 0, len(snapshot)),
			Render:        map[string]datatypes.RenderTypeStats{},
		}
		for _, d := range snapshot {
			ds := datatypes.DependencyStatus{
				Name:                d.Name,
				Status:              string(d.Status),
				Critical:            d.Critical,
				ConsecutiveFailures: d.ConsecutiveFailures,
				LatencyMs:           d.Latency.Milliseconds(),
			}
			if deps.Debug {
				ds.LastError = d.LastError
			}
			if !d.LastCheck.IsZero() {
				ds.LastCheck = d.LastCheck.UTC().Format(time.RFC3339)
			}
			resp.Dependencies = append(resp.Dependencies, ds)
		}
		if deps.Stats != nil {
			for name, s := range deps.Stats.Snapshot() {
				resp.Render[name] = datatypes.RenderTypeStats{
					Successes:     s.Successes,
					Failures:      s.Failures,
					MeanLatencyMs: float64(s.MeanLatency.Microseconds()) / 1000,
				}
			}
		}
		if deps.Scanner != nil {
			info := deps.Scanner.Info()
			resp.Security = &datatypes.SecurityStatus{
				RulesVersion:  info.Version,
				RulesHash:     info.Hash,
				RuleCount:     info.RuleCount,
				BlockSeverity: string(deps.Scanner.BlockSeverity()),
			}
		}

		code := http.StatusOK
		if composite == health.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, resp)
	}
}

// =============================================================================
// Formats
// =============================================================================

// HandleFormats serves GET /formats with the format policy table.
func HandleFormats(policy *formats.Policy) gin.HandlerFunc {
	resp := FormatsTable(policy)
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, resp)
	}
}

// FormatsTable converts the policy into its wire form.
func FormatsTable(policy *formats.Policy) datatypes.FormatsResponse {
	resp := datatypes.FormatsResponse{Version: policy.Version()}
	for _, t := range policy.Types() {
		row := datatypes.DiagramFormats{
			Type:    string(t.Name),
			Aliases: t.Aliases,
			Default: string(t.Default),
		}
		for _, f := range t.Supported {
			row.Supported = append(row.Supported, string(f))
		}
		resp.Types = append(resp.Types, row)
	}
	return resp
}
