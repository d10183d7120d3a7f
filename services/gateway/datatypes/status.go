// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// =============================================================================
// Status Response Types
// =============================================================================

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status        string                     `json:"status"`
	Timestamp     string                     `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptimeSeconds"`
	Dependencies  []DependencyStatus         `json:"dependencies"`
	Render        map[string]RenderTypeStats `json:"render"`
	Security      *SecurityStatus            `json:"security,omitempty"`
}

// DependencyStatus is one tracked dependency in StatusResponse.
type DependencyStatus struct {
	Name                string `json:"name"`
	Status              string `json:"status"`
	Critical            bool   `json:"critical"`
	LastCheck           string `json:"lastCheck,omitempty"`
	LastError           string `json:"lastError,omitempty"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LatencyMs           int64  `json:"latencyMs"`
}

// RenderTypeStats summarizes dispatches for one diagram type.
type RenderTypeStats struct {
	Successes     int64   `json:"successes"`
	Failures      int64   `json:"failures"`
	MeanLatencyMs float64 `json:"meanLatencyMs"`
}

// SecurityStatus describes the active rule set.
type SecurityStatus struct {
	RulesVersion  string `json:"rulesVersion"`
	RulesHash     string `json:"rulesHash"`
	RuleCount     int    `json:"ruleCount"`
	BlockSeverity string `json:"blockSeverity"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// =============================================================================
// Formats Response Types
// =============================================================================

// FormatsResponse is the body of GET /formats.
type FormatsResponse struct {
	Version string           `json:"version"`
	Types   []DiagramFormats `json:"types"`
}

// DiagramFormats is one row of the format policy.
type DiagramFormats struct {
	Type      string   `json:"type"`
	Aliases   []string `json:"aliases,omitempty"`
	Default   string   `json:"default"`
	Supported []string `json:"supported"`
}
