// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"io"
)

// Exit codes for CLI commands.
const (
	CLIExitSuccess  = 0 // Operation completed successfully
	CLIExitFindings = 1 // Operation completed with findings/violations
	CLIExitError    = 2 // Operation failed
)

// OutputJSON writes data as JSON to w.
//
// # Inputs
//
//   - w: Destination, usually cmd.OutOrStdout().
//   - data: The data to encode. Must be JSON-serializable.
//   - compact: If true, output without indentation.
//
// # Outputs
//
//   - error: Non-nil if encoding fails.
func OutputJSON(w io.Writer, data any, compact bool) error {
	encoder := json.NewEncoder(w)
	if !compact {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(data)
}

// PolicyVerifyResult holds policy verification output.
type PolicyVerifyResult struct {
	Valid      bool     `json:"valid"`
	Source     string   `json:"source"`
	Hash       string   `json:"hash"`
	ByteSize   int      `json:"byte_size"`
	RuleCount  int      `json:"rule_count,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Version    string   `json:"version,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// PolicyTestResult holds policy test output.
type PolicyTestResult struct {
	DiagramType   string            `json:"diagram_type"`
	BlockSeverity string            `json:"block_severity"`
	Blocked       bool              `json:"blocked"`
	BlockingRule  string            `json:"blocking_rule,omitempty"`
	Matches       []PolicyTestMatch `json:"matches"`
}

// PolicyTestMatch represents a single finding in policy test.
type PolicyTestMatch struct {
	Rule     string `json:"rule"`
	Category string `json:"category"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Line     int    `json:"line"`
	Column   int    `json:"column,omitempty"`
	Match    string `json:"match,omitempty"`
}
