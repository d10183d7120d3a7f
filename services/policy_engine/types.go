// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy_engine

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Severity ranks a finding. Only findings at or above the engine's block
// severity reject a request.
type Severity string

const (
	Low    Severity = "low"
	Medium Severity = "medium"
	High   Severity = "high"
)

// Rank orders severities: low < medium < high. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case Low:
		return 1
	case Medium:
		return 2
	case High:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank() && s.Rank() > 0
}

// ParseSeverity converts a case-insensitive name to a Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	switch sev {
	case Low, Medium, High:
		return sev, nil
	default:
		return "", fmt.Errorf("invalid severity: %q", s)
	}
}

func (s *Severity) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Category groups rules by the kind of attack they stop.
type Category string

const (
	CategoryFilesystemInclusion Category = "filesystem_inclusion"
	CategoryRemoteInclusion     Category = "remote_inclusion"
	CategoryScriptInjection     Category = "script_injection"
	CategoryEngineDirective     Category = "engine_directive"
)

func (c *Category) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch cat := Category(raw); cat {
	case CategoryFilesystemInclusion, CategoryRemoteInclusion, CategoryScriptInjection, CategoryEngineDirective:
		*c = cat
		return nil
	default:
		return fmt.Errorf("invalid rule category: %q", raw)
	}
}

// RuleFile is the YAML document holding the ordered rule table.
type RuleFile struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Rule is one entry of the rule table.
//
// Exactly one of Pattern (RE2 syntax, matched case-insensitively) or Literal
// (case-insensitive substring) is set. DiagramTypes scopes the rule; empty
// means every type. Compact rules are additionally matched against the line
// with all whitespace removed.
type Rule struct {
	ID           string   `yaml:"id" json:"id"`
	Category     Category `yaml:"category" json:"category"`
	Description  string   `yaml:"description" json:"description"`
	Pattern      string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Literal      string   `yaml:"literal,omitempty" json:"literal,omitempty"`
	Severity     Severity `yaml:"severity" json:"severity"`
	DiagramTypes []string `yaml:"diagram_types,omitempty" json:"diagram_types,omitempty"`
	Compact      bool     `yaml:"compact,omitempty" json:"compact,omitempty"`
}

// Position locates a finding. Line is 1-based. Column is the 1-based byte
// column in the normalized line, or 0 when the match came from the
// whitespace-free view.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Finding is a single rule match.
//
// Excerpt holds the matched normalized text. It is for server-side logs and
// debug responses only and is excluded from JSON.
type Finding struct {
	RuleID   string   `json:"rule_id"`
	Kind     Category `json:"kind"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Position Position `json:"position"`
	Excerpt  string   `json:"-"`
}

// ValidationOutcome is the immutable result of one scan.
type ValidationOutcome struct {
	valid     bool
	blocking  int
	threshold Severity
	findings  []Finding
}

// Valid reports whether no finding reached the block severity.
func (o ValidationOutcome) Valid() bool {
	return o.valid
}

// Findings returns a copy of all findings in scan order.
func (o ValidationOutcome) Findings() []Finding {
	out := make([]Finding, len(o.findings))
	copy(out, o.findings)
	return out
}

// Blocking returns the first finding that forced rejection.
func (o ValidationOutcome) Blocking() (Finding, bool) {
	if o.blocking < 0 || o.blocking >= len(o.findings) {
		return Finding{}, false
	}
	return o.findings[o.blocking], true
}

// Warnings returns the rule ids of advisory findings (below the block
// severity), deduplicated, in first-seen order.
func (o ValidationOutcome) Warnings() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, f := range o.findings {
		if f.Severity.AtLeast(o.threshold) || seen[f.RuleID] {
			continue
		}
		seen[f.RuleID] = true
		ids = append(ids, f.RuleID)
	}
	return ids
}
