// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy_engine decides whether diagram source is safe to forward to
// the rendering engine.
//
// The decision is data driven: an ordered table of rules (embedded in the
// binary, optionally replaced by an operator file) is evaluated by a single
// scan function. Each line of the source is matched twice at most per rule,
// once in its folded form and once with whitespace removed, so scanning cost
// is linear in source length times rule count.
package policy_engine

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/apierrors"
	"github.com/ssmirnovpro/diagramV2-sub001/services/policy_engine/enforcement"
)

const maxExcerptLength = 64

// Options configures a PolicyEngine.
type Options struct {
	// BlockSeverity is the lowest severity that rejects a request.
	// Default: High. Medium or Low give a stricter deployment.
	BlockSeverity Severity

	// Debug attaches matched excerpts to SecurityViolation errors. Never
	// enable in production: excerpts are attacker-controlled text.
	Debug bool
}

// PolicyEngine scans diagram source against the active rule set.
//
// The rule set is swapped atomically by Reload, so scans never observe a
// partially loaded table.
type PolicyEngine struct {
	rules atomic.Pointer[ruleSet]
	opts  Options
}

// NewPolicyEngine creates an engine over the embedded rule table.
func NewPolicyEngine(opts Options) (*PolicyEngine, error) {
	return NewPolicyEngineFromBytes(enforcement.SecurityRules, opts)
}

// NewPolicyEngineFromFile creates an engine over an operator rule file.
func NewPolicyEngineFromFile(path string, opts Options) (*PolicyEngine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return NewPolicyEngineFromBytes(data, opts)
}

// NewPolicyEngineFromBytes creates an engine from raw YAML.
func NewPolicyEngineFromBytes(data []byte, opts Options) (*PolicyEngine, error) {
	if opts.BlockSeverity == "" {
		opts.BlockSeverity = High
	}
	if opts.BlockSeverity.Rank() == 0 {
		return nil, fmt.Errorf("invalid block severity: %q", opts.BlockSeverity)
	}
	set, err := compileRuleSet(data)
	if err != nil {
		return nil, err
	}
	e := &PolicyEngine{opts: opts}
	e.rules.Store(set)
	return e, nil
}

// Reload compiles data and swaps it in. On error the current rules stay
// active.
func (e *PolicyEngine) Reload(data []byte) error {
	set, err := compileRuleSet(data)
	if err != nil {
		return err
	}
	e.rules.Store(set)
	return nil
}

// BlockSeverity returns the configured rejection threshold.
func (e *PolicyEngine) BlockSeverity() Severity {
	return e.opts.BlockSeverity
}

// Scan evaluates every applicable rule against the sanitized form of source,
// which is the text the rendering engine receives, and returns the outcome.
// Findings are ordered by line, then by rule order.
func (e *PolicyEngine) Scan(source, diagramType string) ValidationOutcome {
	set := e.rules.Load()
	diagramType = strings.ToLower(diagramType)

	applicable := make([]*compiledRule, 0, len(set.rules))
	for _, rule := range set.rules {
		if rule.appliesTo(diagramType) {
			applicable = append(applicable, rule)
		}
	}

	outcome := ValidationOutcome{valid: true, blocking: -1, threshold: e.opts.BlockSeverity}
	lineNum := 0
	for line := range strings.SplitSeq(Sanitize(source), "\n") {
		lineNum++
		folded := foldLine(line)
		compact := ""
		compacted := false

		for _, rule := range applicable {
			finding, ok := e.matchRule(rule, folded, lineNum)
			if !ok && rule.Compact {
				if !compacted {
					compact = compactLine(folded)
					compacted = true
				}
				if loc := rule.find(compact); loc != nil {
					finding = newFinding(rule, compact[loc[0]:loc[1]], Position{Line: lineNum})
					ok = true
				}
			}
			if !ok {
				continue
			}
			outcome.findings = append(outcome.findings, finding)
			if outcome.valid && rule.Severity.AtLeast(e.opts.BlockSeverity) {
				outcome.valid = false
				outcome.blocking = len(outcome.findings) - 1
			}
		}
	}
	return outcome
}

func (e *PolicyEngine) matchRule(rule *compiledRule, folded string, lineNum int) (Finding, bool) {
	loc := rule.find(folded)
	if loc == nil {
		return Finding{}, false
	}
	return newFinding(rule, folded[loc[0]:loc[1]], Position{Line: lineNum, Column: loc[0] + 1}), true
}

func newFinding(rule *compiledRule, excerpt string, pos Position) Finding {
	if len(excerpt) > maxExcerptLength {
		excerpt = excerpt[:maxExcerptLength]
	}
	return Finding{
		RuleID:   rule.ID,
		Kind:     rule.Category,
		Message:  rule.Description,
		Severity: rule.Severity,
		Position: pos,
		Excerpt:  excerpt,
	}
}

// Evaluate scans source and converts a blocking finding into a
// SecurityViolation. The error names the rule but never carries the matched
// text outside debug mode.
func (e *PolicyEngine) Evaluate(source, diagramType string) (ValidationOutcome, error) {
	outcome := e.Scan(source, diagramType)
	blocking, ok := outcome.Blocking()
	if !ok {
		return outcome, nil
	}

	violation := &apierrors.Error{
		Kind:    apierrors.KindSecurityViolation,
		Op:      "policy_engine.Evaluate",
		Message: fmt.Sprintf("diagram source rejected by security policy: %s (rule %s)", blocking.Message, blocking.RuleID),
		Rule:    blocking.RuleID,
	}
	if e.opts.Debug {
		violation.Err = fmt.Errorf("matched %q at line %d", blocking.Excerpt, blocking.Position.Line)
	}
	return outcome, violation
}

// RuleSetInfo describes the active rule set.
type RuleSetInfo struct {
	Version    string   `json:"version"`
	Hash       string   `json:"hash"`
	ByteSize   int      `json:"byte_size"`
	RuleCount  int      `json:"rule_count"`
	Categories []string `json:"categories"`
}

// Info returns metadata about the active rule set.
func (e *PolicyEngine) Info() RuleSetInfo {
	set := e.rules.Load()
	info := RuleSetInfo{
		Version:   set.version,
		Hash:      set.hash,
		ByteSize:  set.size,
		RuleCount: len(set.rules),
	}
	seen := make(map[Category]bool)
	for _, r := range set.rules {
		if !seen[r.Category] {
			seen[r.Category] = true
			info.Categories = append(info.Categories, string(r.Category))
		}
	}
	return info
}

// Rules returns a copy of the active rule table in scan order.
func (e *PolicyEngine) Rules() []Rule {
	set := e.rules.Load()
	out := make([]Rule, len(set.rules))
	for i, r := range set.rules {
		out[i] = r.Rule
		out[i].DiagramTypes = append([]string(nil), r.DiagramTypes...)
	}
	return out
}
