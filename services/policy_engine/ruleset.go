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
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxPatternLength bounds a single rule pattern.
const MaxPatternLength = 512

var (
	// ErrEmptyRuleSet is returned when a rule file defines no rules.
	ErrEmptyRuleSet = errors.New("rule set contains no rules")

	// ErrInvalidRule is returned when a rule fails validation.
	ErrInvalidRule = errors.New("invalid rule")
)

// compiledRule is a Rule ready for matching.
type compiledRule struct {
	Rule
	re      *regexp.Regexp
	literal string
	types   map[string]bool
}

// appliesTo reports whether the rule is scoped to diagramType.
func (r *compiledRule) appliesTo(diagramType string) bool {
	return len(r.types) == 0 || r.types[diagramType]
}

// find returns the [start, end) of the first match in s, or nil.
func (r *compiledRule) find(s string) []int {
	if r.re != nil {
		return r.re.FindStringIndex(s)
	}
	if i := strings.Index(s, r.literal); i >= 0 {
		return []int{i, i + len(r.literal)}
	}
	return nil
}

// ruleSet is an immutable compiled rule table. Rule order is scan order.
type ruleSet struct {
	version string
	hash    string
	size    int
	rules   []*compiledRule
}

// compileRuleSet parses and validates a YAML rule file.
func compileRuleSet(data []byte) (*ruleSet, error) {
	var file RuleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule file: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, ErrEmptyRuleSet
	}

	sum := sha256.Sum256(data)
	set := &ruleSet{
		version: file.Version,
		hash:    hex.EncodeToString(sum[:]),
		size:    len(data),
		rules:   make([]*compiledRule, 0, len(file.Rules)),
	}

	seen := make(map[string]bool, len(file.Rules))
	for i, rule := range file.Rules {
		compiled, err := compileRule(rule)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.ID, err)
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidRule, rule.ID)
		}
		seen[rule.ID] = true
		set.rules = append(set.rules, compiled)
	}
	return set, nil
}

func compileRule(rule Rule) (*compiledRule, error) {
	switch {
	case rule.ID == "":
		return nil, fmt.Errorf("%w: missing id", ErrInvalidRule)
	case rule.Description == "":
		return nil, fmt.Errorf("%w: missing description", ErrInvalidRule)
	case rule.Category == "":
		return nil, fmt.Errorf("%w: missing category", ErrInvalidRule)
	case rule.Severity == "":
		return nil, fmt.Errorf("%w: missing severity", ErrInvalidRule)
	case (rule.Pattern == "") == (rule.Literal == ""):
		return nil, fmt.Errorf("%w: exactly one of pattern or literal is required", ErrInvalidRule)
	case len(rule.Pattern) > MaxPatternLength || len(rule.Literal) > MaxPatternLength:
		return nil, fmt.Errorf("%w: pattern longer than %d bytes", ErrInvalidRule, MaxPatternLength)
	}

	compiled := &compiledRule{Rule: rule}
	if rule.Pattern != "" {
		// RE2 guarantees linear-time matching; there is no backtracking mode.
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to compile the regex %s: %v", ErrInvalidRule, rule.Pattern, err)
		}
		compiled.re = re
	} else {
		compiled.literal = foldLine(rule.Literal)
		if rule.Compact {
			compiled.literal = compactLine(compiled.literal)
		}
	}

	if len(rule.DiagramTypes) > 0 {
		compiled.types = make(map[string]bool, len(rule.DiagramTypes))
		for _, t := range rule.DiagramTypes {
			compiled.types[strings.ToLower(t)] = true
		}
	}
	return compiled, nil
}
