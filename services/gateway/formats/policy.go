// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package formats holds the FormatPolicy table and the format negotiation
// rules built on it.
//
// # Description
//
// The table maps every diagram type to the output formats the engine can
// produce for it and to the default used when the caller asks for none. It
// is data, embedded from format_policy.yaml, so adding a notation does not
// touch code.
//
// # Thread Safety
//
// A *Policy is read-only after LoadPolicy returns and may be shared freely.
package formats

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed format_policy.yaml
var embeddedPolicy []byte

// =============================================================================
// Formats
// =============================================================================

// Format is an output artifact encoding.
type Format string

const (
	SVG  Format = "svg"
	PNG  Format = "png"
	JPEG Format = "jpeg"
	PDF  Format = "pdf"
)

var mimeTypes = map[Format]string{
	SVG:  "image/svg+xml",
	PNG:  "image/png",
	JPEG: "image/jpeg",
	PDF:  "application/pdf",
}

// ErrUnknownFormat is returned by ParseFormat for names outside the enum.
var ErrUnknownFormat = errors.New("unknown format")

// KnownFormats returns every format the gateway understands, sorted.
func KnownFormats() []Format {
	out := make([]Format, 0, len(mimeTypes))
	for f := range mimeTypes {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// ParseFormat maps a case-insensitive name to a Format. Only exact names are
// accepted; "jpg" is not rewritten to "jpeg".
func ParseFormat(name string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := mimeTypes[f]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
	return f, nil
}

// MIME returns the canonical media type, or "" for an unknown format.
func (f Format) MIME() string {
	return mimeTypes[f]
}

// IsVector reports whether the format is a text vector document.
func (f Format) IsVector() bool {
	return f == SVG
}

// IsRaster reports whether the format is a decodable bitmap.
func (f Format) IsRaster() bool {
	return f == PNG || f == JPEG
}

// =============================================================================
// Policy
// =============================================================================

// DiagramType is a canonical diagram notation name, a key of the policy.
type DiagramType string

// TypePolicy is one row of the policy table.
type TypePolicy struct {
	Name        DiagramType `yaml:"name" json:"type"`
	Description string      `yaml:"description" json:"description,omitempty"`
	Aliases     []string    `yaml:"aliases" json:"aliases,omitempty"`
	Default     Format      `yaml:"default" json:"default"`
	Supported   []Format    `yaml:"supported" json:"supported"`
}

// Supports reports whether f is in the supported set.
func (t TypePolicy) Supports(f Format) bool {
	return slices.Contains(t.Supported, f)
}

type policyFile struct {
	Version string       `yaml:"version"`
	Types   []TypePolicy `yaml:"types"`
}

// Policy is the process-wide FormatPolicy.
type Policy struct {
	version string
	order   []DiagramType
	types   map[DiagramType]TypePolicy
	aliases map[string]DiagramType
}

// DefaultPolicy loads the embedded table.
func DefaultPolicy() (*Policy, error) {
	return LoadPolicy(embeddedPolicy)
}

// LoadPolicy parses and validates a policy table.
func LoadPolicy(data []byte) (*Policy, error) {
	var file policyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal format policy: %w", err)
	}

	p := &Policy{
		version: file.Version,
		types:   make(map[DiagramType]TypePolicy, len(file.Types)),
		aliases: make(map[string]DiagramType),
	}
	for _, t := range file.Types {
		t.Name = DiagramType(strings.ToLower(string(t.Name)))
		if _, dup := p.types[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate diagram type %q", ErrInvalidPolicy, t.Name)
		}
		p.order = append(p.order, t.Name)
		p.types[t.Name] = t
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	for _, t := range p.types {
		for _, alias := range t.Aliases {
			p.aliases[strings.ToLower(alias)] = t.Name
		}
	}
	return p, nil
}

// ErrInvalidPolicy is returned when the table breaks an invariant.
var ErrInvalidPolicy = errors.New("invalid format policy")

// Validate checks every row of the table:
//   - the supported set is non-empty and drawn from the known formats
//   - the default is a member of the supported set
//   - no alias collides with a type name or another alias
func (p *Policy) Validate() error {
	if len(p.types) == 0 {
		return fmt.Errorf("%w: no diagram types", ErrInvalidPolicy)
	}
	aliasOwner := make(map[string]DiagramType)
	for _, name := range p.order {
		t := p.types[name]
		if name == "" {
			return fmt.Errorf("%w: diagram type without a name", ErrInvalidPolicy)
		}
		if len(t.Supported) == 0 {
			return fmt.Errorf("%w: %s has no supported formats", ErrInvalidPolicy, name)
		}
		for _, f := range t.Supported {
			if f.MIME() == "" {
				return fmt.Errorf("%w: %s lists unknown format %q", ErrInvalidPolicy, name, f)
			}
		}
		if !t.Supports(t.Default) {
			return fmt.Errorf("%w: default %q of %s is not in its supported set", ErrInvalidPolicy, t.Default, name)
		}
		for _, alias := range t.Aliases {
			alias = strings.ToLower(alias)
			if _, isType := p.types[DiagramType(alias)]; isType {
				return fmt.Errorf("%w: alias %q of %s shadows a diagram type", ErrInvalidPolicy, alias, name)
			}
			if owner, taken := aliasOwner[alias]; taken {
				return fmt.Errorf("%w: alias %q used by both %s and %s", ErrInvalidPolicy, alias, owner, name)
			}
			aliasOwner[alias] = name
		}
	}
	return nil
}

// Version returns the table version string.
func (p *Policy) Version() string {
	return p.version
}

// Resolve maps a type name or alias, case-insensitively, to its canonical
// DiagramType.
func (p *Policy) Resolve(name string) (DiagramType, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if _, ok := p.types[DiagramType(key)]; ok {
		return DiagramType(key), true
	}
	t, ok := p.aliases[key]
	return t, ok
}

// Lookup returns a copy of the row for t.
func (p *Policy) Lookup(t DiagramType) (TypePolicy, bool) {
	row, ok := p.types[t]
	if !ok {
		return TypePolicy{}, false
	}
	return row.clone(), true
}

// Types returns a copy of every row in table order.
func (p *Policy) Types() []TypePolicy {
	out := make([]TypePolicy, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.types[name].clone())
	}
	return out
}

// Names returns the canonical type names, sorted.
func (p *Policy) Names() []string {
	out := make([]string, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, string(name))
	}
	slices.Sort(out)
	return out
}

func (t TypePolicy) clone() TypePolicy {
	t.Aliases = slices.Clone(t.Aliases)
	t.Supported = slices.Clone(t.Supported)
	return t
}
