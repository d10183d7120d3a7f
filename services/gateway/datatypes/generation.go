// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the gateway service.
//
// This file contains the generation request: the wire body bound by the
// handler and the immutable GenerationRequest the pipeline runs on. Status
// and formats payloads live in status.go.
package datatypes

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/apierrors"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/formats"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultMaxSourceBytes bounds diagram source when no limit is configured.
	DefaultMaxSourceBytes = 128 * 1024

	// maxTypeNameLength bounds the diagramType and format strings on the wire.
	maxTypeNameLength = 64
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("notblank", validators.NotBlank)
}

// =============================================================================
// Wire Types
// =============================================================================

// GenerateRequestBody is the JSON body of POST /generate.
//
// # Fields
//
//   - Source: Required. Diagram source text.
//   - DiagramType: Required. Type name or alias from the format policy.
//   - Format: Optional. Requested output format; the type's default if empty.
//   - BypassCache: Optional. Ask the engine and caches to skip stored results.
type GenerateRequestBody struct {
	Source      string `json:"source" validate:"required,notblank"`
	DiagramType string `json:"diagramType" validate:"required,notblank,max=64"`
	Format      string `json:"format,omitempty" validate:"omitempty,max=64"`
	BypassCache bool   `json:"bypassCache,omitempty"`
}

// Validate checks the body's shape. Semantic checks happen in
// NewGenerationRequest.
func (b *GenerateRequestBody) Validate() error {
	return requestValidate.Struct(b)
}

// =============================================================================
// GenerationRequest
// =============================================================================

// Limits bounds what NewGenerationRequest accepts.
type Limits struct {
	MaxSourceBytes int
}

// GenerationParams are the raw inputs to NewGenerationRequest.
type GenerationParams struct {
	Source      string
	DiagramType string
	Format      string
	Identity    string
	BypassCache bool
}

// GenerationRequest is a validated request to render one diagram.
//
// # Description
//
// Every field is checked by NewGenerationRequest; there is no other way to
// build one, and nothing can change it afterwards. The requested format is
// a known format but may still be unsupported for the type. That decision
// belongs to formats.Negotiate.
type GenerationRequest struct {
	source      string
	diagramType formats.DiagramType
	format      formats.Format
	identity    string
	bypassCache bool
}

// NewGenerationRequest validates params against the format policy and limits.
//
// # Description
//
// The source must be valid UTF-8, not blank, and no larger than
// limits.MaxSourceBytes. The diagram type must resolve through the policy,
// with aliases mapped to their canonical type. A non-empty format must be a
// known format. Any failure returns a ClientInputError and no request.
//
// Error messages never include the caller's input.
//
// # Inputs
//
//   - policy: The FormatPolicy table.
//   - limits: Size bounds. Zero MaxSourceBytes uses DefaultMaxSourceBytes.
//   - params: Raw values from the request.
//
// # Outputs
//
//   - *GenerationRequest: The immutable request.
//   - error: *apierrors.Error of kind ClientInputError.
func NewGenerationRequest(policy *formats.Policy, limits Limits, params GenerationParams) (*GenerationRequest, error) {
	const op = "datatypes.NewGenerationRequest"

	maxBytes := limits.MaxSourceBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxSourceBytes
	}

	switch {
	case strings.TrimSpace(params.Source) == "":
		return nil, apierrors.New(apierrors.KindClientInput, op, "source is required")
	case len(params.Source) > maxBytes:
		return nil, apierrors.New(apierrors.KindClientInput, op,
			fmt.Sprintf("source exceeds the maximum size of %d bytes", maxBytes))
	case !utf8.ValidString(params.Source):
		return nil, apierrors.New(apierrors.KindClientInput, op, "source must be valid UTF-8")
	}

	if strings.TrimSpace(params.DiagramType) == "" {
		return nil, apierrors.New(apierrors.KindClientInput, op, "diagramType is required")
	}
	if len(params.DiagramType) > maxTypeNameLength {
		return nil, apierrors.New(apierrors.KindClientInput, op, "diagramType is too long")
	}
	diagramType, ok := policy.Resolve(params.DiagramType)
	if !ok {
		err := apierrors.New(apierrors.KindClientInput, op,
			"unknown diagramType; supported types: "+strings.Join(policy.Names(), ", "))
		err.Alternatives = policy.Names()
		return nil, err
	}

	var format formats.Format
	if strings.TrimSpace(params.Format) != "" {
		f, err := formats.ParseFormat(params.Format)
		if err != nil {
			known := make([]string, 0, 4)
			for _, k := range formats.KnownFormats() {
				known = append(known, string(k))
			}
			return nil, apierrors.New(apierrors.KindClientInput, op,
				"unknown format; known formats: "+strings.Join(known, ", "))
		}
		format = f
	}

	return &GenerationRequest{
		source:      params.Source,
		diagramType: diagramType,
		format:      format,
		identity:    params.Identity,
		bypassCache: params.BypassCache,
	}, nil
}

// Source returns the diagram source as received.
func (r *GenerationRequest) Source() string { return r.source }

// DiagramType returns the canonical diagram type.
func (r *GenerationRequest) DiagramType() formats.DiagramType { return r.diagramType }

// Format returns the requested format, or "" when none was requested.
func (r *GenerationRequest) Format() formats.Format { return r.format }

// Identity returns the client identity key used for rate limiting.
func (r *GenerationRequest) Identity() string { return r.identity }

// BypassCache reports whether the caller asked to skip caches.
func (r *GenerationRequest) BypassCache() bool { return r.bypassCache }
