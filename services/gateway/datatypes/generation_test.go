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

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/apierrors"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/formats"
)

func testPolicy(t *testing.T) *formats.Policy {
	t.Helper()
	policy, err := formats.DefaultPolicy()
	require.NoError(t, err)
	return policy
}

// =============================================================================
// NewGenerationRequest
// =============================================================================

func TestNewGenerationRequest_Valid(t *testing.T) {
	req, err := NewGenerationRequest(testPolicy(t), Limits{}, GenerationParams{
		Source:      "A -> B: hello",
		DiagramType: "SeqDiag",
		Format:      "PNG",
		Identity:    "ip:10.0.0.1",
		BypassCache: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "A -> B: hello", req.Source())
	assert.Equal(t, formats.DiagramType("sequence"), req.DiagramType())
	assert.Equal(t, formats.PNG, req.Format())
	assert.Equal(t, "ip:10.0.0.1", req.Identity())
	assert.True(t, req.BypassCache())
}

func TestNewGenerationRequest_FormatOptional(t *testing.T) {
	req, err := NewGenerationRequest(testPolicy(t), Limits{}, GenerationParams{
		Source:      "digraph { a -> b }",
		DiagramType: "dot",
	})
	require.NoError(t, err)
	assert.Equal(t, formats.DiagramType("graphviz"), req.DiagramType())
	assert.Empty(t, req.Format())
}

// A known but unsupported format is left for the negotiator.
func TestNewGenerationRequest_UnsupportedFormatDeferred(t *testing.T) {
	req, err := NewGenerationRequest(testPolicy(t), Limits{}, GenerationParams{
		Source:      "A -> B",
		DiagramType: "sequence",
		Format:      "jpeg",
	})
	require.NoError(t, err)
	assert.Equal(t, formats.JPEG, req.Format())
}

func TestNewGenerationRequest_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		params GenerationParams
		limits Limits
	}{
		{"empty source", GenerationParams{Source: "", DiagramType: "sequence"}, Limits{}},
		{"blank source", GenerationParams{Source: " \n\t ", DiagramType: "sequence"}, Limits{}},
		{"oversized source", GenerationParams{Source: strings.Repeat("a", 11), DiagramType: "sequence"}, Limits{MaxSourceBytes: 10}},
		{"invalid utf8", GenerationParams{Source: "A -> \xff\xfe", DiagramType: "sequence"}, Limits{}},
		{"missing type", GenerationParams{Source: "A -> B"}, Limits{}},
		{"unknown type", GenerationParams{Source: "A -> B", DiagramType: "<script>"}, Limits{}},
		{"overlong type", GenerationParams{Source: "A -> B", DiagramType: strings.Repeat("x", 65)}, Limits{}},
		{"unknown format", GenerationParams{Source: "A -> B", DiagramType: "sequence", Format: "jpg"}, Limits{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := NewGenerationRequest(testPolicy(t), tc.limits, tc.params)
			require.Error(t, err)
			assert.Nil(t, req)
			assert.True(t, apierrors.IsKind(err, apierrors.KindClientInput))

			apiErr, _ := apierrors.As(err)
			if tc.params.DiagramType != "" && tc.params.DiagramType != "sequence" {
				assert.NotContains(t, apiErr.Message, tc.params.DiagramType, "input must not be reflected")
			}
		})
	}
}

func TestNewGenerationRequest_DefaultLimit(t *testing.T) {
	policy := testPolicy(t)

	atLimit := strings.Repeat("a", DefaultMaxSourceBytes)
	_, err := NewGenerationRequest(policy, Limits{}, GenerationParams{Source: atLimit, DiagramType: "sequence"})
	assert.NoError(t, err)

	_, err = NewGenerationRequest(policy, Limits{}, GenerationParams{Source: atLimit + "a", DiagramType: "sequence"})
	assert.Error(t, err)
}

// =============================================================================
// GenerateRequestBody
// =============================================================================

func TestGenerateRequestBody_Validate(t *testing.T) {
	valid := GenerateRequestBody{Source: "A -> B", DiagramType: "sequence"}
	assert.NoError(t, valid.Validate())

	blank := GenerateRequestBody{Source: "   ", DiagramType: "sequence"}
	assert.Error(t, blank.Validate())

	noType := GenerateRequestBody{Source: "A -> B"}
	assert.Error(t, noType.Validate())

	longFormat := GenerateRequestBody{Source: "A", DiagramType: "sequence", Format: strings.Repeat("f", 65)}
	assert.Error(t, longFormat.Validate())
}
