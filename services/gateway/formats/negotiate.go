// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package formats

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/apierrors"
)

// Negotiate resolves the output format for a diagram type.
//
// # Description
//
// With no requested format the type's default is returned. A requested
// format is returned only if it is in the type's supported set; anything
// else fails with UnsupportedFormat listing the supported formats. A
// different format is never substituted.
//
// # Inputs
//
//   - policy: The FormatPolicy table.
//   - diagramType: Canonical type, as returned by Policy.Resolve.
//   - requested: Requested format, or "" for the default.
//
// # Outputs
//
//   - Format: The negotiated format.
//   - error: *apierrors.Error of kind UnsupportedFormat, or ClientInputError
//     for a type missing from the table.
func Negotiate(policy *Policy, diagramType DiagramType, requested Format) (Format, error) {
	row, ok := policy.types[diagramType]
	if !ok {
		return "", apierrors.New(apierrors.KindClientInput, "formats.Negotiate",
			fmt.Sprintf("unknown diagram type %q", diagramType))
	}
	if requested == "" {
		return row.Default, nil
	}
	if row.Supports(requested) {
		return requested, nil
	}

	alternatives := make([]string, 0, len(row.Supported))
	for _, f := range row.Supported {
		alternatives = append(alternatives, string(f))
	}
	slices.Sort(alternatives)

	err := apierrors.New(apierrors.KindUnsupportedFormat, "formats.Negotiate",
		fmt.Sprintf("format %q is not supported for diagram type %q; supported formats: %s",
			requested, diagramType, strings.Join(alternatives, ", ")))
	err.Alternatives = alternatives
	return "", err
}
