// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package enforcement embeds the default security rule table into the binary.
package enforcement

import (
	_ "embed"
)

// SecurityRules holds the raw bytes of security_rules.yaml.
//
// Operators may replace the table at runtime with a rules file; the embedded
// copy is the fallback and the baseline that `diagramgate policy verify`
// hashes.
//
//go:embed security_rules.yaml
var SecurityRules []byte
