// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/extensions"
)

// IdentityMiddleware resolves the client identity used for rate limiting.
//
// # Inputs
//
//   - resolver: Identity resolver. Nil uses extensions.IPResolver.
//
// # Thread Safety
//
// The resolver must be safe for concurrent use.
func IdentityMiddleware(resolver extensions.IdentityResolver) gin.HandlerFunc {
	if resolver == nil {
		resolver = &extensions.IPResolver{}
	}
	return func(c *gin.Context) {
		id := resolver.Resolve(c.Request.Context(), extensions.IdentityRequest{
			ClientIP: c.ClientIP(),
			APIKey:   c.GetHeader(HeaderAPIKey),
		})
		SetIdentity(c, id)
		c.Next()
	}
}
