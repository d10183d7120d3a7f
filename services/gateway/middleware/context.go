// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the HTTP middleware of the gateway.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	RequestID ──► assigns or accepts X-Request-ID
//	   │
//	   ▼
//	AccessLog ──► one structured line per request
//	   │
//	   ▼
//	Identity ──► extensions.IdentityResolver → Identity in context
//	   │
//	   ▼
//	RateLimit ──► ratelimit.Controller.Admit → headers, delay or 429
//	   │
//	   ▼
//	Handler (reads RequestID / GetIdentity)
//
// Errors raised here are attached with c.Error and rendered by the
// handlers package's error writer.
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/extensions"
)

// =============================================================================
// Context Keys
// =============================================================================

const (
	requestIDKey = "diagramgate_request_id"
	identityKey  = "diagramgate_identity"
)

// HeaderRequestID carries the correlation id in both directions.
const HeaderRequestID = "X-Request-ID"

// HeaderAPIKey carries the client's API key.
const HeaderAPIKey = "X-API-Key"

// =============================================================================
// Context Helpers
// =============================================================================

// RequestID returns the request's correlation id, or "" outside the
// RequestID middleware.
func RequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// SetIdentity stores the resolved identity.
func SetIdentity(c *gin.Context, id extensions.Identity) {
	c.Set(identityKey, id)
}

// GetIdentity returns the resolved identity. Without the Identity
// middleware it falls back to the client IP.
func GetIdentity(c *gin.Context) extensions.Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(extensions.Identity); ok {
			return id
		}
	}
	return extensions.Identity{Key: "ip:" + c.ClientIP(), Source: extensions.SourceIP}
}
