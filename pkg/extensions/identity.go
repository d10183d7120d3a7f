// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// IdentitySource records how an identity was derived.
type IdentitySource string

const (
	SourceIP     IdentitySource = "ip"
	SourceAPIKey IdentitySource = "api_key"
)

// Identity is the rate-limiting subject of a request.
//
// Key is stable for a client and safe to log; it never contains the raw
// API key.
type Identity struct {
	Key    string
	Source IdentitySource
}

// IdentityRequest carries the request attributes a resolver may use.
type IdentityRequest struct {
	// ClientIP is the client address after trusted-proxy resolution.
	ClientIP string

	// APIKey is the raw X-API-Key header value, possibly empty.
	APIKey string
}

// IdentityResolver derives a client identity.
//
// Resolve must not fail open to a shared identity: when a credential cannot
// be verified, the resolver falls back to the client IP so one client cannot
// escape its limit by rotating made-up keys.
type IdentityResolver interface {
	Resolve(ctx context.Context, req IdentityRequest) Identity
}

// IPResolver keys every request by client IP.
type IPResolver struct{}

// Resolve implements IdentityResolver.
func (r *IPResolver) Resolve(_ context.Context, req IdentityRequest) Identity {
	return Identity{Key: "ip:" + req.ClientIP, Source: SourceIP}
}

// APIKeyResolver keys requests by a configured API key name, falling back
// to IP for absent or unknown keys.
type APIKeyResolver struct {
	keys []apiKey

	// unknownLog throttles the unknown-key warning.
	unknownLog rate.Sometimes
}

type apiKey struct {
	secret []byte
	name   string
}

// NewAPIKeyResolver creates a resolver from a name → secret map.
func NewAPIKeyResolver(keys map[string]string) *APIKeyResolver {
	r := &APIKeyResolver{unknownLog: rate.Sometimes{First: 1, Interval: 30 * time.Second}}
	for name, secret := range keys {
		if secret == "" {
			continue
		}
		r.keys = append(r.keys, apiKey{secret: []byte(secret), name: name})
	}
	return r
}

// Resolve implements IdentityResolver. Key comparison is constant-time and
// scans every configured key.
func (r *APIKeyResolver) Resolve(_ context.Context, req IdentityRequest) Identity {
	if req.APIKey != "" {
		presented := []byte(req.APIKey)
		matched := ""
		for _, k := range r.keys {
			if subtle.ConstantTimeCompare(presented, k.secret) == 1 {
				matched = k.name
			}
		}
		if matched != "" {
			return Identity{Key: "key:" + matched, Source: SourceAPIKey}
		}
		r.unknownLog.Do(func() {
			slog.Warn("Unknown API key presented, falling back to client IP",
				"client_ip", req.ClientIP)
		})
	}
	return Identity{Key: "ip:" + req.ClientIP, Source: SourceIP}
}
