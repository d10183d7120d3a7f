// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the pluggable hooks of the gateway.
//
// # Extension Points
//
//   - identity.go: IdentityResolver, which turns a request into the key the
//     rate controller counts against.
//   - audit.go: AuditLogger, which records security-relevant decisions
//     (blocked sources, rate-limit denials).
//
// The defaults resolve identity from the client IP and write audit events to
// slog. Deployments with an API gateway or SIEM inject their own:
//
//	opts := extensions.DefaultOptions().
//	    WithIdentity(extensions.NewAPIKeyResolver(keys)).
//	    WithAudit(mySIEMLogger)
//	svc, err := gateway.New(cfg, &opts)
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups all extension points passed to gateway.New.
type ServiceOptions struct {
	// IdentityResolver derives the client identity for rate limiting.
	// Default: IPResolver
	IdentityResolver IdentityResolver

	// AuditLogger records security events.
	// Default: SlogAuditLogger
	AuditLogger AuditLogger
}

// DefaultOptions returns options with IP-based identity and slog auditing.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		IdentityResolver: &IPResolver{},
		AuditLogger:      NewSlogAuditLogger(nil),
	}
}

// WithIdentity returns a copy with the given resolver.
func (opts ServiceOptions) WithIdentity(resolver IdentityResolver) ServiceOptions {
	opts.IdentityResolver = resolver
	return opts
}

// WithAudit returns a copy with the given audit logger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// Normalize fills nil fields with defaults.
func (opts ServiceOptions) Normalize() ServiceOptions {
	defaults := DefaultOptions()
	if opts.IdentityResolver == nil {
		opts.IdentityResolver = defaults.IdentityResolver
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = defaults.AuditLogger
	}
	return opts
}
