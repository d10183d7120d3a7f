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
	"log/slog"
	"sync"
	"time"
)

// Audit event types.
const (
	EventSecurityViolation = "security.violation"
	EventSecurityWarning   = "security.warning"
	EventRateLimited       = "ratelimit.denied"
)

// AuditEvent is one security-relevant decision.
type AuditEvent struct {
	// EventType is "category.action", e.g. "security.violation".
	EventType string

	// Timestamp of the decision. Zero means now (UTC).
	Timestamp time.Time

	// Identity is the rate-limiting key of the client.
	Identity string

	// RequestID correlates with access logs.
	RequestID string

	// Outcome is "blocked", "allowed" or "warned".
	Outcome string

	// Metadata holds event details such as rule ids and the diagram type.
	// Never put raw diagram source here.
	Metadata map[string]any
}

// AuditLogger records audit events. Log should return quickly.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}

// SlogAuditLogger writes events as structured log records.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates an audit logger. A nil logger uses slog.Default
// at call time.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	return &SlogAuditLogger{logger: logger}
}

// Log implements AuditLogger.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	logger := l.logger
	if logger == nil {
		logger = slog.Default()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []any{
		"audit", true,
		"event_type", event.EventType,
		"identity", event.Identity,
		"request_id", event.RequestID,
		"outcome", event.Outcome,
		"event_time", event.Timestamp,
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, k, v)
	}
	logger.InfoContext(ctx, "audit event", attrs...)
	return nil
}

// NopAuditLogger discards events.
type NopAuditLogger struct{}

// Log implements AuditLogger.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

// RecordingAuditLogger keeps events in memory. Used by tests.
type RecordingAuditLogger struct {
	mu     sync.Mutex
	events []AuditEvent
}

// Log implements AuditLogger.
func (l *RecordingAuditLogger) Log(_ context.Context, event AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (l *RecordingAuditLogger) Events() []AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEvent, len(l.events))
	copy(out, l.events)
	return out
}

var (
	_ AuditLogger      = (*SlogAuditLogger)(nil)
	_ AuditLogger      = (*NopAuditLogger)(nil)
	_ AuditLogger      = (*RecordingAuditLogger)(nil)
	_ IdentityResolver = (*IPResolver)(nil)
	_ IdentityResolver = (*APIKeyResolver)(nil)
)
