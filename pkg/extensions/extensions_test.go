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
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

// ============================================================================
// ServiceOptions Tests
// ============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if _, ok := opts.IdentityResolver.(*IPResolver); !ok {
		t.Errorf("DefaultOptions().IdentityResolver = %T, want *IPResolver", opts.IdentityResolver)
	}
	if _, ok := opts.AuditLogger.(*SlogAuditLogger); !ok {
		t.Errorf("DefaultOptions().AuditLogger = %T, want *SlogAuditLogger", opts.AuditLogger)
	}
}

func TestServiceOptions_FluentChaining(t *testing.T) {
	original := DefaultOptions()
	audit := &RecordingAuditLogger{}
	resolver := NewAPIKeyResolver(map[string]string{"ci": "secret"})

	opts := original.WithAudit(audit).WithIdentity(resolver)

	if opts.AuditLogger != audit {
		t.Error("WithAudit did not set logger")
	}
	if opts.IdentityResolver != resolver {
		t.Error("WithIdentity did not set resolver")
	}
	if _, ok := original.AuditLogger.(*SlogAuditLogger); !ok {
		t.Error("original options were mutated")
	}
}

func TestServiceOptions_Normalize(t *testing.T) {
	opts := ServiceOptions{}.Normalize()
	if opts.IdentityResolver == nil || opts.AuditLogger == nil {
		t.Fatal("Normalize left nil fields")
	}
}

// ============================================================================
// Identity Tests
// ============================================================================

func TestIPResolver(t *testing.T) {
	id := (&IPResolver{}).Resolve(context.Background(), IdentityRequest{ClientIP: "10.0.0.1", APIKey: "ignored"})
	if id.Key != "ip:10.0.0.1" || id.Source != SourceIP {
		t.Errorf("Resolve() = %+v", id)
	}
}

func TestAPIKeyResolver(t *testing.T) {
	r := NewAPIKeyResolver(map[string]string{"ci": "s3cret", "empty": ""})

	tests := []struct {
		name       string
		apiKey     string
		wantKey    string
		wantSource IdentitySource
	}{
		{"known key", "s3cret", "key:ci", SourceAPIKey},
		{"unknown key falls back", "guess", "ip:1.2.3.4", SourceIP},
		{"no key", "", "ip:1.2.3.4", SourceIP},
		{"empty secret never matches", "", "ip:1.2.3.4", SourceIP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := r.Resolve(context.Background(), IdentityRequest{ClientIP: "1.2.3.4", APIKey: tt.apiKey})
			if id.Key != tt.wantKey {
				t.Errorf("Key = %q, want %q", id.Key, tt.wantKey)
			}
			if id.Source != tt.wantSource {
				t.Errorf("Source = %q, want %q", id.Source, tt.wantSource)
			}
		})
	}
}

func TestAPIKeyResolver_UnknownKeyWarningThrottled(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	r := NewAPIKeyResolver(map[string]string{"ci": "s3cret"})
	for i := range 50 {
		id := r.Resolve(context.Background(), IdentityRequest{
			ClientIP: "1.2.3.4",
			APIKey:   "made-up-" + strings.Repeat("x", i),
		})
		if id.Source != SourceIP {
			t.Fatalf("Source = %q, want %q", id.Source, SourceIP)
		}
	}

	if got := strings.Count(buf.String(), "Unknown API key presented"); got != 1 {
		t.Errorf("logged %d unknown-key warnings, want 1:\n%s", got, buf.String())
	}
}

// ============================================================================
// Audit Tests
// ============================================================================

func TestSlogAuditLogger_Log(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogAuditLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	err := logger.Log(context.Background(), AuditEvent{
		EventType: EventSecurityViolation,
		Identity:  "ip:1.2.3.4",
		Outcome:   "blocked",
		Metadata:  map[string]any{"rule": "FS_INCLUDE"},
	})
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"event_type=security.violation", "rule=FS_INCLUDE", "outcome=blocked"} {
		if !strings.Contains(out, want) {
			t.Errorf("audit output missing %q: %s", want, out)
		}
	}
}

func TestRecordingAuditLogger(t *testing.T) {
	rec := &RecordingAuditLogger{}
	_ = rec.Log(context.Background(), AuditEvent{EventType: EventRateLimited})
	events := rec.Events()
	if len(events) != 1 || events[0].EventType != EventRateLimited {
		t.Fatalf("Events() = %+v", events)
	}
	events[0].EventType = "mutated"
	if rec.Events()[0].EventType != EventRateLimited {
		t.Error("Events() returned internal slice")
	}
}

func TestNopAuditLogger_WithCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (&NopAuditLogger{}).Log(ctx, AuditEvent{}); err != nil {
		t.Errorf("Log() error = %v", err)
	}
}
