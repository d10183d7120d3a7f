// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Defaults
// =============================================================================

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, int64(100), cfg.RateLimit.MaxRequests)
	assert.Equal(t, 30*time.Second, cfg.Render.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Health.Interval)
	assert.Equal(t, 2*time.Second, cfg.Health.ProbeTimeout)
	assert.Equal(t, 1, cfg.Health.FailureThreshold)
	assert.Equal(t, "high", cfg.Security.BlockSeverity)
	assert.Equal(t, 128<<10, cfg.Limits.MaxSourceBytes)
}

// =============================================================================
// YAML
// =============================================================================

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  addr: "127.0.0.1:9090"
  debug: true
render:
  engine_url: "http://renderer:8000"
  timeout: 10s
rate_limit:
  store: redis
  redis:
    addr: "redis:6379"
security:
  block_severity: medium
`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	assert.True(t, cfg.Server.Debug)
	assert.Equal(t, "http://renderer:8000", cfg.Render.EngineURL)
	assert.Equal(t, 10*time.Second, cfg.Render.Timeout)
	assert.Equal(t, "redis", cfg.RateLimit.Store)
	assert.Equal(t, "redis:6379", cfg.RateLimit.Redis.Addr)
	assert.Equal(t, "medium", cfg.Security.BlockSeverity)
	// untouched sections keep defaults
	assert.Equal(t, int64(16), cfg.Render.MaxConcurrent)
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_UnknownFieldRejected(t *testing.T) {
	_, err := Parse([]byte("server:\n  adress: \":80\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adress")
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad severity", "security:\n  block_severity: critical\n", "BlockSeverity"},
		{"bad store", "rate_limit:\n  store: etcd\n", "Store"},
		{"bad engine url", "render:\n  engine_url: not a url\n", "EngineURL"},
		{"zero concurrency", "render:\n  max_concurrent: 0\n", "MaxConcurrent"},
		{"short api key", "rate_limit:\n  api_keys:\n    team: short\n", "APIKeys"},
		{"probe slower than render", "health:\n  probe_timeout: 30s\n  interval: 60s\n", "health.probe_timeout"},
		{"probe slower than interval", "health:\n  probe_timeout: 5s\n  interval: 1s\n", "health.interval"},
		{"idle ttl below window", "rate_limit:\n  idle_ttl: 30s\n", "rate_limit.idle_ttl"},
		{"redis without addr", "rate_limit:\n  store: redis\n", "rate_limit.redis.addr"},
		{"delay without step", "rate_limit:\n  delay_after: 10\n  delay_step: 0s\n", "delay_step"},
		{"render outlives write deadline", "render:\n  timeout: 90s\n", "server.write_timeout"},
		{"delay pushes render past write deadline", "server:\n  write_timeout: 31s\nrate_limit:\n  max_delay: 2s\n", "rate_limit.max_delay"},
		{"source larger than body", "limits:\n  max_source_bytes: 999999999\n", "max_body_bytes"},
		{"otlp without endpoint", "telemetry:\n  trace_exporter: otlp\n  otlp_endpoint: \"\"\n", "OTLPEndpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// =============================================================================
// Load: files and environment
// =============================================================================

func TestLoad_FileEnvFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "diagramgate.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("render:\n  engine_url: http://from-file:8000\nlog:\n  level: debug\n"), 0o600))

	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("DIAGRAMGATE_SERVER_ADDR=:7070\nDIAGRAMGATE_LOG_LEVEL=warn\n"), 0o600))

	// Process environment wins over both the .env file and the YAML.
	t.Setenv("DIAGRAMGATE_LOG_LEVEL", "ERROR")
	t.Setenv("DIAGRAMGATE_RATE_LIMIT_MAX_REQUESTS", "5")
	t.Setenv("DIAGRAMGATE_RENDER_TIMEOUT", "12s")
	t.Setenv("DIAGRAMGATE_API_KEYS", "team-a=0123456789abcdef, team-b=fedcba9876543210")
	t.Setenv("DIAGRAMGATE_CORS_ORIGINS", "https://a.example, https://b.example")
	// godotenv sets this for the rest of the test binary.
	t.Cleanup(func() { _ = os.Unsetenv("DIAGRAMGATE_SERVER_ADDR") })

	cfg, err := Load(cfgPath, envPath)
	require.NoError(t, err)

	assert.Equal(t, "http://from-file:8000", cfg.Render.EngineURL)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, int64(5), cfg.RateLimit.MaxRequests)
	assert.Equal(t, 12*time.Second, cfg.Render.Timeout)
	assert.Equal(t, map[string]string{"team-a": "0123456789abcdef", "team-b": "fedcba9876543210"}, cfg.RateLimit.APIKeys)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestLoad_MissingEnvFileIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_BadEnvironmentValue(t *testing.T) {
	t.Setenv("DIAGRAMGATE_RENDER_TIMEOUT", "soon")
	_, err := Load("", "")
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "DIAGRAMGATE_RENDER_TIMEOUT")
}

func TestParseAPIKeys_Malformed(t *testing.T) {
	var cfg Config
	assert.Error(t, parseAPIKeys(&cfg, "no-separator"))
	assert.Error(t, parseAPIKeys(&cfg, "=secret"))
}
