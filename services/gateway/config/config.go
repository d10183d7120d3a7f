// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the gateway configuration.
//
// Sources are applied in order: built-in defaults, an optional .env file,
// an optional YAML file, then DIAGRAMGATE_* environment variables. The
// result is validated with struct tags and a set of cross-field checks.
package config

import (
	"time"

	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/datatypes"
)

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Render    RenderConfig    `yaml:"render"`
	Limits    LimitsConfig    `yaml:"limits"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Security  SecurityConfig  `yaml:"security"`
	Health    HealthConfig    `yaml:"health"`
	Artifact  ArtifactConfig  `yaml:"artifact"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" validate:"gt=0"`
	CacheMaxAge     time.Duration `yaml:"cache_max_age" validate:"gte=0"`
	CORSOrigins     []string      `yaml:"cors_origins" validate:"dive,required"`
	TrustedProxies  []string      `yaml:"trusted_proxies" validate:"dive,cidr|ip"`
	Debug           bool          `yaml:"debug"`
}

// RenderConfig controls the engine client and dispatcher.
type RenderConfig struct {
	EngineURL        string        `yaml:"engine_url" validate:"required,url"`
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxConcurrent    int64         `yaml:"max_concurrent" validate:"gte=1"`
	MaxArtifactBytes int64         `yaml:"max_artifact_bytes" validate:"gt=0"`
}

// LimitsConfig bounds request content.
type LimitsConfig struct {
	MaxSourceBytes int `yaml:"max_source_bytes" validate:"gt=0"`
}

// RedisConfig addresses the shared rate store.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

// RateLimitConfig controls the rate controller.
type RateLimitConfig struct {
	Enabled         bool              `yaml:"enabled"`
	Store           string            `yaml:"store" validate:"oneof=memory redis"`
	Window          time.Duration     `yaml:"window" validate:"gt=0"`
	MaxRequests     int64             `yaml:"max_requests" validate:"gte=1"`
	DelayAfter      int64             `yaml:"delay_after" validate:"gte=0"`
	DelayStep       time.Duration     `yaml:"delay_step" validate:"gte=0"`
	MaxDelay        time.Duration     `yaml:"max_delay" validate:"gte=0"`
	IdleTTL         time.Duration     `yaml:"idle_ttl" validate:"gt=0"`
	JanitorInterval time.Duration     `yaml:"janitor_interval" validate:"gt=0"`
	Redis           RedisConfig       `yaml:"redis"`
	APIKeys         map[string]string `yaml:"api_keys" validate:"dive,keys,required,endkeys,min=16"`
}

// SecurityConfig controls the security scanner.
type SecurityConfig struct {
	BlockSeverity string `yaml:"block_severity" validate:"oneof=low medium high"`
	RulesFile     string `yaml:"rules_file"`
	WatchRules    bool   `yaml:"watch_rules"`
}

// HealthConfig controls dependency polling.
type HealthConfig struct {
	Interval         time.Duration `yaml:"interval" validate:"gt=0"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" validate:"gt=0"`
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=1"`
}

// ArtifactConfig controls the response validator.
type ArtifactConfig struct {
	DeepCheck bool  `yaml:"deep_check"`
	MaxPixels int64 `yaml:"max_pixels" validate:"gt=0"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
	Dir    string `yaml:"dir"`
}

// Default returns a complete, valid configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    256 << 10,
			CacheMaxAge:     time.Hour,
		},
		Render: RenderConfig{
			EngineURL:        "http://localhost:8000",
			Timeout:          30 * time.Second,
			MaxConcurrent:    16,
			MaxArtifactBytes: 16 << 20,
		},
		Limits: LimitsConfig{
			MaxSourceBytes: datatypes.DefaultMaxSourceBytes,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			Store:           "memory",
			Window:          60 * time.Second,
			MaxRequests:     100,
			DelayAfter:      50,
			DelayStep:       100 * time.Millisecond,
			MaxDelay:        2 * time.Second,
			IdleTTL:         10 * time.Minute,
			JanitorInterval: time.Minute,
			Redis: RedisConfig{
				Prefix: "diagramgate:ratelimit:",
			},
		},
		Security: SecurityConfig{
			BlockSeverity: "high",
			WatchRules:    true,
		},
		Health: HealthConfig{
			Interval:         10 * time.Second,
			ProbeTimeout:     2 * time.Second,
			FailureThreshold: 1,
		},
		Artifact: ArtifactConfig{
			MaxPixels: 64 << 20,
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}
