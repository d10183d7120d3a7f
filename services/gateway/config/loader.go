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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DIAGRAMGATE_"

var (
	// ErrInvalidConfig is returned when validation fails.
	ErrInvalidConfig = errors.New("invalid configuration")

	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Load builds the configuration.
//
// # Description
//
// Applies, in order: Default(), envFile via godotenv (existing variables
// win), the YAML file at path (unknown keys are errors), DIAGRAMGATE_*
// environment overrides, struct validation and cross-field checks.
//
// # Inputs
//
//   - path: YAML file. Empty skips the file.
//   - envFile: .env file. Empty skips it; a missing file is not an error.
//
// # Outputs
//
//   - Config: The validated configuration.
//   - error: Wrapped read/parse errors, or ErrInvalidConfig.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Used by
// tests and tooling that already hold the bytes.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decodeYAML(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate runs tag validation and the cross-field checks.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	switch {
	case c.Health.ProbeTimeout >= c.Render.Timeout:
		return fmt.Errorf("%w: health.probe_timeout (%s) must be shorter than render.timeout (%s)",
			ErrInvalidConfig, c.Health.ProbeTimeout, c.Render.Timeout)
	case c.Health.ProbeTimeout > c.Health.Interval:
		return fmt.Errorf("%w: health.probe_timeout (%s) must not exceed health.interval (%s)",
			ErrInvalidConfig, c.Health.ProbeTimeout, c.Health.Interval)
	case c.RateLimit.IdleTTL < c.RateLimit.Window:
		return fmt.Errorf("%w: rate_limit.idle_ttl (%s) must be at least rate_limit.window (%s)",
			ErrInvalidConfig, c.RateLimit.IdleTTL, c.RateLimit.Window)
	case c.RateLimit.DelayAfter > 0 && c.RateLimit.DelayStep == 0:
		return fmt.Errorf("%w: rate_limit.delay_step is required when delay_after is set", ErrInvalidConfig)
	case c.RateLimit.Store == "redis" && c.RateLimit.Redis.Addr == "":
		return fmt.Errorf("%w: rate_limit.redis.addr is required when store is redis", ErrInvalidConfig)
	case c.Render.Timeout+c.RateLimit.MaxDelay >= c.Server.WriteTimeout:
		return fmt.Errorf("%w: render.timeout (%s) plus rate_limit.max_delay (%s) must be below server.write_timeout (%s)",
			ErrInvalidConfig, c.Render.Timeout, c.RateLimit.MaxDelay, c.Server.WriteTimeout)
	case int64(c.Limits.MaxSourceBytes) > c.Server.MaxBodyBytes:
		return fmt.Errorf("%w: limits.max_source_bytes (%d) exceeds server.max_body_bytes (%d)",
			ErrInvalidConfig, c.Limits.MaxSourceBytes, c.Server.MaxBodyBytes)
	}
	return nil
}

// =============================================================================
// Environment overrides
// =============================================================================

type envSetter func(cfg *Config, value string) error

// envOverrides maps DIAGRAMGATE_<NAME> to a config field.
var envOverrides = map[string]envSetter{
	"SERVER_ADDR":  func(c *Config, v string) error { c.Server.Addr = v; return nil },
	"SERVER_DEBUG": boolSetter(func(c *Config) *bool { return &c.Server.Debug }),
	"CORS_ORIGINS": func(c *Config, v string) error { c.Server.CORSOrigins = splitList(v); return nil },

	"ENGINE_URL":            func(c *Config, v string) error { c.Render.EngineURL = v; return nil },
	"RENDER_TIMEOUT":        durationSetter(func(c *Config) *time.Duration { return &c.Render.Timeout }),
	"RENDER_MAX_CONCURRENT": intSetter(func(c *Config) *int64 { return &c.Render.MaxConcurrent }),

	"RATE_LIMIT_ENABLED":      boolSetter(func(c *Config) *bool { return &c.RateLimit.Enabled }),
	"RATE_LIMIT_STORE":        func(c *Config, v string) error { c.RateLimit.Store = v; return nil },
	"RATE_LIMIT_WINDOW":       durationSetter(func(c *Config) *time.Duration { return &c.RateLimit.Window }),
	"RATE_LIMIT_MAX_REQUESTS": intSetter(func(c *Config) *int64 { return &c.RateLimit.MaxRequests }),
	"REDIS_ADDR":              func(c *Config, v string) error { c.RateLimit.Redis.Addr = v; return nil },
	"REDIS_PASSWORD":          func(c *Config, v string) error { c.RateLimit.Redis.Password = v; return nil },
	"API_KEYS":                parseAPIKeys,

	"SECURITY_BLOCK_SEVERITY": func(c *Config, v string) error { c.Security.BlockSeverity = strings.ToLower(v); return nil },
	"SECURITY_RULES_FILE":     func(c *Config, v string) error { c.Security.RulesFile = v; return nil },

	"TRACE_EXPORTER": func(c *Config, v string) error { c.Telemetry.TraceExporter = v; return nil },
	"OTLP_ENDPOINT":  func(c *Config, v string) error { c.Telemetry.OTLPEndpoint = v; return nil },

	"LOG_LEVEL":  func(c *Config, v string) error { c.Log.Level = strings.ToLower(v); return nil },
	"LOG_FORMAT": func(c *Config, v string) error { c.Log.Format = strings.ToLower(v); return nil },
	"LOG_DIR":    func(c *Config, v string) error { c.Log.Dir = v; return nil },
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for name, set := range envOverrides {
		value, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		if err := set(cfg, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, name, err)
		}
	}
	return nil
}

func boolSetter(field func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func intSetter(field func(*Config) *int64) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func durationSetter(field func(*Config) *time.Duration) envSetter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func splitList(v string) []string {
	var out []string
	for part := range strings.SplitSeq(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseAPIKeys reads "name=secret,name2=secret2".
func parseAPIKeys(c *Config, v string) error {
	keys := make(map[string]string)
	for _, pair := range splitList(v) {
		name, secret, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return errors.New("expected name=secret pairs")
		}
		keys[strings.TrimSpace(name)] = strings.TrimSpace(secret)
	}
	c.RateLimit.APIKeys = keys
	return nil
}
