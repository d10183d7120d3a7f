// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides OpenTelemetry tracing and HTTP metrics for the
// gateway.
//
// # Trace Backend (default: none)
//
// Spans are exported over OTLP/gRPC when trace_exporter is "otlp", or
// printed when it is "stdout". The W3C TraceContext propagator is installed
// so the render dispatcher forwards trace headers to the engine.
//
// # Metrics Backend (default: Prometheus)
//
// The OTel Prometheus exporter registers with the same registry that serves
// the domain metrics, so /metrics carries both.
//
// # Usage
//
//	shutdown, err := telemetry.Init(ctx, cfg, registry)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//
// # Thread Safety
//
// All exported functions are safe for concurrent use after Init returns.
package telemetry
