// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides the gateway's Prometheus domain metrics.
//
// # Description
//
// Metrics cover every stage of the pipeline:
//   - Render dispatches (by diagram type and outcome), latency and in-flight
//   - Security rejections and advisory warnings (by rule)
//   - Rate-limit decisions (allow, delay, deny, fail_open)
//   - Artifacts rejected by the response validator (by format)
//   - Dependency status as reported by the health aggregator
//
// HTTP server metrics are produced separately by the OpenTelemetry meter in
// the telemetry package and exported through the same registry.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/health"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/ratelimit"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/render"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "diagramgate"

// Metrics holds the gateway's domain metrics.
//
// # Description
//
// Metrics implements the observer interfaces of the rate controller, the
// render dispatcher and the health aggregator, so those packages stay free
// of Prometheus imports.
//
// # Fields
//
//   - RenderRequestsTotal: dispatches by diagram_type and outcome
//   - RenderDurationSeconds: dispatch latency by diagram_type
//   - RenderInflight: dispatches currently holding a slot
//   - SecurityRejectionsTotal: blocked sources by rule
//   - SecurityWarningsTotal: advisory findings by rule
//   - RateLimitDecisionsTotal: admission decisions by decision
//   - ArtifactRejectionsTotal: engine outputs rejected by format
//   - DependencyStatus: 0 unknown, 1 healthy, 2 degraded, 3 unhealthy
type Metrics struct {
	RenderRequestsTotal     *prometheus.CounterVec
	RenderDurationSeconds   *prometheus.HistogramVec
	RenderInflight          prometheus.Gauge
	SecurityRejectionsTotal *prometheus.CounterVec
	SecurityWarningsTotal   *prometheus.CounterVec
	RateLimitDecisionsTotal *prometheus.CounterVec
	ArtifactRejectionsTotal *prometheus.CounterVec
	DependencyStatus        *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Tests pass prometheus.NewRegistry().
//
// # Outputs
//
//   - *Metrics: The registered metrics.
//
// # Limitations
//
//   - Panics on duplicate registration, like promauto.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RenderRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "render_requests_total",
				Help:      "Render dispatches by diagram type and outcome",
			},
			[]string{"diagram_type", "outcome"},
		),

		RenderDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "render_duration_seconds",
				Help:      "Render dispatch latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"diagram_type"},
		),

		RenderInflight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "render_inflight",
				Help:      "Render dispatches currently in flight",
			},
		),

		SecurityRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "security_rejections_total",
				Help:      "Diagram sources rejected by the security policy, by rule",
			},
			[]string{"rule"},
		),

		SecurityWarningsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "security_warnings_total",
				Help:      "Advisory security findings below the block threshold, by rule",
			},
			[]string{"rule"},
		),

		RateLimitDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limit admission decisions",
			},
			[]string{"decision"},
		),

		ArtifactRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "artifact_rejections_total",
				Help:      "Engine outputs rejected by the response validator, by format",
			},
			[]string{"format"},
		),

		DependencyStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "dependency_status",
				Help:      "Dependency health: 0 unknown, 1 healthy, 2 degraded, 3 unhealthy",
			},
			[]string{"dependency"},
		),
	}
}

// =============================================================================
// Observer implementations
// =============================================================================

// RenderStarted implements render.Observer.
func (m *Metrics) RenderStarted(string) {
	m.RenderInflight.Inc()
}

// RenderFinished implements render.Observer.
func (m *Metrics) RenderFinished(diagramType, outcome string, latency time.Duration) {
	m.RenderInflight.Dec()
	m.RenderRequestsTotal.WithLabelValues(diagramType, outcome).Inc()
	m.RenderDurationSeconds.WithLabelValues(diagramType).Observe(latency.Seconds())
}

// RecordRateDecision implements ratelimit.Observer.
func (m *Metrics) RecordRateDecision(decision string) {
	m.RateLimitDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordDependencyStatus implements health.Observer.
func (m *Metrics) RecordDependencyStatus(name string, status health.Status) {
	m.DependencyStatus.WithLabelValues(name).Set(status.Level())
}

// RecordSecurityRejection counts a blocked source.
func (m *Metrics) RecordSecurityRejection(rule string) {
	m.SecurityRejectionsTotal.WithLabelValues(rule).Inc()
}

// RecordSecurityWarning counts an advisory finding.
func (m *Metrics) RecordSecurityWarning(rule string) {
	m.SecurityWarningsTotal.WithLabelValues(rule).Inc()
}

// RecordArtifactRejection counts an engine output that failed validation.
func (m *Metrics) RecordArtifactRejection(format string) {
	m.ArtifactRejectionsTotal.WithLabelValues(format).Inc()
}

var (
	_ render.Observer    = (*Metrics)(nil)
	_ ratelimit.Observer = (*Metrics)(nil)
	_ health.Observer    = (*Metrics)(nil)
)
