// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway assembles the diagram gateway service.
//
// This package wires every component of the service: HTTP routing, the
// security scanner, the format policy, the rate controller, the render
// dispatcher, the response validator, the health aggregator and the
// observability stack.
//
// # Extension Points
//
// The gateway accepts extensions.ServiceOptions for identity resolution and
// audit logging:
//
//	opts := extensions.DefaultOptions().
//	    WithIdentity(extensions.NewAPIKeyResolver(cfg.RateLimit.APIKeys))
//	svc, err := gateway.New(ctx, cfg, &opts)
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
//
// # Background Work
//
// Run starts the HTTP server together with the health poller, the rate
// window janitor (memory store only) and the rules file watcher (when an
// override file is configured). All of them stop when ctx is cancelled.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/apierrors"
	"github.com/ssmirnovpro/diagramV2-sub001/pkg/extensions"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/artifact"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/config"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/datatypes"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/formats"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/handlers"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/health"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/middleware"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/observability"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/pipeline"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/ratelimit"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/render"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/routes"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/telemetry"
	"github.com/ssmirnovpro/diagramV2-sub001/services/policy_engine"
)

// Version is the build version, set with -ldflags "-X ...gateway.Version=".
var Version = "dev"

// Dependency names reported on /status.
const (
	DependencyRenderEngine = "render-engine"
	DependencyRateStore    = "rate-store"
)

// =============================================================================
// Service
// =============================================================================

// Service is the assembled gateway.
//
// # Thread Safety
//
// Thread-safe after construction. Run should be called once.
type Service struct {
	cfg  config.Config
	opts extensions.ServiceOptions

	registry   *prometheus.Registry
	metrics    *observability.Metrics
	scanner    *policy_engine.PolicyEngine
	watcher    *policy_engine.RuleWatcher
	policy     *formats.Policy
	store      ratelimit.Store
	limiter    *ratelimit.Controller
	dispatcher *render.Dispatcher
	health     *health.Aggregator
	router     *gin.Engine
	server     *http.Server
	started    time.Time

	telemetryShutdown func(context.Context) error
	shutdownOnce      sync.Once
	shutdownErr       error
}

// New creates a Service from a validated configuration.
//
// # Description
//
// New initializes, in order:
//  1. OpenTelemetry (traces, OTel meter exported through Prometheus)
//  2. Domain metrics on a private Prometheus registry
//  3. The security scanner, from the embedded rules or the override file
//  4. The format policy
//  5. The rate store (memory or Redis) and controller
//  6. The engine client, dispatcher and response validator
//  7. The health aggregator and its probes
//  8. The HTTP router
//
// Nil fields of opts take their defaults. When API keys are configured and
// no resolver is given, identities come from extensions.APIKeyResolver.
//
// # Inputs
//
//   - ctx: Used for startup connections (Redis ping, OTLP exporter).
//   - cfg: Configuration; see config.Load.
//   - opts: Extension options. May be nil.
//
// # Outputs
//
//   - *Service: Ready to Run.
//   - error: Non-nil if any component fails to initialize.
func New(ctx context.Context, cfg config.Config, opts *extensions.ServiceOptions) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}
	var base extensions.ServiceOptions
	if opts != nil {
		base = *opts
	}
	if base.IdentityResolver == nil && len(cfg.RateLimit.APIKeys) > 0 {
		base.IdentityResolver = extensions.NewAPIKeyResolver(cfg.RateLimit.APIKeys)
	}
	s.opts = base.Normalize()

	if err := s.initTelemetry(ctx); err != nil {
		return nil, err
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.registry)

	if err := s.initScanner(); err != nil {
		s.cleanup(ctx)
		return nil, err
	}

	policy, err := formats.DefaultPolicy()
	if err != nil {
		s.cleanup(ctx)
		return nil, fmt.Errorf("failed to load format policy: %w", err)
	}
	s.policy = policy

	if err := s.initRateLimit(ctx); err != nil {
		s.cleanup(ctx)
		return nil, err
	}

	engine, err := render.NewHTTPEngineClient(render.HTTPEngineConfig{
		BaseURL:          cfg.Render.EngineURL,
		MaxArtifactBytes: cfg.Render.MaxArtifactBytes,
	})
	if err != nil {
		s.cleanup(ctx)
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}
	s.dispatcher = render.NewDispatcher(engine, render.Config{
		Timeout:       cfg.Render.Timeout,
		MaxConcurrent: cfg.Render.MaxConcurrent,
	}, render.WithObserver(s.metrics))

	s.initHealth()

	if err := s.initRouter(); err != nil {
		s.cleanup(ctx)
		return nil, err
	}

	slog.Info("Gateway initialized",
		"version", Version,
		"engine_url", cfg.Render.EngineURL,
		"rate_store", cfg.RateLimit.Store,
		"rate_limit_enabled", cfg.RateLimit.Enabled,
		"rules_version", s.scanner.Info().Version,
		"block_severity", s.scanner.BlockSeverity(),
		"format_policy", s.policy.Version())
	return s, nil
}

// =============================================================================
// Initialization
// =============================================================================

func (s *Service) initTelemetry(ctx context.Context) error {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = Version
	tcfg.TraceExporter = s.cfg.Telemetry.TraceExporter
	tcfg.MetricExporter = s.cfg.Telemetry.MetricExporter
	tcfg.OTLPEndpoint = s.cfg.Telemetry.OTLPEndpoint
	tcfg.OTLPInsecure = s.cfg.Telemetry.OTLPInsecure

	shutdown, err := telemetry.Init(ctx, tcfg, s.registry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.telemetryShutdown = shutdown
	return nil
}

func (s *Service) initScanner() error {
	severity, err := policy_engine.ParseSeverity(s.cfg.Security.BlockSeverity)
	if err != nil {
		return fmt.Errorf("failed to parse block severity: %w", err)
	}
	opts := policy_engine.Options{BlockSeverity: severity, Debug: s.cfg.Server.Debug}

	if s.cfg.Security.RulesFile == "" {
		s.scanner, err = policy_engine.NewPolicyEngine(opts)
	} else {
		s.scanner, err = policy_engine.NewPolicyEngineFromFile(s.cfg.Security.RulesFile, opts)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	if s.cfg.Security.RulesFile != "" && s.cfg.Security.WatchRules {
		s.watcher, err = policy_engine.NewRuleWatcher(s.scanner, s.cfg.Security.RulesFile, nil)
		if err != nil {
			return fmt.Errorf("failed to create rules watcher: %w", err)
		}
	}
	return nil
}

func (s *Service) initRateLimit(ctx context.Context) error {
	rl := s.cfg.RateLimit
	switch rl.Store {
	case "redis":
		store, err := ratelimit.NewRedisStore(ctx, ratelimit.RedisConfig{
			Addr:     rl.Redis.Addr,
			Password: rl.Redis.Password,
			DB:       rl.Redis.DB,
			Prefix:   rl.Redis.Prefix,
		})
		if err != nil {
			return fmt.Errorf("failed to connect rate store: %w", err)
		}
		s.store = store
	default:
		s.store = ratelimit.NewMemoryStore()
	}

	s.limiter = ratelimit.NewController(s.store, ratelimit.Config{
		Window:      rl.Window,
		MaxRequests: rl.MaxRequests,
		DelayAfter:  rl.DelayAfter,
		DelayStep:   rl.DelayStep,
		MaxDelay:    rl.MaxDelay,
		IdleTTL:     rl.IdleTTL,
	}, ratelimit.WithObserver(s.metrics))
	return nil
}

func (s *Service) initHealth() {
	s.health = health.NewAggregator(health.Config{
		Interval:         s.cfg.Health.Interval,
		ProbeTimeout:     s.cfg.Health.ProbeTimeout,
		FailureThreshold: s.cfg.Health.FailureThreshold,
	}, health.WithObserver(s.metrics))

	s.health.Register(DependencyRenderEngine, true, health.NewHTTPProbe(s.cfg.Render.EngineURL, &http.Client{}))
	if redisStore, ok := s.store.(*ratelimit.RedisStore); ok {
		s.health.Register(DependencyRateStore, false, health.NewRedisProbe(redisStore.Client()))
	}
}

func (s *Service) initRouter() error {
	debug := s.cfg.Server.Debug

	s.router = gin.New()
	if err := s.router.SetTrustedProxies(s.cfg.Server.TrustedProxies); err != nil {
		return fmt.Errorf("invalid trusted proxies: %w", err)
	}

	httpMetrics, err := telemetry.NewHTTPMetrics(otel.Meter("diagramgate.gateway.http"))
	if err != nil {
		return fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	s.router.Use(
		middleware.RequestIDMiddleware(),
		otelgin.Middleware("diagramgate"),
		httpMetrics.GinMiddleware(),
		middleware.AccessLogMiddleware(),
		gin.CustomRecovery(func(c *gin.Context, recovered any) {
			handlers.WriteError(c, apierrors.Internal("gateway.recover", fmt.Errorf("panic: %v", recovered)), debug)
			c.Abort()
		}),
	)
	if len(s.cfg.Server.CORSOrigins) > 0 {
		s.router.Use(cors.New(corsConfig(s.cfg.Server.CORSOrigins)))
	}
	s.router.Use(handlers.ErrorWriter(debug))

	pipe := pipeline.New(pipeline.Deps{
		Scanner:  s.scanner,
		Policy:   s.policy,
		Renderer: s.dispatcher,
		Validator: artifact.NewValidator(artifact.Config{
			DeepCheck: s.cfg.Artifact.DeepCheck,
			MaxPixels: s.cfg.Artifact.MaxPixels,
		}),
		Audit:    s.opts.AuditLogger,
		Recorder: s.metrics,
	})

	limited := []gin.HandlerFunc{middleware.IdentityMiddleware(s.opts.IdentityResolver)}
	if s.cfg.RateLimit.Enabled {
		limited = append(limited, middleware.RateLimitMiddleware(s.limiter, s.opts.AuditLogger, nil))
	}

	routes.SetupRoutes(s.router, routes.Deps{
		Generate: handlers.HandleGenerate(pipe, s.policy, handlers.GenerateConfig{
			MaxBodyBytes: s.cfg.Server.MaxBodyBytes,
			Limits:       datatypes.Limits{MaxSourceBytes: s.cfg.Limits.MaxSourceBytes},
			CacheMaxAge:  s.cfg.Server.CacheMaxAge,
		}),
		Status: handlers.HandleStatus(handlers.StatusDeps{
			Health:  s.health,
			Stats:   s.dispatcher.Stats(),
			Scanner: s.scanner,
			Version: Version,
			Started: s.started,
			Debug:   s.cfg.Server.Debug,
		}),
		Formats: handlers.HandleFormats(s.policy),
		Metrics: promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}),
		Limited: limited,
	})

	s.server = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
	}
	return nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", middleware.HeaderAPIKey, middleware.HeaderRequestID},
		ExposeHeaders: []string{
			middleware.HeaderRequestID,
			middleware.HeaderRateLimitLimit,
			middleware.HeaderRateLimitRemaining,
			middleware.HeaderRateLimitReset,
			middleware.HeaderRetryAfter,
			handlers.HeaderDiagramType,
			handlers.HeaderDiagramFormat,
			handlers.HeaderRenderTime,
			handlers.HeaderCache,
			handlers.HeaderSecurityWarnings,
		},
		MaxAge: 12 * time.Hour,
	}
	if slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

// =============================================================================
// Lifecycle
// =============================================================================

// Run serves HTTP and runs the background loops until ctx is cancelled or
// one of them fails, then shuts down gracefully.
//
// # Outputs
//
//   - error: nil after a clean shutdown; the first failure otherwise.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting gateway server", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return s.health.Start(gctx) })
	if _, ok := s.store.(*ratelimit.MemoryStore); ok {
		g.Go(func() error { return s.limiter.RunJanitor(gctx, s.cfg.RateLimit.JanitorInterval) })
	}
	if s.watcher != nil {
		g.Go(func() error { return s.watcher.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Router returns the configured Gin engine, for tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Health returns the health aggregator.
func (s *Service) Health() *health.Aggregator {
	return s.health
}

// Registry returns the Prometheus registry served on /metrics.
func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

// Shutdown drains the HTTP server and releases every resource. Safe to call
// more than once; later calls return the first result.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		slog.Info("Shutting down gateway")
		var errs []error
		if s.server != nil {
			errs = append(errs, s.server.Shutdown(ctx))
		}
		s.shutdownErr = errors.Join(append(errs, s.cleanup(ctx))...)
	})
	return s.shutdownErr
}

// cleanup releases everything New acquired. Nil fields are skipped.
func (s *Service) cleanup(ctx context.Context) error {
	var errs []error
	if s.health != nil {
		s.health.Stop()
	}
	if s.watcher != nil {
		errs = append(errs, s.watcher.Stop())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.telemetryShutdown != nil {
		errs = append(errs, s.telemetryShutdown(ctx))
	}
	return errors.Join(errs...)
}
