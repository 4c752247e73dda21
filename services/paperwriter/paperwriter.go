// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package paperwriter assembles the editor backend: the completion
// client, the project workspace, the session registry and the HTTP
// server that exposes them.
package paperwriter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/paperwriter/services/llm"
	"github.com/AleutianAI/paperwriter/services/paperwriter/config"
	"github.com/AleutianAI/paperwriter/services/paperwriter/handlers"
	"github.com/AleutianAI/paperwriter/services/paperwriter/middleware"
	"github.com/AleutianAI/paperwriter/services/paperwriter/observability"
	"github.com/AleutianAI/paperwriter/services/paperwriter/routes"
	"github.com/AleutianAI/paperwriter/services/paperwriter/sessions"
	"github.com/AleutianAI/paperwriter/services/paperwriter/telemetry"
	"github.com/AleutianAI/paperwriter/services/paperwriter/workspace"
)

// =============================================================================
// Options
// =============================================================================

// Options carries process-level dependencies that are not configuration.
type Options struct {
	// Version is reported by /api/v1/health. Default: "dev".
	Version string

	// Logger. Default: slog.Default().
	Logger *slog.Logger

	// Getenv looks up the API key. Default: os.Getenv.
	Getenv func(string) string

	// Backend replaces the OpenAI-compatible backend. Used by tests.
	Backend llm.Backend
}

// =============================================================================
// Service
// =============================================================================

// Service is the assembled server.
//
// # Description
//
// New builds every component from a config.Config. Run serves HTTP and
// runs the project watcher until its context ends, then drains. Close
// releases the cache and flushes telemetry; it must be called once after
// Run returns, or instead of Run when New succeeded but the server is not
// started.
//
// # Thread Safety
//
// Read-only after New returns.
type Service struct {
	cfg      config.Config
	version  string
	logger   *slog.Logger
	router   *gin.Engine
	client   *llm.Client
	cache    *llm.ResponseCache
	registry *sessions.Registry
	watcher  *workspace.Watcher

	shutdownTelemetry func(context.Context) error
}

// New creates a Service.
//
// # Description
//
// Components are built in dependency order:
//  1. Telemetry providers, exporting into a per-service Prometheus registry
//  2. The completion client with its credential, cache and rate limit
//  3. The workspace and, when enabled, its watcher
//  4. The session registry and the handlers
//  5. The gin router with its middleware chain
//
// A missing API key is not an error; the AI endpoints answer 503 until
// one is configured.
//
// # Inputs
//
//   - ctx: Used while starting exporters.
//   - cfg: Validated configuration.
//   - opts: Process dependencies. Zero values take defaults.
//
// # Outputs
//
//   - *Service: Ready to Run.
//   - error: Non-nil if any component cannot be built. Whatever was
//     already built has been released.
func New(ctx context.Context, cfg config.Config, opts Options) (svc *Service, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	logger := opts.Logger

	s := &Service{cfg: cfg, version: opts.Version, logger: logger}
	defer func() {
		if err != nil {
			_ = s.Close(context.WithoutCancel(ctx))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	telCfg := cfg.Telemetry
	telCfg.ServiceVersion = opts.Version
	telCfg.Registerer = promRegistry
	s.shutdownTelemetry, err = telemetry.Init(ctx, telCfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	metrics := observability.NewMetrics(promRegistry)

	clientOpts := []llm.Option{
		llm.WithLogger(logger),
		llm.WithRetryNotify(metrics.RecordRetry),
	}
	if opts.Backend != nil {
		clientOpts = append(clientOpts, llm.WithBackend(opts.Backend))
	} else {
		cred, err := cfg.Credential(opts.Getenv)
		if err != nil {
			return nil, fmt.Errorf("load api key: %w", err)
		}
		if !cred.Present() {
			logger.Warn("DASHSCOPE_API_KEY is not set; AI endpoints will answer 503")
		}
		clientOpts = append(clientOpts, llm.WithCredential(cred))
	}
	if cfg.Cache.Enabled {
		s.cache, err = llm.OpenResponseCache(cfg.Cache, logger)
		if err != nil {
			return nil, err
		}
		clientOpts = append(clientOpts, llm.WithCache(s.cache))
	}
	s.client, err = llm.NewClient(cfg.LLM(), clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create completion client: %w", err)
	}

	projects, err := workspace.NewProjects(cfg.ProjectsRoot)
	if err != nil {
		return nil, err
	}
	files := workspace.NewFiles(projects, cfg.MaxFileSize(), cfg.Files.AllowedExtensions)

	policy, err := sessions.ParseReplacePolicy(cfg.Sessions.ReplacePolicy)
	if err != nil {
		return nil, err
	}
	s.registry = sessions.NewRegistry(policy, metrics, logger)

	if cfg.Watch.Enabled {
		s.watcher = workspace.NewWatcher(projects, cfg.Watch.Debounce,
			handlers.NotifyTreeChanged(s.registry, logger), logger)
	}

	ai := handlers.NewAIHandler(s.client, files, metrics, handlers.AIOptions{
		KeepAliveInterval:      cfg.Server.KeepAliveInterval,
		FallbackTextExtraction: cfg.Diagnostics.FallbackTextExtraction,
		Logger:                 logger,
	})

	originAllowed := middleware.OriginChecker(cfg.CORS.AllowedOrigins)
	sessionOpts := handlers.SessionOptions{
		WriteTimeout: cfg.Sessions.WriteTimeout,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(origin)
		},
		Logger: logger,
	}
	// A nil *Watcher must not become a non-nil interface.
	var stopper handlers.ProjectStopper
	if s.watcher != nil {
		sessionOpts.Watcher = s.watcher
		stopper = s.watcher
	}

	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		otelgin.Middleware(telCfg.ServiceName),
		middleware.AccessLog(logger),
		middleware.CORS(cfg.CORS.AllowedOrigins),
	)
	routes.SetupRoutes(router, routes.Handlers{
		AI:        ai,
		Sessions:  handlers.NewSessionHandler(ai, s.registry, sessionOpts),
		Workspace: handlers.NewWorkspaceHandler(projects, files, stopper, logger),
		Metrics:   promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		Version:   opts.Version,
	})
	s.router = router

	logger.Info("paperwriter service ready",
		"addr", cfg.Server.Addr(),
		"projects_root", projects.Root(),
		"model", s.client.Model(),
		"ai_configured", s.client.Configured(),
		"cache", cfg.Cache.Enabled,
		"watch", cfg.Watch.Enabled,
		"replace_policy", string(policy),
	)
	return s, nil
}

// Router returns the HTTP handler. Used by tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Run serves until ctx ends, then shuts the server down gracefully.
//
// # Description
//
// The HTTP server and the project watcher run in one errgroup. When ctx
// is cancelled, open sessions are closed so their handlers return, and
// the server drains in-flight requests for up to Server.ShutdownTimeout.
//
// # Outputs
//
//   - error: The first failure of the listener or the watcher. A clean
//     shutdown returns nil.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Addr(),
		Handler: s.router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.watcher != nil {
		g.Go(func() error {
			return s.watcher.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down", "open_sessions", s.registry.Len())

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
		defer cancel()

		s.registry.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Close releases the cache and flushes telemetry.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if s.registry != nil {
		s.registry.CloseAll()
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if s.shutdownTelemetry != nil {
		if err := s.shutdownTelemetry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
