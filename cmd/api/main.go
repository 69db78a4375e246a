package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"texrender/internal/app"
	"texrender/internal/config"
	"texrender/internal/httpapi"
	"texrender/internal/httpapi/handlers"
	"texrender/internal/pkg/logger"
	"texrender/internal/pkg/middleware"
	"texrender/internal/pkg/shutdown"
	"texrender/internal/render"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault().LogFatal("invalid configuration", err)
	}

	log := app.NewLogger(cfg, "texrender-api")
	log.Info("starting texrender API", "version", version)

	flush, err := app.InitSentry(cfg, version)
	if err != nil {
		log.Warn("sentry disabled", "error", err.Error())
	}
	defer flush()

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, cfg.HTTP.ShutdownTimeout.Duration)

	// Postgres, Redis and storage are optional; without them only the
	// synchronous endpoints are served.
	backends, err := app.OpenBackends(ctx, cfg, log)
	if err != nil {
		log.LogFatal("failed to open backends", err)
	}
	shutdownMgr.RegisterSimple("backends", backends.Close)

	stack, err := app.NewRenderStack(ctx, cfg, backends.TemplateSource(), log)
	if err != nil {
		backends.Close()
		log.LogFatal("failed to build render stack", err)
	}
	shutdownMgr.Register("sandbox", func(ctx context.Context) error {
		return stack.Close()
	})
	log.Info("render service ready",
		"runner", stack.Runner.Name(),
		"max_concurrent", cfg.Render.MaxConcurrent,
		"workspace_root", stack.Workspaces.Root(),
	)

	// In-flight jobs finish (or hit their deadline) before the sandbox and
	// stores go away.
	shutdownMgr.Register("render-drain", func(ctx context.Context) error {
		log.Info("draining render jobs")
		return stack.Service.Drain(ctx)
	})

	var renderer handlers.Renderer = stack.Service
	if backends.Redis != nil {
		renderer = render.NewCached(stack.Service, backends.Cache, cfg.Render.CacheTTL.Duration, log)
	}

	rl := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	if err := rl.TrustProxies(cfg.RateLimit.TrustedProxies); err != nil {
		log.LogFatal("invalid rate_limit.trusted_proxies", err)
	}
	shutdownMgr.RegisterSimple("rate-limiter", rl.Close)

	hd := handlers.Deps{
		Renderer:       renderer,
		MaxUploadBytes: int64(cfg.Render.MaxSourceBytes),
		Version:        version,
		Log:            log,
	}
	backends.HandlerDeps(&hd)
	if hd.Jobs == nil {
		log.Info("async jobs disabled", "reason", "database, redis and storage are required")
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Deps:           hd,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		RateLimiter:    rl,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
	})

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.HTTP.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout:      cfg.HTTP.WriteTimeout.Duration,
		IdleTimeout:       cfg.HTTP.IdleTimeout.Duration,
	}

	// Registered last so it stops first.
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr, "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	if err := shutdownMgr.Wait(); err != nil {
		log.Error("shutdown finished with errors", "error", err.Error())
		flush()
		os.Exit(1)
	}
}
