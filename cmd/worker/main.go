package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"texrender/internal/app"
	"texrender/internal/client"
	"texrender/internal/config"
	"texrender/internal/pkg/logger"
	"texrender/internal/render"
	"texrender/internal/worker"
	"texrender/internal/worker/processor"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault().LogFatal("invalid configuration", err)
	}

	log := app.NewLogger(cfg, "texrender-worker")

	flush, err := app.InitSentry(cfg, version)
	if err != nil {
		log.Warn("sentry disabled", "error", err.Error())
	}
	defer flush()

	if !cfg.AsyncEnabled() {
		log.LogFatal("worker requires DATABASE_URL and REDIS_ADDR", nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := app.OpenBackends(ctx, cfg, log)
	if err != nil {
		log.LogFatal("failed to open backends", err)
	}
	defer backends.Close()

	var renderer processor.Renderer
	if cfg.Worker.RendererURL != "" {
		renderer = client.New(cfg.Worker.RendererURL)
		log.Info("using remote renderer", "url", cfg.Worker.RendererURL)
	} else {
		stack, err := app.NewRenderStack(ctx, cfg, backends.TemplateSource(), log)
		if err != nil {
			log.LogFatal("failed to build render stack", err)
		}
		defer stack.Close()
		renderer = render.NewCached(stack.Service, backends.Cache, cfg.Render.CacheTTL.Duration, log)
		log.Info("using in-process renderer", "runner", stack.Runner.Name())
	}

	log.Info("texrender worker started", "version", version, "queue", cfg.Redis.QueueName)
	err = worker.Run(ctx, worker.Deps{
		Queue:          backends.Queue,
		Jobs:           backends.Jobs,
		Renderer:       renderer,
		SP:             backends.Storage,
		ArtifactPrefix: cfg.Worker.ArtifactPrefix,
		Concurrency:    cfg.Worker.Concurrency,
		MaxRetries:     cfg.Worker.MaxRetries,
		RetryBackoff:   cfg.Worker.RetryBackoff.Duration,
		Log:            log,
	})
	if err != nil && ctx.Err() == nil {
		log.Error("worker stopped", "error", err.Error())
		flush()
		os.Exit(1)
	}
	log.Info("worker stopped")
}
