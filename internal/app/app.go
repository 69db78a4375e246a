// Package app wires the render stack and the optional Postgres, Redis and
// storage backends from a config.Config. The api, worker and texrenderctl
// binaries share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"texrender/internal/cache"
	"texrender/internal/compiler"
	"texrender/internal/config"
	"texrender/internal/httpapi/handlers"
	"texrender/internal/migrations"
	"texrender/internal/pkg/logger"
	"texrender/internal/ports"
	"texrender/internal/rasterizer"
	"texrender/internal/render"
	"texrender/internal/repositories"
	"texrender/internal/sandbox"
	"texrender/internal/storage"
	"texrender/internal/worker/queue"
	"texrender/internal/workspace"
)

// staleWorkspaceAge is how old a leftover job directory must be before the
// startup sweep removes it.
const staleWorkspaceAge = time.Hour

// NewLogger builds the process logger from cfg.Log.
func NewLogger(cfg config.Config, service string) *logger.Logger {
	return logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		AddSource:   cfg.Log.AddSource,
		ServiceName: service,
	})
}

// InitSentry enables error reporting when a DSN is configured. The returned
// flush func is always safe to call.
func InitSentry(cfg config.Config, release string) (func(), error) {
	if cfg.Sentry.DSN == "" {
		return func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     "texrender@" + release,
	})
	if err != nil {
		return func() {}, fmt.Errorf("sentry init: %w", err)
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// RenderStack is an in-process render service and what it runs on.
type RenderStack struct {
	Runner     sandbox.Runner
	Workspaces *workspace.Manager
	Service    *render.Service

	closeRunner func() error
}

// NewRenderStack builds the sandbox runner, workspace manager, compiler,
// rasterizer and render service. templates may be nil.
func NewRenderStack(ctx context.Context, cfg config.Config, templates render.TemplateSource, log *logger.Logger) (*RenderStack, error) {
	st := &RenderStack{closeRunner: func() error { return nil }}

	switch cfg.Sandbox.Mode {
	case "docker":
		dr, err := sandbox.NewDockerRunner(ctx, sandbox.DockerOptions{
			Image:       cfg.Sandbox.Image,
			MemoryBytes: cfg.Sandbox.MemoryBytes,
			PidsLimit:   cfg.Sandbox.PidsLimit,
			NanoCPUs:    cfg.Sandbox.NanoCPUs,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("docker sandbox: %w", err)
		}
		st.Runner = dr
		st.closeRunner = dr.Close
	default:
		st.Runner = sandbox.NewLocalRunner(log)
	}

	ws, err := workspace.NewManager(cfg.Render.WorkspaceRoot, log)
	if err != nil {
		_ = st.closeRunner()
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if n, err := ws.Sweep(staleWorkspaceAge); err != nil {
		log.Warn("workspace sweep failed", "error", err.Error())
	} else if n > 0 {
		log.Info("removed stale workspaces", "count", n)
	}
	st.Workspaces = ws

	comp := compiler.New(st.Runner, compiler.Options{
		Engine:            cfg.Render.LatexEngine,
		MaxPDFBytes:       cfg.Render.MaxPDFBytes,
		MaxWorkspaceBytes: cfg.Render.MaxWorkspaceSize,
		MaxOutputBytes:    int(cfg.Render.MaxOutputBytes),
		LogTailBytes:      cfg.Render.LogTailBytes,
	}, log)
	rast := rasterizer.New(st.Runner, rasterizer.Config{
		ConvertBin:        cfg.Render.ConvertBin,
		DvisvgmBin:        cfg.Render.DvisvgmBin,
		MaxPDFBytes:       cfg.Render.MaxPDFBytes,
		MaxPages:          cfg.Render.MaxPages,
		MaxWorkspaceBytes: cfg.Render.MaxWorkspaceSize,
		MaxOutputBytes:    int(cfg.Render.MaxOutputBytes),
	}, log)

	st.Service = render.NewService(render.Deps{
		Compiler:   comp,
		Rasterizer: rast,
		Workspaces: ws,
		Templates:  templates,
	}, render.Config{
		MaxConcurrent:  cfg.Render.MaxConcurrent,
		JobTimeout:     cfg.Render.JobTimeout.Duration,
		MaxSourceBytes: cfg.Render.MaxSourceBytes,
		DefaultDensity: cfg.Render.DefaultDensity,
	}, log)

	required, optional := rast.Binaries()
	st.Service.ResolveToolchain(ctx, st.Runner, append([]string{comp.Engine()}, required...), optional...)

	return st, nil
}

// Close releases the sandbox runner.
func (s *RenderStack) Close() error { return s.closeRunner() }

// Backends are the optional stores behind async jobs, templates and the
// result cache. Fields are nil when the matching config is absent.
type Backends struct {
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Storage ports.StorageProvider

	Templates *repositories.TemplateRepository
	Jobs      *repositories.JobRepository
	Queue     *queue.RedisQueue
	Cache     cache.Cache
}

// OpenBackends connects to whatever cfg configures. On error, anything
// already opened is closed.
func OpenBackends(ctx context.Context, cfg config.Config, log *logger.Logger) (*Backends, error) {
	b := &Backends{Cache: cache.Null{}}
	opened := false
	defer func() {
		if !opened {
			b.Close()
		}
	}()

	if cfg.Database.URL != "" {
		if cfg.Database.AutoMigrate {
			if _, err := migrations.Up(ctx, cfg.Database.URL, log); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		log.Info("connecting to PostgreSQL")
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.Pool = pool
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		b.Templates = repositories.NewTemplateRepository(pool)
		b.Jobs = repositories.NewJobRepository(pool)
		log.Info("PostgreSQL connected")
	}

	if cfg.Redis.Addr != "" {
		log.Info("connecting to Redis")
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.Redis = rdb
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		b.Queue = queue.NewRedisQueue(rdb, cfg.Redis.QueueName)
		b.Cache = cache.NewRedis(rdb, "")
		log.Info("Redis connected")
	}

	if cfg.AsyncEnabled() {
		sp, err := storage.NewProvider(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		b.Storage = sp
		log.Info("storage provider initialized", "provider", sp.Provider())
	}

	opened = true
	return b, nil
}

// TemplateSource returns the template repository as a render.TemplateSource,
// or nil without Postgres.
func (b *Backends) TemplateSource() render.TemplateSource {
	if b.Templates == nil {
		return nil
	}
	return b.Templates
}

// Checks are the dependency probes for deep health checks.
func (b *Backends) Checks() map[string]handlers.Check {
	checks := map[string]handlers.Check{}
	if b.Pool != nil {
		checks["postgres"] = func(ctx context.Context) error { return b.Pool.Ping(ctx) }
	}
	if b.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return b.Redis.Ping(ctx).Err() }
	}
	return checks
}

// HandlerDeps fills the store fields of handlers.Deps, leaving interface
// fields nil when a backend is missing.
func (b *Backends) HandlerDeps(d *handlers.Deps) {
	if b.Templates != nil {
		d.Templates = b.Templates
	}
	if b.Jobs != nil && b.Queue != nil && b.Storage != nil {
		d.Jobs = b.Jobs
		d.Queue = b.Queue
		d.SP = b.Storage
	}
	d.Checks = b.Checks()
}

func (b *Backends) Close() {
	if b.Redis != nil {
		_ = b.Redis.Close()
	}
	if b.Pool != nil {
		b.Pool.Close()
	}
}
