package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"texrender/internal/pkg/logger"
	"texrender/internal/worker/processor"
)

// Source yields job IDs. An empty ID with a nil error means nothing arrived.
// Push takes back a job that has to run later.
type Source interface {
	Pop(ctx context.Context) (string, error)
	Push(ctx context.Context, jobID string) error
}

// Run consumes the queue with d.Concurrency loops until ctx is canceled.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	p := processor.New(processor.Deps{
		Jobs:           d.Jobs,
		Renderer:       d.Renderer,
		SP:             d.SP,
		ArtifactPrefix: d.ArtifactPrefix,
		Log:            log,
		Queue:          d.Queue,
		MaxRetries:     d.MaxRetries,
		RetryBackoff:   d.RetryBackoff,
	})

	n := d.Concurrency
	if n < 1 {
		n = 1
	}
	log.Info("worker started", "concurrency", n)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return consume(ctx, d.Queue, p, log)
		})
	}
	return g.Wait()
}

func consume(ctx context.Context, q Source, p *processor.Processor, log *logger.Logger) error {
	for {
		select {
		case <-ctx.Done():
			log.Info("worker context canceled, stopping")
			return ctx.Err()
		default:
		}

		jobID, err := q.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping due to context cancellation")
				return ctx.Err()
			}

			log.Warn("queue pop error, retrying",
				"error", err.Error(),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if jobID == "" {
			continue
		}

		jobCtx := logger.ContextWithJobID(ctx, jobID)
		jobLog := log.WithJobID(jobID)

		jobLog.Info("processing job")
		startTime := time.Now()

		if err := p.ProcessJob(jobCtx, jobID); err != nil {
			jobLog.Warn("job failed",
				"error", err.Error(),
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		} else {
			jobLog.Info("job completed",
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		}
	}
}
