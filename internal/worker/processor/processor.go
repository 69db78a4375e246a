package processor

import (
	"context"
	"sync"
	"time"

	"texrender/internal/models"
	"texrender/internal/pkg/errors"
	"texrender/internal/pkg/logger"
	"texrender/internal/ports"
	"texrender/internal/render"
)

// maxErrorText bounds error_text stored on a failed job.
const maxErrorText = 2000

// JobStore is the subset of the job repository the processor needs.
type JobStore interface {
	Get(ctx context.Context, id string) (*models.RenderJob, error)
	MarkRunning(ctx context.Context, id string) error
	MarkDone(ctx context.Context, id, artifactKey, contentType string, size int64) error
	MarkFailed(ctx context.Context, id, code, kind, text string) error
	Requeue(ctx context.Context, id string) error
}

// Pusher puts a job ID back on the queue.
type Pusher interface {
	Push(ctx context.Context, jobID string) error
}

// Renderer is satisfied by the in-process render service and by the HTTP
// client of a remote one.
type Renderer interface {
	Render(ctx context.Context, req render.Request) (*render.Result, error)
}

type Deps struct {
	Jobs           JobStore
	Renderer       Renderer
	SP             ports.StorageProvider
	ArtifactPrefix string
	Log            *logger.Logger

	// Queue takes back jobs the renderer could not accept yet. Without it
	// such jobs fail like any other render error.
	Queue        Pusher
	MaxRetries   int
	RetryBackoff time.Duration
}

type Processor struct {
	jobs     JobStore
	renderer Renderer
	queue    Pusher
	log      *logger.Logger

	maxRetries int
	backoff    time.Duration

	mu       sync.Mutex
	attempts map[string]int

	outputHandler *OutputHandler
}

func New(d Deps) *Processor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Processor{
		jobs:          d.Jobs,
		renderer:      d.Renderer,
		queue:         d.Queue,
		log:           log.WithComponent("processor"),
		maxRetries:    d.MaxRetries,
		backoff:       d.RetryBackoff,
		attempts:      map[string]int{},
		outputHandler: NewOutputHandler(d.SP, d.ArtifactPrefix),
	}
}

// ProcessJob renders one queued job and records the outcome. A job that is
// missing or already claimed is skipped without error. A job the renderer
// turned away as busy or unavailable, or one interrupted by worker shutdown,
// goes back to QUEUED instead of failing.
func (p *Processor) ProcessJob(ctx context.Context, jobID string) error {
	log := p.log.FromContext(ctx).WithJobID(jobID)

	job, err := p.jobs.Get(ctx, jobID)
	if errors.IsNotFound(err) {
		log.Warn("queued job not found, skipping")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "processor.fetch", "failed to fetch job")
	}

	req, err := ParseRequest(job.Request)
	if err != nil {
		return p.failJob(ctx, jobID, errors.WrapWithCode(err, errors.CodeValidation, "processor.parse", "failed to parse job request").
			WithField("kind", "ValidationError"))
	}

	if err := p.jobs.MarkRunning(ctx, jobID); err != nil {
		if errors.IsCode(err, errors.CodeConflict) {
			log.Info("job already claimed, skipping")
			return nil
		}
		return p.failJob(ctx, jobID, errors.Wrap(err, "processor.status", "failed to mark job as running"))
	}

	log.Info("starting render", "format", string(req.Format))
	res, err := p.renderer.Render(ctx, req)
	if err != nil {
		if p.retryable(ctx, err) {
			return p.retryJob(ctx, jobID, err)
		}
		p.forget(jobID)
		return p.failJob(ctx, jobID, err)
	}
	p.forget(jobID)

	out, err := p.outputHandler.Store(ctx, jobID, res)
	if err != nil {
		return p.failJob(ctx, jobID, errors.WrapWithCode(err, errors.CodeUnavailable, "processor.store", "failed to store artifact").
			WithField("kind", "ResourceUnavailable"))
	}
	log.Debug("artifact stored", "object_key", out.ObjectKey, "bytes", out.Size)

	if err := p.jobs.MarkDone(ctx, jobID, out.ObjectKey, res.ContentType, out.Size); err != nil {
		return errors.Wrap(err, "processor.done", "failed to mark job as done")
	}
	return nil
}

func (p *Processor) retryable(ctx context.Context, err error) bool {
	if p.queue == nil {
		return false
	}
	if ctx.Err() != nil {
		return true
	}
	return errors.IsCode(err, errors.CodeBusy) || errors.IsCode(err, errors.CodeUnavailable)
}

// retryJob returns the job to QUEUED and pushes it again after a linear
// backoff. Shutdown requeues immediately and does not count as an attempt.
func (p *Processor) retryJob(ctx context.Context, jobID string, cause error) error {
	log := p.log.FromContext(ctx).WithJobID(jobID)

	shutdown := ctx.Err() != nil
	if !shutdown {
		n := p.attempt(jobID)
		if n > p.maxRetries {
			p.forget(jobID)
			return p.failJob(ctx, jobID, cause)
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(n) * p.backoff):
		}
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := p.jobs.Requeue(wctx, jobID); err != nil {
		return p.failJob(ctx, jobID, errors.Wrap(err, "processor.requeue", "failed to requeue job"))
	}
	if err := p.queue.Push(wctx, jobID); err != nil {
		return p.failJob(ctx, jobID, errors.WrapWithCode(err, errors.CodeUnavailable, "processor.requeue", "failed to push job back").
			WithField("kind", "ResourceUnavailable"))
	}

	log.Warn("job requeued",
		"reason", cause.Error(),
		"shutdown", shutdown,
	)
	return nil
}

func (p *Processor) attempt(jobID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[jobID]++
	return p.attempts[jobID]
}

func (p *Processor) forget(jobID string) {
	p.mu.Lock()
	delete(p.attempts, jobID)
	p.mu.Unlock()
}

func (p *Processor) failJob(ctx context.Context, jobID string, cause error) error {
	log := p.log.FromContext(ctx).WithJobID(jobID)

	code := errors.GetCode(cause)
	fields := errors.GetFields(cause)
	kind, _ := fields["kind"].(string)

	msg := cause.Error()
	if diag, ok := fields["diagnostic"].(string); ok && diag != "" {
		msg += "\n" + diag
	}
	msg = Truncate(msg, maxErrorText)

	var rerr *errors.Error
	if errors.As(cause, &rerr) {
		log.Error("job failed",
			"code", string(rerr.Code),
			"op", rerr.Op,
			"kind", kind,
			"message", rerr.Message,
		)
	} else {
		log.Error("job failed", "error", msg)
	}

	// The job context may be the one that expired; the status write must
	// still land.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.jobs.MarkFailed(wctx, jobID, string(code), kind, msg); err != nil {
		log.Error("failed to record job failure", "error", err.Error())
	}

	return cause
}
