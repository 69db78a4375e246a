// Package render drives a render job through its states: validation,
// admission, compilation and rasterization, with one private workspace per
// job and a global ceiling on concurrent jobs.
package render

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"texrender/internal/compiler"
	"texrender/internal/pkg/errors"
	"texrender/internal/pkg/logger"
	"texrender/internal/rasterizer"
	"texrender/internal/sandbox"
	"texrender/internal/workspace"
)

// Compiler produces a PDF from source inside a workspace.
type Compiler interface {
	Compile(ctx context.Context, in compiler.Input, ws *workspace.Workspace) ([]byte, error)
}

// Rasterizer converts a PDF into the requested format inside a workspace.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, opts rasterizer.Options, ws *workspace.Workspace) ([]byte, error)
}

// Workspaces allocates per-job scratch directories.
type Workspaces interface {
	Acquire(ctx context.Context) (*workspace.Workspace, error)
	Ready() error
}

// TemplateSource resolves a stored template ID to its preamble.
type TemplateSource interface {
	Preamble(ctx context.Context, id string) (string, error)
}

// Config bounds the service.
type Config struct {
	MaxConcurrent  int
	JobTimeout     time.Duration
	MaxSourceBytes int
	DefaultDensity int
}

// Deps are the collaborators of a Service. Templates may be nil.
type Deps struct {
	Compiler   Compiler
	Rasterizer Rasterizer
	Workspaces Workspaces
	Templates  TemplateSource
}

// Result is a successful render.
type Result struct {
	JobID       string
	Format      rasterizer.Format
	ContentType string
	Data        []byte
	// Outputs holds every format produced by the job, including Format.
	Outputs  map[rasterizer.Format][]byte
	Duration time.Duration
	CacheHit bool
}

// Service runs render jobs.
type Service struct {
	deps     Deps
	cfg      Config
	validate *Validator
	log      *logger.Logger

	sem      *semaphore.Weighted
	inFlight atomic.Int64
	draining atomic.Bool

	toolMu    sync.RWMutex
	toolchain map[string]string
	required  map[string]bool

	now     func() time.Time
	newID   func() string
	observe func(*Job)
}

func NewService(deps Deps, cfg Config, log *logger.Logger) *Service {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if cfg.DefaultDensity <= 0 {
		cfg.DefaultDensity = 300
	}
	return &Service{
		deps:      deps,
		cfg:       cfg,
		validate:  NewValidator(),
		log:       log.WithComponent("render"),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		toolchain: map[string]string{},
		now:       time.Now,
		newID:     func() string { return "job_" + uuid.NewString() },
	}
}

// ResolveToolchain looks up each binary once through runner and remembers
// the result for HealthCheck without executing anything. A missing required
// binary degrades the service. A missing optional one is only reported, since
// it affects just the formats that need it.
func (s *Service) ResolveToolchain(ctx context.Context, runner sandbox.Runner, required []string, optional ...string) {
	resolved := make(map[string]string, len(required)+len(optional))
	need := make(map[string]bool, len(required))
	lookup := func(bin string) {
		if _, err := runner.LookPath(ctx, bin); err != nil {
			resolved[bin] = "missing"
			s.log.Warn("toolchain binary not found", "binary", bin, "runner", runner.Name(), "required", need[bin])
			return
		}
		resolved[bin] = "available"
	}
	for _, bin := range required {
		need[bin] = true
		lookup(bin)
	}
	for _, bin := range optional {
		if _, seen := resolved[bin]; !seen {
			lookup(bin)
		}
	}

	s.toolMu.Lock()
	s.toolchain = resolved
	s.required = need
	s.toolMu.Unlock()
}

// Normalize fills defaults and validates req. Source emptiness is checked
// before size so an empty body is a 400, and size before everything else so
// an oversized body is a 413 without further work.
func (s *Service) Normalize(req Request) (Request, error) {
	if len(req.Source) == 0 {
		return req, errors.ValidationField("source", "source is required").WithField("kind", "ValidationError")
	}
	if s.cfg.MaxSourceBytes > 0 && len(req.Source) > s.cfg.MaxSourceBytes {
		return req, errors.PayloadTooLarge("source", len(req.Source), s.cfg.MaxSourceBytes).
			WithField("kind", "PayloadTooLarge")
	}

	if req.Format == "" {
		req.Format = rasterizer.FormatPNG
	} else if f, ok := rasterizer.ParseFormat(string(req.Format)); ok {
		req.Format = f
	}
	if req.Density == 0 {
		req.Density = s.cfg.DefaultDensity
	}
	if req.Background == "" {
		req.Background = "white"
	}

	if err := s.validate.Struct(req); err != nil {
		return req, err
	}
	return req, nil
}

// Render runs one job and returns the output in req.Format.
func (s *Service) Render(ctx context.Context, req Request) (*Result, error) {
	return s.run(ctx, req, nil)
}

// RenderAll compiles once and produces every format in formats. The first
// format becomes Result.Format.
func (s *Service) RenderAll(ctx context.Context, req Request, formats ...rasterizer.Format) (*Result, error) {
	if len(formats) == 0 {
		return s.run(ctx, req, nil)
	}
	req.Format = formats[0]
	return s.run(ctx, req, append([]rasterizer.Format(nil), formats...))
}

func (s *Service) run(ctx context.Context, req Request, formats []rasterizer.Format) (*Result, error) {
	job := newJob(s.newID(), req, s.now)
	ctx = logger.ContextWithJobID(ctx, job.ID)
	log := s.log.FromContext(ctx)
	if s.observe != nil {
		defer s.observe(job)
	}

	s.step(job, StateValidating)

	req, err := s.Normalize(req)
	if err != nil {
		return nil, s.failure(ctx, job, err)
	}
	job.Request = req
	if len(formats) == 0 {
		formats = []rasterizer.Format{req.Format}
	}
	for i, f := range formats {
		pf, ok := rasterizer.ParseFormat(string(f))
		if !ok {
			return nil, s.failure(ctx, job, errors.ValidationField("format", fmt.Sprintf("unsupported format %q", f)).
				WithField("kind", "ValidationError"))
		}
		formats[i] = pf
	}

	if s.draining.Load() {
		return nil, s.failure(ctx, job, errors.Unavailable("render").WithField("kind", "ResourceUnavailable"))
	}
	if !s.sem.TryAcquire(1) {
		return nil, s.failure(ctx, job, errors.Busy(s.cfg.MaxConcurrent).WithField("kind", "AdmissionRejected"))
	}
	defer s.sem.Release(1)
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	var preamble string
	if req.TemplateID != "" {
		if s.deps.Templates == nil {
			return nil, s.failure(ctx, job, errors.ValidationField("template_id", "templates are not enabled").
				WithField("kind", "ValidationError"))
		}
		preamble, err = s.deps.Templates.Preamble(ctx, req.TemplateID)
		if errors.IsNotFound(err) {
			err = errors.ValidationField("template_id", "template not found").WithField("kind", "ValidationError")
		}
		if err != nil {
			return nil, s.failure(ctx, job, err)
		}
	}

	job.Deadline = s.now().Add(s.cfg.JobTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(job.Deadline) {
		job.Deadline = d
	}
	jobCtx, cancel := context.WithDeadline(ctx, job.Deadline)
	defer cancel()

	ws, err := s.deps.Workspaces.Acquire(jobCtx)
	if err != nil {
		return nil, s.failure(ctx, job, err)
	}
	job.Workspace = ws.Path
	defer func() {
		if err := ws.Release(); err != nil {
			log.Error("workspace release failed", "path", ws.Path, "error", err.Error())
		}
	}()

	s.step(job, StateCompiling)
	pdf, err := s.deps.Compiler.Compile(jobCtx, compiler.Input{Source: req.Source, Preamble: preamble}, ws)
	if err != nil {
		return nil, s.failure(ctx, job, err)
	}

	s.step(job, StateRasterizing)
	outputs := make(map[rasterizer.Format][]byte, len(formats))
	for _, f := range formats {
		opts := req.rasterOptions()
		opts.Format = f
		out, err := s.deps.Rasterizer.Rasterize(jobCtx, pdf, opts, ws)
		if err != nil {
			return nil, s.failure(ctx, job, err)
		}
		outputs[f] = out
	}

	s.step(job, StateSucceeded)
	log.Info("render succeeded",
		"format", string(req.Format),
		"bytes", len(outputs[req.Format]),
		"duration_ms", job.Duration().Milliseconds(),
	)

	return &Result{
		JobID:       job.ID,
		Format:      req.Format,
		ContentType: req.Format.ContentType(),
		Data:        outputs[req.Format],
		Outputs:     outputs,
		Duration:    job.Duration(),
	}, nil
}

// step advances job; an illegal edge is a bug, so it is logged loudly but
// does not change the outcome of the request.
func (s *Service) step(job *Job, to State) {
	if err := job.advance(to); err != nil {
		s.log.Error("job state machine violated", "job_id", job.ID, "error", err.Error())
		return
	}
	s.log.Debug("job transition", "job_id", job.ID, "state", string(to))
}

// failure moves job to Failed and converts err into a coded error carrying
// kind, stage, job_id and, for toolchain failures, a bounded diagnostic.
func (s *Service) failure(ctx context.Context, job *Job, err error) error {
	stage := job.State()
	op := "render." + string(stage)

	var (
		out  *errors.Error
		kind string
		cerr *compiler.Error
		rerr *rasterizer.Error
	)
	switch {
	case errors.Is(err, context.Canceled):
		kind = "Canceled"
		out = errors.WrapWithCode(err, errors.CodeUnavailable, op, "render canceled")
	case errors.As(err, &cerr):
		kind = string(cerr.Kind)
		code := errors.CodeCompile
		msg := "compilation failed"
		if cerr.Kind == compiler.KindTimeout {
			code = errors.CodeTimeout
			msg = "compilation timed out"
		}
		if cerr.Message != "" {
			msg += ": " + cerr.Message
		}
		out = errors.WrapWithCode(err, code, op, msg).WithField("diagnostic", cerr.Log)
		if cerr.Line > 0 {
			out.WithField("line", cerr.Line)
		}
		if cerr.Package != "" {
			out.WithField("package", cerr.Package)
		}
	case errors.As(err, &rerr):
		kind = string(rerr.Kind)
		code := errors.CodeRaster
		msg := "rasterization failed"
		if rerr.Kind == rasterizer.KindTimeout {
			code = errors.CodeTimeout
			msg = "rasterization timed out"
		}
		out = errors.WrapWithCode(err, code, op, msg).WithField("diagnostic", rerr.Detail)
	default:
		code := errors.GetCode(err)
		out = errors.WrapWithCode(err, code, op, errors.GetMessage(err))
		for k, v := range errors.GetFields(err) {
			out.WithField(k, v)
		}
		if k, ok := out.Fields["kind"].(string); ok {
			kind = k
		} else {
			kind = kindForCode(code)
		}
	}

	out.WithFields(map[string]any{
		"kind":   kind,
		"stage":  string(stage),
		"job_id": job.ID,
	})

	if ferr := job.fail(kind); ferr != nil {
		s.log.Error("job state machine violated", "job_id", job.ID, "error", ferr.Error())
	}

	log := s.log.FromContext(ctx)
	if out.HTTPStatus() >= 500 && out.Code != errors.CodeBusy && out.Code != errors.CodeTimeout {
		log.Error("render failed", "stage", string(stage), "kind", kind, "error", err.Error())
	} else {
		log.Warn("render failed", "stage", string(stage), "kind", kind, "error", err.Error())
	}
	return out
}

func kindForCode(code errors.Code) string {
	switch code {
	case errors.CodeValidation, errors.CodeBadRequest:
		return "ValidationError"
	case errors.CodePayloadTooLarge:
		return "PayloadTooLarge"
	case errors.CodeBusy:
		return "AdmissionRejected"
	case errors.CodeUnavailable:
		return "ResourceUnavailable"
	case errors.CodeTimeout:
		return "Timeout"
	case errors.CodeNotFound:
		return "NotFound"
	default:
		return "Internal"
	}
}

// Health is the health-check report.
type Health struct {
	Status    string            `json:"status"`
	InFlight  int64             `json:"in_flight"`
	Capacity  int               `json:"capacity"`
	Draining  bool              `json:"draining"`
	Workspace string            `json:"workspace"`
	Toolchain map[string]string `json:"toolchain"`
	Reasons   []string          `json:"reasons,omitempty"`
}

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// OK reports whether the service is accepting work.
func (h Health) OK() bool { return h.Status == StatusOK }

// HealthCheck reports whether new work would be accepted. It only reads
// in-memory state and stats the workspace root; no process is started.
// A saturated service is still OK: saturation is transient and shows in
// InFlight and Capacity.
func (s *Service) HealthCheck(_ context.Context) Health {
	h := Health{
		Status:    StatusOK,
		InFlight:  s.inFlight.Load(),
		Capacity:  s.cfg.MaxConcurrent,
		Draining:  s.draining.Load(),
		Workspace: "ok",
	}

	if h.Draining {
		h.Reasons = append(h.Reasons, "draining")
	}
	if err := s.deps.Workspaces.Ready(); err != nil {
		h.Workspace = "unavailable"
		h.Reasons = append(h.Reasons, "workspace root unavailable")
	}

	s.toolMu.RLock()
	h.Toolchain = make(map[string]string, len(s.toolchain))
	var missing []string
	for bin, state := range s.toolchain {
		h.Toolchain[bin] = state
		if state != "available" && s.required[bin] {
			missing = append(missing, bin)
		}
	}
	s.toolMu.RUnlock()
	sort.Strings(missing)
	for _, bin := range missing {
		h.Reasons = append(h.Reasons, bin+" not found")
	}

	if len(h.Reasons) > 0 {
		h.Status = StatusDegraded
	}
	return h
}

// Drain stops admitting jobs and waits until in-flight jobs finish or ctx ends.
func (s *Service) Drain(ctx context.Context) error {
	s.draining.Store(true)
	s.log.Info("draining render jobs", "in_flight", s.inFlight.Load())

	if err := s.sem.Acquire(ctx, int64(s.cfg.MaxConcurrent)); err != nil {
		return fmt.Errorf("drain: %d jobs still running: %w", s.inFlight.Load(), err)
	}
	s.sem.Release(int64(s.cfg.MaxConcurrent))
	return nil
}
