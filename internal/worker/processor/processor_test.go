package processor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"texrender/internal/adapters/storage/localfs"
	"texrender/internal/models"
	"texrender/internal/pkg/errors"
	"texrender/internal/pkg/logger"
	"texrender/internal/rasterizer"
	"texrender/internal/render"
)

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*models.RenderJob
}

func newMemJobs(jobs ...*models.RenderJob) *memJobs {
	m := &memJobs{jobs: map[string]*models.RenderJob{}}
	for _, j := range jobs {
		j.Status = models.JobQueued
		m.jobs[j.ID] = j
	}
	return m
}

func (m *memJobs) Get(_ context.Context, id string) (*models.RenderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, errors.NotFound("job", id)
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) MarkRunning(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs[id].Status != models.JobQueued {
		return errors.Newf(errors.CodeConflict, "job %s is not queued", id)
	}
	m.jobs[id].Status = models.JobRunning
	return nil
}

func (m *memJobs) MarkDone(_ context.Context, id, key, ct string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status, j.ArtifactKey, j.ContentType, j.SizeBytes = models.JobDone, key, ct, size
	return nil
}

func (m *memJobs) MarkFailed(_ context.Context, id, code, kind, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status, j.ErrorCode, j.ErrorKind, j.ErrorText = models.JobFailed, code, kind, text
	return nil
}

func (m *memJobs) Requeue(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs[id].Status != models.JobRunning {
		return errors.Newf(errors.CodeConflict, "job %s is not running", id)
	}
	m.jobs[id].Status = models.JobQueued
	return nil
}

func (m *memJobs) status(id string) models.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].Status
}

type memQueue struct {
	mu     sync.Mutex
	pushed []string
}

func (q *memQueue) Push(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushed = append(q.pushed, id)
	return nil
}

type renderFunc func(ctx context.Context, req render.Request) (*render.Result, error)

func (f renderFunc) Render(ctx context.Context, req render.Request) (*render.Result, error) {
	return f(ctx, req)
}

func newJob(id, request string) *models.RenderJob {
	return &models.RenderJob{ID: id, Request: json.RawMessage(request)}
}

func TestProcessJobSuccess(t *testing.T) {
	root := t.TempDir()
	jobs := newMemJobs(newJob("j1", `{"source":"\\draw (0,0);","format":"svg"}`))
	p := New(Deps{
		Jobs: jobs,
		Renderer: renderFunc(func(_ context.Context, req render.Request) (*render.Result, error) {
			if req.Format != rasterizer.FormatSVG {
				t.Errorf("format = %s", req.Format)
			}
			return &render.Result{Format: req.Format, ContentType: "image/svg+xml", Data: []byte("<svg/>")}, nil
		}),
		SP:  localfs.New(root),
		Log: logger.NewNop(),
	})

	if err := p.ProcessJob(context.Background(), "j1"); err != nil {
		t.Fatalf("ProcessJob() error: %v", err)
	}

	j := jobs.jobs["j1"]
	if j.Status != models.JobDone || j.ArtifactKey != "renders/j1/output.svg" || j.SizeBytes != 6 {
		t.Errorf("unexpected job %+v", j)
	}
	b, err := os.ReadFile(filepath.Join(root, "renders", "j1", "output.svg"))
	if err != nil || string(b) != "<svg/>" {
		t.Errorf("artifact = %q, %v", b, err)
	}
}

func TestProcessJobRenderFailure(t *testing.T) {
	jobs := newMemJobs(newJob("j2", `{"source":"\\bad"}`))
	diag := strings.Repeat("! Undefined control sequence.\n", 200)
	p := New(Deps{
		Jobs: jobs,
		Renderer: renderFunc(func(context.Context, render.Request) (*render.Result, error) {
			return nil, errors.New(errors.CodeCompile, "compilation failed").
				WithField("kind", "SyntaxError").
				WithField("diagnostic", diag)
		}),
		SP:  localfs.New(t.TempDir()),
		Log: logger.NewNop(),
	})

	err := p.ProcessJob(context.Background(), "j2")
	if errors.GetCode(err) != errors.CodeCompile {
		t.Fatalf("expected compile error, got %v", err)
	}
	j := jobs.jobs["j2"]
	if j.Status != models.JobFailed || j.ErrorCode != "COMPILE_ERROR" || j.ErrorKind != "SyntaxError" {
		t.Errorf("unexpected job %+v", j)
	}
	if len(j.ErrorText) > maxErrorText || !strings.Contains(j.ErrorText, "Undefined control sequence") {
		t.Errorf("error text not bounded or missing diagnostic: %d bytes", len(j.ErrorText))
	}
}

func TestProcessJobBadRequest(t *testing.T) {
	jobs := newMemJobs(newJob("j3", `{"source":"x","shell_escape":true}`))
	called := false
	p := New(Deps{
		Jobs: jobs,
		Renderer: renderFunc(func(context.Context, render.Request) (*render.Result, error) {
			called = true
			return nil, nil
		}),
		SP:  localfs.New(t.TempDir()),
		Log: logger.NewNop(),
	})

	if err := p.ProcessJob(context.Background(), "j3"); !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if called {
		t.Error("renderer must not run for an unparsable request")
	}
	if j := jobs.jobs["j3"]; j.Status != models.JobFailed || j.ErrorKind != "ValidationError" {
		t.Errorf("unexpected job %+v", j)
	}
}

func TestProcessJobSkips(t *testing.T) {
	claimed := newJob("j4", `{"source":"x"}`)
	jobs := newMemJobs(claimed)
	jobs.jobs["j4"].Status = models.JobRunning
	p := New(Deps{
		Jobs: jobs,
		Renderer: renderFunc(func(context.Context, render.Request) (*render.Result, error) {
			t.Error("renderer called for a skipped job")
			return nil, nil
		}),
		SP:  localfs.New(t.TempDir()),
		Log: logger.NewNop(),
	})

	if err := p.ProcessJob(context.Background(), "j4"); err != nil {
		t.Errorf("claimed job: %v", err)
	}
	if err := p.ProcessJob(context.Background(), "missing"); err != nil {
		t.Errorf("missing job: %v", err)
	}
}

func TestProcessJobBusyRequeues(t *testing.T) {
	tests := []struct {
		name  string
		cause error
	}{
		{"busy", errors.Busy(1)},
		{"unavailable", errors.Unavailable("pdflatex")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := newMemJobs(newJob("j5", `{"source":"x"}`))
			q := &memQueue{}
			p := New(Deps{
				Jobs: jobs,
				Renderer: renderFunc(func(context.Context, render.Request) (*render.Result, error) {
					return nil, tt.cause
				}),
				SP:         localfs.New(t.TempDir()),
				Log:        logger.NewNop(),
				Queue:      q,
				MaxRetries: 2,
			})

			if err := p.ProcessJob(context.Background(), "j5"); err != nil {
				t.Fatalf("ProcessJob() error: %v", err)
			}
			if got := jobs.status("j5"); got != models.JobQueued {
				t.Errorf("status = %s, want QUEUED", got)
			}
			if len(q.pushed) != 1 || q.pushed[0] != "j5" {
				t.Errorf("pushed = %v, want [j5]", q.pushed)
			}
		})
	}
}

func TestProcessJobRetriesAreBounded(t *testing.T) {
	jobs := newMemJobs(newJob("j6", `{"source":"x"}`))
	q := &memQueue{}
	p := New(Deps{
		Jobs: jobs,
		Renderer: renderFunc(func(context.Context, render.Request) (*render.Result, error) {
			return nil, errors.Busy(1)
		}),
		SP:         localfs.New(t.TempDir()),
		Log:        logger.NewNop(),
		Queue:      q,
		MaxRetries: 2,
	})

	for i := 0; i < 2; i++ {
		if err := p.ProcessJob(context.Background(), "j6"); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if err := p.ProcessJob(context.Background(), "j6"); !errors.IsCode(err, errors.CodeBusy) {
		t.Fatalf("expected busy error once retries are spent, got %v", err)
	}

	j := jobs.jobs["j6"]
	if j.Status != models.JobFailed || j.ErrorCode != "BUSY" {
		t.Errorf("unexpected job %+v", j)
	}
	if len(q.pushed) != 2 {
		t.Errorf("pushed %d times, want 2", len(q.pushed))
	}
}

func TestProcessJobShutdownRequeues(t *testing.T) {
	jobs := newMemJobs(newJob("j7", `{"source":"x"}`))
	q := &memQueue{}
	ctx, cancel := context.WithCancel(context.Background())
	p := New(Deps{
		Jobs: jobs,
		Renderer: renderFunc(func(ctx context.Context, _ render.Request) (*render.Result, error) {
			cancel()
			return nil, errors.Wrap(ctx.Err(), "render", "render interrupted")
		}),
		SP:    localfs.New(t.TempDir()),
		Log:   logger.NewNop(),
		Queue: q,
	})

	if err := p.ProcessJob(ctx, "j7"); err != nil {
		t.Fatalf("ProcessJob() error: %v", err)
	}
	if got := jobs.status("j7"); got != models.JobQueued {
		t.Errorf("status = %s, want QUEUED", got)
	}
	if len(q.pushed) != 1 {
		t.Errorf("pushed = %v", q.pushed)
	}
}

func TestProcessJobBusyWithoutQueueFails(t *testing.T) {
	jobs := newMemJobs(newJob("j8", `{"source":"x"}`))
	p := New(Deps{
		Jobs: jobs,
		Renderer: renderFunc(func(context.Context, render.Request) (*render.Result, error) {
			return nil, errors.Busy(1)
		}),
		SP:  localfs.New(t.TempDir()),
		Log: logger.NewNop(),
	})

	if err := p.ProcessJob(context.Background(), "j8"); !errors.IsCode(err, errors.CodeBusy) {
		t.Fatalf("expected busy error, got %v", err)
	}
	if got := jobs.status("j8"); got != models.JobFailed {
		t.Errorf("status = %s, want FAILED", got)
	}
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"full", `{"source":"x","format":"png","density":150,"background":"transparent"}`, false},
		{"empty", ``, true},
		{"not json", `source=x`, true},
		{"unknown field", `{"source":"x","engine":"lualatex"}`, true},
		{"blank source", `{"source":"   "}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 2); got != "h" {
		t.Errorf("Truncate split a rune: %q", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Errorf("Truncate changed short string: %q", got)
	}
}

func TestArtifactKey(t *testing.T) {
	if got := ArtifactKey("renders", "abc", rasterizer.FormatPDF); got != "renders/abc/output.pdf" {
		t.Errorf("ArtifactKey() = %s", got)
	}
}
