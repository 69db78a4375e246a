package render

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"texrender/internal/compiler"
	"texrender/internal/pkg/errors"
	"texrender/internal/pkg/logger"
	"texrender/internal/rasterizer"
	"texrender/internal/sandbox"
	"texrender/internal/workspace"
)

type fakeCompiler struct {
	calls atomic.Int32
	fn    func(ctx context.Context, in compiler.Input, ws *workspace.Workspace) ([]byte, error)
}

func (f *fakeCompiler) Compile(ctx context.Context, in compiler.Input, ws *workspace.Workspace) ([]byte, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, in, ws)
	}
	// Echo the source so callers can check their output is their own.
	return []byte("%PDF-1.5\n" + in.Preamble + in.Source), nil
}

type fakeRasterizer struct {
	calls atomic.Int32
	fn    func(ctx context.Context, pdf []byte, opts rasterizer.Options) ([]byte, error)
}

func (f *fakeRasterizer) Rasterize(ctx context.Context, pdf []byte, opts rasterizer.Options, ws *workspace.Workspace) ([]byte, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, pdf, opts)
	}
	return append([]byte(string(opts.Format)+":"), pdf...), nil
}

type fakeTemplates map[string]string

func (f fakeTemplates) Preamble(_ context.Context, id string) (string, error) {
	p, ok := f[id]
	if !ok {
		return "", errors.NotFound("template", id)
	}
	return p, nil
}

// countingRunner records whether anything was executed.
type countingRunner struct {
	runs    atomic.Int32
	missing map[string]bool
}

func (r *countingRunner) Run(context.Context, sandbox.Command) (*sandbox.Result, error) {
	r.runs.Add(1)
	return &sandbox.Result{}, nil
}

func (r *countingRunner) LookPath(_ context.Context, name string) (string, error) {
	if r.missing[name] {
		return "", sandbox.ErrNotFound
	}
	return "/usr/bin/" + name, nil
}

func (r *countingRunner) Name() string { return "counting" }

type harness struct {
	svc  *Service
	comp *fakeCompiler
	rast *fakeRasterizer
	root string

	mu        sync.Mutex
	histories [][]Transition
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	root := t.TempDir()
	wm, err := workspace.NewManager(root, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{comp: &fakeCompiler{}, rast: &fakeRasterizer{}, root: root}
	h.svc = NewService(Deps{
		Compiler:   h.comp,
		Rasterizer: h.rast,
		Workspaces: wm,
		Templates:  fakeTemplates{"2b1e8f3c-3d7a-4c55-9d7e-0d5b9f1c2a11": `\documentclass{standalone}\usepackage{tikz}`},
	}, cfg, logger.NewNop())
	h.svc.observe = func(j *Job) {
		h.mu.Lock()
		h.histories = append(h.histories, j.History())
		h.mu.Unlock()
	}
	return h
}

func (h *harness) leftoverWorkspaces(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.root)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (h *harness) checkHistories(t *testing.T) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, hist := range h.histories {
		if hist[0].State != StateReceived {
			t.Errorf("history starts at %s", hist[0].State)
		}
		for i := 1; i < len(hist); i++ {
			if !CanTransition(hist[i-1].State, hist[i].State) {
				t.Errorf("illegal transition %s -> %s", hist[i-1].State, hist[i].State)
			}
		}
		if last := hist[len(hist)-1].State; !last.Terminal() {
			t.Errorf("job ended in non-terminal state %s", last)
		}
	}
}

func defaultConfig() Config {
	return Config{MaxConcurrent: 4, JobTimeout: 5 * time.Second, MaxSourceBytes: 1024, DefaultDensity: 300}
}

func TestRenderSuccess(t *testing.T) {
	h := newHarness(t, defaultConfig())

	res, err := h.svc.Render(context.Background(), Request{Source: `\draw (0,0) -- (1,1);`})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if res.Format != rasterizer.FormatPNG || res.ContentType != "image/png" {
		t.Errorf("expected png default, got %s %s", res.Format, res.ContentType)
	}
	if len(res.Data) == 0 {
		t.Error("expected non-empty output")
	}
	if !strings.HasPrefix(res.JobID, "job_") {
		t.Errorf("unexpected job id %q", res.JobID)
	}
	if got := h.leftoverWorkspaces(t); len(got) != 0 {
		t.Errorf("workspace not released: %v", got)
	}
	h.checkHistories(t)

	hist := h.histories[0]
	want := []State{StateReceived, StateValidating, StateCompiling, StateRasterizing, StateSucceeded}
	if len(hist) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), hist)
	}
	for i, s := range want {
		if hist[i].State != s {
			t.Errorf("transition %d: got %s, want %s", i, hist[i].State, s)
		}
	}
}

func TestRenderDefaultsPassedToRasterizer(t *testing.T) {
	h := newHarness(t, defaultConfig())
	var got rasterizer.Options
	h.rast.fn = func(_ context.Context, _ []byte, opts rasterizer.Options) ([]byte, error) {
		got = opts
		return []byte("x"), nil
	}

	if _, err := h.svc.Render(context.Background(), Request{Source: "x", Format: " SVG ", MaxWidth: 50}); err != nil {
		t.Fatal(err)
	}
	if got.Format != rasterizer.FormatSVG || got.Density != 300 || got.Background != "white" || got.MaxWidth != 50 {
		t.Errorf("unexpected options %+v", got)
	}
}

func TestRenderValidation(t *testing.T) {
	tests := []struct {
		name   string
		req    Request
		code   errors.Code
		status int
		kind   string
	}{
		{"empty source", Request{}, errors.CodeValidation, 400, "ValidationError"},
		{"oversized source", Request{Source: strings.Repeat("x", 1025)}, errors.CodePayloadTooLarge, 413, "PayloadTooLarge"},
		{"bad format", Request{Source: "x", Format: "gif"}, errors.CodeValidation, 400, "ValidationError"},
		{"bad density", Request{Source: "x", Density: 5000}, errors.CodeValidation, 400, "ValidationError"},
		{"option injection", Request{Source: "x", Background: "-write /tmp/x"}, errors.CodeValidation, 400, "ValidationError"},
		{"bad template id", Request{Source: "x", TemplateID: "nope"}, errors.CodeValidation, 400, "ValidationError"},
		{"unknown template", Request{Source: "x", TemplateID: "7c9e6679-7425-40de-944b-e07fc1f90ae7"}, errors.CodeValidation, 400, "ValidationError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, defaultConfig())
			_, err := h.svc.Render(context.Background(), tt.req)
			if err == nil {
				t.Fatal("expected error")
			}
			if code := errors.GetCode(err); code != tt.code {
				t.Errorf("code = %s, want %s", code, tt.code)
			}
			if status := errors.GetHTTPStatus(err); status != tt.status {
				t.Errorf("status = %d, want %d", status, tt.status)
			}
			if kind := errors.GetFields(err)["kind"]; kind != tt.kind {
				t.Errorf("kind = %v, want %s", kind, tt.kind)
			}
			if n := h.comp.calls.Load(); n != 0 {
				t.Errorf("compiler invoked %d times", n)
			}
			if got := h.leftoverWorkspaces(t); len(got) != 0 {
				t.Errorf("workspace created for rejected request: %v", got)
			}
			h.checkHistories(t)
		})
	}
}

func TestRenderTemplatePreamble(t *testing.T) {
	h := newHarness(t, defaultConfig())
	var preamble string
	h.comp.fn = func(_ context.Context, in compiler.Input, _ *workspace.Workspace) ([]byte, error) {
		preamble = in.Preamble
		return []byte("%PDF-1.5"), nil
	}

	_, err := h.svc.Render(context.Background(), Request{Source: "x", TemplateID: "2b1e8f3c-3d7a-4c55-9d7e-0d5b9f1c2a11"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(preamble, `\usepackage{tikz}`) {
		t.Errorf("template preamble not passed through: %q", preamble)
	}
}

func TestRenderCompileError(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.comp.fn = func(_ context.Context, _ compiler.Input, ws *workspace.Workspace) ([]byte, error) {
		if err := os.WriteFile(ws.File("main.log"), []byte("log"), 0o600); err != nil {
			return nil, err
		}
		return nil, &compiler.Error{
			Kind:    compiler.KindSyntax,
			Message: "Undefined control sequence.",
			Log:     "main.tex:3: Undefined control sequence.\nl.3 \\badmacro",
			Line:    3,
		}
	}

	_, err := h.svc.Render(context.Background(), Request{Source: `\badmacro`})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.GetCode(err) != errors.CodeCompile || errors.GetHTTPStatus(err) != 422 {
		t.Errorf("unexpected error %v (%d)", err, errors.GetHTTPStatus(err))
	}
	fields := errors.GetFields(err)
	if fields["kind"] != "SyntaxError" || fields["stage"] != "compiling" || fields["line"] != 3 {
		t.Errorf("unexpected fields %v", fields)
	}
	if diag, _ := fields["diagnostic"].(string); !strings.Contains(diag, "Undefined control sequence") {
		t.Errorf("expected diagnostic, got %q", diag)
	}
	if n := h.rast.calls.Load(); n != 0 {
		t.Errorf("rasterizer invoked %d times after compile failure", n)
	}
	if got := h.leftoverWorkspaces(t); len(got) != 0 {
		t.Errorf("workspace not released: %v", got)
	}
	h.checkHistories(t)
	if last := h.histories[0][len(h.histories[0])-1]; last.State != StateFailed {
		t.Errorf("expected failed, got %s", last.State)
	}
}

func TestRenderRasterError(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.rast.fn = func(context.Context, []byte, rasterizer.Options) ([]byte, error) {
		return nil, &rasterizer.Error{Kind: rasterizer.KindConversionFailure, Detail: "convert: no images defined"}
	}

	_, err := h.svc.Render(context.Background(), Request{Source: "x"})
	if errors.GetCode(err) != errors.CodeRaster {
		t.Fatalf("expected RASTER_ERROR, got %v", err)
	}
	fields := errors.GetFields(err)
	if fields["stage"] != "rasterizing" || fields["kind"] != "ConversionFailure" {
		t.Errorf("unexpected fields %v", fields)
	}
	h.checkHistories(t)
}

func TestRenderTimeout(t *testing.T) {
	cfg := defaultConfig()
	cfg.JobTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)
	h.comp.fn = func(ctx context.Context, _ compiler.Input, _ *workspace.Workspace) ([]byte, error) {
		<-ctx.Done()
		return nil, &compiler.Error{Kind: compiler.KindTimeout, Message: "deadline exceeded", Err: ctx.Err()}
	}

	start := time.Now()
	_, err := h.svc.Render(context.Background(), Request{Source: `\loop\iftrue\repeat`})
	elapsed := time.Since(start)

	if errors.GetCode(err) != errors.CodeTimeout || errors.GetHTTPStatus(err) != 504 {
		t.Fatalf("expected TIMEOUT/504, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
	if got := h.leftoverWorkspaces(t); len(got) != 0 {
		t.Errorf("workspace not released: %v", got)
	}
	h.checkHistories(t)
}

func TestRenderCanceledIsNotTimeout(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	h.comp.fn = func(ctx context.Context, _ compiler.Input, _ *workspace.Workspace) ([]byte, error) {
		cancel()
		<-ctx.Done()
		return nil, &compiler.Error{Kind: compiler.KindProcessFailure, Message: "latex engine failed", Err: ctx.Err()}
	}

	_, err := h.svc.Render(ctx, Request{Source: "x"})
	if errors.GetCode(err) == errors.CodeTimeout || errors.GetCode(err) == errors.CodeCompile {
		t.Fatalf("cancellation reported as %s", errors.GetCode(err))
	}
	if errors.GetCode(err) != errors.CodeUnavailable || errors.GetFields(err)["kind"] != "Canceled" {
		t.Errorf("expected UNAVAILABLE/Canceled, got %v %v", err, errors.GetFields(err))
	}
	h.checkHistories(t)
}

func TestRenderCallerDeadlineWins(t *testing.T) {
	h := newHarness(t, defaultConfig())
	var deadline time.Time
	h.comp.fn = func(ctx context.Context, _ compiler.Input, _ *workspace.Workspace) ([]byte, error) {
		deadline, _ = ctx.Deadline()
		return []byte("%PDF-1.5"), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := h.svc.Render(ctx, Request{Source: "x"}); err != nil {
		t.Fatal(err)
	}
	if time.Until(deadline) > time.Second {
		t.Errorf("expected caller deadline to bound the job, got %s", time.Until(deadline))
	}
}

func TestRenderConcurrentIsolation(t *testing.T) {
	const n = 8
	cfg := defaultConfig()
	cfg.MaxConcurrent = n
	h := newHarness(t, cfg)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			marker := strings.Repeat("m", i+1) + "-marker"
			res, err := h.svc.Render(context.Background(), Request{Source: marker})
			if err != nil {
				errs <- err
				return
			}
			if !bytes.HasSuffix(res.Data, []byte(marker)) {
				errs <- errors.Newf(errors.CodeInternal, "job %d got someone else's output: %q", i, res.Data)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if got := h.leftoverWorkspaces(t); len(got) != 0 {
		t.Errorf("workspaces not released: %v", got)
	}
	h.checkHistories(t)
}

// blockCompiler makes every compile wait until release is closed.
func blockCompiler(h *harness) (started chan struct{}, release chan struct{}) {
	started = make(chan struct{}, 16)
	release = make(chan struct{})
	h.comp.fn = func(ctx context.Context, in compiler.Input, _ *workspace.Workspace) ([]byte, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, &compiler.Error{Kind: compiler.KindTimeout, Err: ctx.Err()}
		}
		return []byte("%PDF-1.5"), nil
	}
	return started, release
}

func TestRenderAdmissionCeiling(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxConcurrent = 2
	h := newHarness(t, cfg)
	started, release := blockCompiler(h)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.Render(context.Background(), Request{Source: "x"}); err != nil {
				t.Errorf("admitted job failed: %v", err)
			}
		}()
	}
	<-started
	<-started

	_, err := h.svc.Render(context.Background(), Request{Source: "x"})
	if errors.GetCode(err) != errors.CodeBusy || errors.GetHTTPStatus(err) != 503 {
		t.Fatalf("expected BUSY/503, got %v", err)
	}
	if kind := errors.GetFields(err)["kind"]; kind != "AdmissionRejected" {
		t.Errorf("kind = %v", kind)
	}

	health := h.svc.HealthCheck(context.Background())
	if !health.OK() || health.InFlight != 2 || health.Capacity != 2 {
		t.Errorf("unexpected health while saturated: %+v", health)
	}

	close(release)
	wg.Wait()

	if _, err := h.svc.Render(context.Background(), Request{Source: "x"}); err != nil {
		t.Errorf("expected capacity to be released, got %v", err)
	}
	if n := h.comp.calls.Load(); n != 3 {
		t.Errorf("expected 3 compiles, got %d", n)
	}
	h.checkHistories(t)
}

func TestRenderAll(t *testing.T) {
	h := newHarness(t, defaultConfig())
	formats := []rasterizer.Format{rasterizer.FormatPDF, rasterizer.FormatPNG}

	res, err := h.svc.RenderAll(context.Background(), Request{Source: "x"}, formats...)
	if err != nil {
		t.Fatal(err)
	}
	if res.Format != rasterizer.FormatPDF || res.ContentType != "application/pdf" {
		t.Errorf("expected pdf primary, got %s", res.Format)
	}
	if len(res.Outputs) != 2 || len(res.Outputs[rasterizer.FormatPNG]) == 0 {
		t.Errorf("unexpected outputs %v", res.Outputs)
	}
	if n := h.comp.calls.Load(); n != 1 {
		t.Errorf("expected one compile, got %d", n)
	}
	if formats[0] != rasterizer.FormatPDF || formats[1] != rasterizer.FormatPNG {
		t.Errorf("caller slice modified: %v", formats)
	}
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name      string
		missing   map[string]bool
		wantOK    bool
		reasons   []string
		toolchain map[string]string
	}{
		{
			name:      "all present",
			wantOK:    true,
			toolchain: map[string]string{"pdflatex": "available", "convert": "available", "dvisvgm": "available"},
		},
		{
			name:      "optional svg converter missing",
			missing:   map[string]bool{"dvisvgm": true},
			wantOK:    true,
			toolchain: map[string]string{"pdflatex": "available", "convert": "available", "dvisvgm": "missing"},
		},
		{
			name:      "engine missing",
			missing:   map[string]bool{"pdflatex": true},
			reasons:   []string{"pdflatex not found"},
			toolchain: map[string]string{"pdflatex": "missing", "convert": "available", "dvisvgm": "available"},
		},
		{
			name:      "convert and dvisvgm missing",
			missing:   map[string]bool{"convert": true, "dvisvgm": true},
			reasons:   []string{"convert not found"},
			toolchain: map[string]string{"pdflatex": "available", "convert": "missing", "dvisvgm": "missing"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, defaultConfig())
			runner := &countingRunner{missing: tt.missing}
			h.svc.ResolveToolchain(context.Background(), runner, []string{"pdflatex", "convert"}, "dvisvgm")

			for i := 0; i < 3; i++ {
				health := h.svc.HealthCheck(context.Background())
				if health.OK() != tt.wantOK {
					t.Fatalf("OK() = %v, want %v (%+v)", health.OK(), tt.wantOK, health)
				}
				for bin, want := range tt.toolchain {
					if health.Toolchain[bin] != want {
						t.Errorf("toolchain[%s] = %s, want %s", bin, health.Toolchain[bin], want)
					}
				}
				if strings.Join(health.Reasons, ",") != strings.Join(tt.reasons, ",") {
					t.Errorf("reasons = %v, want %v", health.Reasons, tt.reasons)
				}
			}
			if n := runner.runs.Load(); n != 0 {
				t.Errorf("health check executed %d processes", n)
			}
			if n := h.comp.calls.Load(); n != 0 {
				t.Errorf("health check compiled %d times", n)
			}
		})
	}
}

func TestHealthCheckWorkspaceGone(t *testing.T) {
	h := newHarness(t, defaultConfig())
	if err := os.RemoveAll(h.root); err != nil {
		t.Fatal(err)
	}
	health := h.svc.HealthCheck(context.Background())
	if health.OK() || health.Workspace != "unavailable" {
		t.Errorf("expected degraded workspace, got %+v", health)
	}
}

func TestDrain(t *testing.T) {
	h := newHarness(t, defaultConfig())
	started, release := blockCompiler(h)

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Render(context.Background(), Request{Source: "x"})
		done <- err
	}()
	<-started

	drained := make(chan error, 1)
	go func() { drained <- h.svc.Drain(context.Background()) }()

	// Wait for Drain to flip the flag before probing.
	deadline := time.Now().Add(2 * time.Second)
	for !h.svc.HealthCheck(context.Background()).Draining {
		if time.Now().After(deadline) {
			t.Fatal("drain never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := h.svc.Render(context.Background(), Request{Source: "y"})
	if errors.GetCode(err) != errors.CodeUnavailable {
		t.Errorf("expected UNAVAILABLE while draining, got %v", err)
	}
	if health := h.svc.HealthCheck(context.Background()); health.OK() {
		t.Error("expected degraded while draining")
	}

	select {
	case err := <-drained:
		t.Fatalf("drain returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("in-flight job failed: %v", err)
	}
	if err := <-drained; err != nil {
		t.Errorf("Drain() error: %v", err)
	}
}

func TestDrainTimeout(t *testing.T) {
	h := newHarness(t, defaultConfig())
	started, release := blockCompiler(h)
	defer close(release)

	go func() { _, _ = h.svc.Render(context.Background(), Request{Source: "x"}) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.svc.Drain(ctx); err == nil {
		t.Error("expected drain to time out with a job in flight")
	}
}
