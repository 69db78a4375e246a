// Package compiler turns a TikZ/LaTeX snippet into a PDF by running a LaTeX
// engine inside a job workspace.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"texrender/internal/pkg/logger"
	"texrender/internal/sandbox"
	"texrender/internal/workspace"
)

const (
	jobName  = "main"
	texFile  = jobName + ".tex"
	pdfFile  = jobName + ".pdf"
	logFile  = jobName + ".log"
	maxLogIn = 1 << 20
)

// Options bound a single compilation.
type Options struct {
	// Engine is the LaTeX binary, pdflatex by default.
	Engine            string
	MaxPDFBytes       int64
	MaxWorkspaceBytes int64
	MaxOutputBytes    int
	LogTailBytes      int
}

func (o *Options) setDefaults() {
	if o.Engine == "" {
		o.Engine = "pdflatex"
	}
	if o.MaxPDFBytes <= 0 {
		o.MaxPDFBytes = 16 << 20
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = 64 << 10
	}
	if o.LogTailBytes <= 0 {
		o.LogTailBytes = 4 << 10
	}
}

// Input is what gets compiled. Preamble replaces DefaultPreamble for
// snippets; it is ignored for full documents.
type Input struct {
	Source   string
	Preamble string
}

// Invoker runs the LaTeX engine through a sandbox.Runner.
type Invoker struct {
	runner sandbox.Runner
	opts   Options
	log    *logger.Logger
}

func New(runner sandbox.Runner, opts Options, log *logger.Logger) *Invoker {
	opts.setDefaults()
	return &Invoker{
		runner: runner,
		opts:   opts,
		log:    log.WithComponent("compiler"),
	}
}

// Engine returns the configured engine binary.
func (i *Invoker) Engine() string { return i.opts.Engine }

// Compile writes the document into ws, runs the engine with shell escape
// disabled and returns the PDF bytes. Every failure is a *Error.
func (i *Invoker) Compile(ctx context.Context, in Input, ws *workspace.Workspace) ([]byte, error) {
	doc := BuildDocument(in.Source, in.Preamble)
	if err := os.WriteFile(ws.File(texFile), []byte(doc), 0o600); err != nil {
		return nil, &Error{Kind: KindProcessFailure, Message: "cannot write document", Err: err}
	}

	workdir := sandbox.Workdir(i.runner, ws.Path)
	start := time.Now()
	res, runErr := i.runner.Run(ctx, sandbox.Command{
		Name: i.opts.Engine,
		Args: []string{
			"-no-shell-escape",
			"-interaction=nonstopmode",
			"-halt-on-error",
			"-file-line-error",
			"-output-directory=.",
			texFile,
		},
		Dir: ws.Path,
		Env: []string{
			"HOME=" + workdir,
			"TMPDIR=" + workdir,
			"TEXMFOUTPUT=" + workdir,
			"openin_any=p",
			"openout_any=p",
			"shell_escape=f",
			"LC_ALL=C",
		},
		MaxOutputBytes: i.opts.MaxOutputBytes,
		MaxSize:        i.opts.MaxWorkspaceBytes,
		WatchSize:      ws.Size,
	})

	i.log.Debug("engine finished",
		"engine", i.opts.Engine,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", errString(runErr),
	)

	if runErr != nil {
		return nil, i.classify(ws, res, runErr)
	}

	pdf, err := readBounded(ws.File(pdfFile), i.opts.MaxPDFBytes)
	if err != nil {
		return nil, &Error{
			Kind:    KindProcessFailure,
			Message: "engine produced no usable PDF",
			Log:     tail(i.readLog(ws, res), i.opts.LogTailBytes),
			Err:     err,
		}
	}
	return pdf, nil
}

func (i *Invoker) classify(ws *workspace.Workspace, res *sandbox.Result, runErr error) *Error {
	log := i.readLog(ws, res)
	logTail := tail(log, i.opts.LogTailBytes)

	switch {
	case errors.Is(runErr, sandbox.ErrDeadline):
		return &Error{Kind: KindTimeout, Message: "compilation exceeded its deadline", Log: logTail, Err: runErr}
	case errors.Is(runErr, sandbox.ErrNotFound):
		return &Error{Kind: KindProcessFailure, Message: "latex engine not available", Err: runErr}
	case errors.Is(runErr, sandbox.ErrSizeLimit):
		return &Error{Kind: KindProcessFailure, Message: "compilation output exceeded the workspace limit", Log: logTail, Err: runErr}
	}

	var exitErr *sandbox.ExitError
	if errors.As(runErr, &exitErr) && exitErr.Signal == "" {
		if e := classifyLog(log); e != nil {
			e.Log = logTail
			e.Err = runErr
			return e
		}
	}
	return &Error{Kind: KindProcessFailure, Message: "latex engine failed", Log: logTail, Err: runErr}
}

// readLog prefers main.log and falls back to captured process output.
func (i *Invoker) readLog(ws *workspace.Workspace, res *sandbox.Result) string {
	if b, err := readTail(ws.File(logFile), maxLogIn); err == nil && len(b) > 0 {
		return string(b)
	}
	return string(res.Output())
}

// readBounded reads path, failing if it is empty or larger than limit.
func readBounded(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, limit)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	return b, nil
}

// readTail reads at most n bytes from the end of path.
func readTail(path string, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > n {
		if _, err := f.Seek(info.Size()-n, io.SeekStart); err != nil {
			return nil, err
		}
	}
	var buf bytes.Buffer
	_, err = io.Copy(&buf, io.LimitReader(f, n))
	return buf.Bytes(), err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
