package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"texrender/internal/pkg/logger"
)

// LocalRunner runs commands as host processes in their own process group.
// On deadline the whole group gets SIGKILL, and Wait gives up on inherited
// pipes after WaitDelay.
type LocalRunner struct {
	WaitDelay    time.Duration
	PollInterval time.Duration
	log          *logger.Logger
}

func NewLocalRunner(log *logger.Logger) *LocalRunner {
	return &LocalRunner{
		WaitDelay:    defaultWaitDelay,
		PollInterval: defaultPollInterval,
		log:          log.WithComponent("sandbox.local"),
	}
}

func (r *LocalRunner) Name() string { return "local" }

func (r *LocalRunner) LookPath(_ context.Context, name string) (string, error) {
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

func (r *LocalRunner) Run(ctx context.Context, c Command) (*Result, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append([]string{"PATH=" + os.Getenv("PATH")}, c.Env...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = r.WaitDelay

	stdout := newTailBuffer(c.MaxOutputBytes)
	stderr := newTailBuffer(c.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, c.Name)
		}
		return nil, fmt.Errorf("sandbox: start %s: %w", c.Name, err)
	}

	go watchSize(runCtx, c, r.pollInterval(), func() { cancel(ErrSizeLimit) })

	waitErr := cmd.Wait()

	res := &Result{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		ExitCode:  -1,
		Duration:  time.Since(start),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	r.log.Debug("process finished",
		"cmd", c.Name,
		"exit_code", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
	)

	if errors.Is(context.Cause(runCtx), ErrSizeLimit) {
		return res, ErrSizeLimit
	}
	if ctx.Err() != nil {
		return res, interrupted(c.Name, ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, &ExitError{Code: res.ExitCode, Signal: signalName(exitErr)}
		}
		return res, fmt.Errorf("sandbox: wait %s: %w", c.Name, waitErr)
	}
	return res, nil
}

func (r *LocalRunner) pollInterval() time.Duration {
	if r.PollInterval <= 0 {
		return defaultPollInterval
	}
	return r.PollInterval
}
