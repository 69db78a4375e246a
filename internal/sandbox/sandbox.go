// Package sandbox runs toolchain binaries (pdflatex, convert, dvisvgm) under
// a deadline, with bounded captured output and an optional cap on how much
// the process may write to its working directory.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDeadline is returned when the context expired and the process was killed.
	ErrDeadline = errors.New("sandbox: deadline exceeded")
	// ErrSizeLimit is returned when the working directory grew past Command.MaxSize.
	ErrSizeLimit = errors.New("sandbox: workspace size limit exceeded")
	// ErrNotFound is returned when the binary cannot be resolved.
	ErrNotFound = errors.New("sandbox: executable not found")
)

// interrupted reports why a run stopped early because ctx ended. Only an
// expired deadline is ErrDeadline; a canceled context stays context.Canceled.
func interrupted(name string, ctxErr error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrDeadline, ctxErr)
	}
	return fmt.Errorf("sandbox: %s interrupted: %w", name, ctxErr)
}

// Command describes one process invocation. File arguments are relative to
// Dir, which is the process working directory.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is the process environment. The local runner adds the parent's
	// PATH; nothing else is inherited.
	Env []string

	// MaxOutputBytes bounds each of stdout and stderr; only the tail is kept.
	MaxOutputBytes int

	// MaxSize kills the process when WatchSize reports more bytes than this.
	MaxSize   int64
	WatchSize func() (int64, error)
}

// Result is what a finished process left behind.
type Result struct {
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	Duration  time.Duration
	Truncated bool
}

// Output returns stdout followed by stderr.
func (r *Result) Output() []byte {
	if r == nil {
		return nil
	}
	out := make([]byte, 0, len(r.Stdout)+len(r.Stderr))
	out = append(out, r.Stdout...)
	return append(out, r.Stderr...)
}

// ExitError reports a process that ran and exited unsuccessfully.
type ExitError struct {
	Code   int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("sandbox: process killed by %s", e.Signal)
	}
	return fmt.Sprintf("sandbox: exit status %d", e.Code)
}

// Runner executes commands in some confinement. Run returns a non-nil Result
// whenever the process started, even alongside an error.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
	// LookPath resolves a binary without running it.
	LookPath(ctx context.Context, name string) (string, error)
	Name() string
}

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultWaitDelay    = 2 * time.Second
)

// watchSize polls c.WatchSize until ctx is done and calls kill once the limit
// is exceeded.
func watchSize(ctx context.Context, c Command, interval time.Duration, kill func()) {
	if c.MaxSize <= 0 || c.WatchSize == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			size, err := c.WatchSize()
			if err == nil && size > c.MaxSize {
				kill()
				return
			}
		}
	}
}

// Workdir returns the path at which r exposes a host directory to the
// process, for use in environment values such as HOME.
func Workdir(r Runner, hostDir string) string {
	if _, ok := r.(*DockerRunner); ok {
		return containerWorkdir
	}
	return hostDir
}
