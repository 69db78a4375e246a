package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"texrender/internal/pkg/logger"
)

const containerWorkdir = "/work"

// DockerOptions configures the per-command container.
type DockerOptions struct {
	Image       string
	MemoryBytes int64
	PidsLimit   int64
	NanoCPUs    int64
}

// DockerRunner runs each command in a throwaway container with no network,
// a read-only root filesystem, all capabilities dropped and the workspace
// bind-mounted as the only writable directory.
type DockerRunner struct {
	cli          *client.Client
	opts         DockerOptions
	user         string
	PollInterval time.Duration
	log          *logger.Logger
}

// NewDockerRunner connects to the daemon from the environment and pings it.
func NewDockerRunner(ctx context.Context, opts DockerOptions, log *logger.Logger) (*DockerRunner, error) {
	if opts.Image == "" {
		return nil, errors.New("sandbox: docker image is required")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("sandbox: docker ping: %w", err)
	}

	r := &DockerRunner{
		cli:          cli,
		opts:         opts,
		user:         fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		PollInterval: defaultPollInterval,
		log:          log.WithComponent("sandbox.docker"),
	}
	r.log.Info("docker sandbox ready", "image", opts.Image)
	return r, nil
}

func (r *DockerRunner) Name() string { return "docker" }

// Close releases the daemon connection.
func (r *DockerRunner) Close() error { return r.cli.Close() }

// LookPath checks that the image is present locally. Binaries inside the
// image are assumed to be on its PATH.
func (r *DockerRunner) LookPath(ctx context.Context, name string) (string, error) {
	if _, err := r.cli.ImageInspect(ctx, r.opts.Image); err != nil {
		return "", fmt.Errorf("%w: %s (image %s: %v)", ErrNotFound, name, r.opts.Image, err)
	}
	return name, nil
}

func (r *DockerRunner) Run(ctx context.Context, c Command) (*Result, error) {
	pids := r.opts.PidsLimit

	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           r.opts.Image,
			Cmd:             append([]string{c.Name}, c.Args...),
			WorkingDir:      containerWorkdir,
			User:            r.user,
			Env:             c.Env,
			NetworkDisabled: true,
		},
		&container.HostConfig{
			NetworkMode:    "none",
			ReadonlyRootfs: true,
			Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
			CapDrop:        []string{"ALL"},
			SecurityOpt:    []string{"no-new-privileges"},
			Mounts: []mount.Mount{{
				Type:   mount.TypeBind,
				Source: c.Dir,
				Target: containerWorkdir,
			}},
			Resources: container.Resources{
				Memory:    r.opts.MemoryBytes,
				PidsLimit: &pids,
				NanoCPUs:  r.opts.NanoCPUs,
			},
		}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create container: %w", err)
	}
	id := created.ID

	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := r.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
			r.log.Warn("container remove failed", "container_id", id, "error", err.Error())
		}
	}()

	start := time.Now()
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	sizeExceeded := make(chan struct{})
	go watchSize(watchCtx, c, r.pollInterval(), func() {
		close(sizeExceeded)
		r.kill(ctx, id)
	})

	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	exitCode := -1
	var waitErr error
	select {
	case st := <-statusCh:
		exitCode = int(st.StatusCode)
		if st.Error != nil && st.Error.Message != "" {
			waitErr = errors.New(st.Error.Message)
		}
	case err := <-errCh:
		waitErr = err
	}
	stopWatch()

	if ctx.Err() != nil {
		r.kill(ctx, id)
	}

	res := &Result{ExitCode: exitCode, Duration: time.Since(start)}
	r.collectLogs(ctx, id, c, res)

	r.log.Debug("container finished",
		"cmd", c.Name,
		"container_id", id,
		"exit_code", exitCode,
		"duration_ms", res.Duration.Milliseconds(),
	)

	select {
	case <-sizeExceeded:
		return res, ErrSizeLimit
	default:
	}
	if ctx.Err() != nil {
		return res, interrupted(c.Name, ctx.Err())
	}
	if waitErr != nil {
		return res, fmt.Errorf("sandbox: wait container: %w", waitErr)
	}
	if exitCode != 0 {
		return res, &ExitError{Code: exitCode}
	}
	return res, nil
}

func (r *DockerRunner) kill(ctx context.Context, id string) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = r.cli.ContainerKill(killCtx, id, "KILL")
}

func (r *DockerRunner) collectLogs(ctx context.Context, id string, c Command, res *Result) {
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	rc, err := r.cli.ContainerLogs(logCtx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		r.log.Warn("container logs unavailable", "container_id", id, "error", err.Error())
		return
	}
	defer rc.Close()

	stdout := newTailBuffer(c.MaxOutputBytes)
	stderr := newTailBuffer(c.MaxOutputBytes)
	_, _ = stdcopy.StdCopy(stdout, stderr, rc)

	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	res.Truncated = stdout.Truncated() || stderr.Truncated()
}

func (r *DockerRunner) pollInterval() time.Duration {
	if r.PollInterval <= 0 {
		return defaultPollInterval
	}
	return r.PollInterval
}
