package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const containerWorkdir = "/workspace"

type EngineConfig struct {
	WorkdirRoot string
	Network     string
	Images      map[string]string
	CPUs        float64
	MemoryBytes int64
	PidsLimit   int64
}

// DockerEngine implements Engine against the Docker Engine API. Each
// container gets a host directory bind-mounted at /workspace; the file
// primitives operate on the host side of that mount, which keeps them
// working even when the container's own filesystem is read-only.
type DockerEngine struct {
	cfg       EngineConfig
	log       *slog.Logger
	client    *client.Client
	languages map[string]languageSpec
	cleanupQ  chan cleanupRequest

	// observed exec setup latency, feeds the next run's timeout budget
	observedOverhead atomic.Int64
}

type languageSpec struct {
	filename string
	args     []string
}

func NewDockerEngine(cfg EngineConfig, log *slog.Logger) (*DockerEngine, error) {
	if strings.TrimSpace(cfg.WorkdirRoot) == "" {
		cfg.WorkdirRoot = "/tmp/sentbox-sessions"
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	e := &DockerEngine{
		cfg:    cfg,
		log:    log,
		client: dockerClient,
		languages: map[string]languageSpec{
			"python": {filename: "main.py", args: []string{"python3", containerWorkdir + "/main.py"}},
			"bash":   {filename: "main.sh", args: []string{"bash", containerWorkdir + "/main.sh"}},
			"pybash": {filename: "main.py", args: []string{"python3", containerWorkdir + "/main.py"}},
		},
		cleanupQ: make(chan cleanupRequest, cleanupQueueSize),
	}
	e.startCleanupWorker()
	e.purgeOrphanedWorkdirs()
	return e, nil
}

// Ping verifies the Docker daemon is reachable. Called once at startup.
func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.client.Ping(ctx); err != nil {
		return fmt.Errorf("connect to docker daemon: %w", err)
	}
	return nil
}

func (e *DockerEngine) Close() error {
	return e.client.Close()
}

func (e *DockerEngine) Start(ctx context.Context, language string) (*Container, error) {
	if _, ok := e.languages[language]; !ok {
		return nil, fmt.Errorf("no runtime spec for language %q", language)
	}
	image, ok := e.cfg.Images[language]
	if !ok || image == "" {
		return nil, fmt.Errorf("no image configured for language %q", language)
	}

	id := uuid.New().String()[:12]
	workdir := filepath.Join(e.cfg.WorkdirRoot, id)
	if err := os.MkdirAll(workdir, 0o777); err != nil {
		return nil, fmt.Errorf("prepare workdir: %w", err)
	}

	containerConfig := &container.Config{
		Image:      image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: containerWorkdir,
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(e.cfg.Network),
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workdir,
			Target: containerWorkdir,
		}},
		Resources: e.resources(),
	}

	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "sentbox-"+id)
	if err != nil {
		e.cleanup(workdir)
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		e.removeContainer(context.Background(), resp.ID)
		e.cleanup(workdir)
		return nil, fmt.Errorf("start container: %w", err)
	}

	e.log.Debug("container started", "container_id", resp.ID, "language", language, "image", image)
	return &Container{ID: resp.ID, Language: language, Workdir: workdir}, nil
}

func (e *DockerEngine) Stop(ctx context.Context, c *Container, grace time.Duration) error {
	graceSecs := int(grace.Round(time.Second) / time.Second)
	if graceSecs < 1 {
		graceSecs = 1
	}

	// The stop API sends the graceful signal, waits out the grace period
	// and escalates to SIGKILL on its own; remove reclaims the record.
	stopErr := e.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &graceSecs})
	if stopErr != nil && client.IsErrNotFound(stopErr) {
		stopErr = nil
	}

	removeErr := e.removeContainer(ctx, c.ID)
	e.cleanup(c.Workdir)

	if stopErr != nil {
		return fmt.Errorf("stop container %s: %w", c.ID, stopErr)
	}
	return removeErr
}

func (e *DockerEngine) Run(ctx context.Context, c *Container, code string, timeout time.Duration) (Result, error) {
	spec, ok := e.languages[c.Language]
	if !ok {
		return Result{ExitCode: -1}, fmt.Errorf("no runtime spec for language %q", c.Language)
	}

	sourcePath := filepath.Join(c.Workdir, spec.filename)
	if err := os.WriteFile(sourcePath, []byte(code), 0o666); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("write source: %w", err)
	}

	budget, _ := computeExecutionBudget(timeout, time.Duration(e.observedOverhead.Load()))
	execCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	setupStarted := time.Now()
	execResp, err := e.client.ContainerExecCreate(execCtx, c.ID, container.ExecOptions{
		Cmd:          spec.args,
		WorkingDir:   containerWorkdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("create exec: %w", err)
	}

	attach, err := e.client.ContainerExecAttach(execCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()
	e.observedOverhead.Store(int64(time.Since(setupStarted)))

	var stdoutBuf, stderrBuf bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attach.Reader)
		copied <- copyErr
	}()

	started := time.Now()
	timedOut := false
	select {
	case copyErr := <-copied:
		if copyErr != nil && execCtx.Err() == nil {
			return Result{ExitCode: -1}, fmt.Errorf("read exec output: %w", copyErr)
		}
	case <-execCtx.Done():
		// unblock the copier and leave whatever made it into the buffers
		attach.Close()
		<-copied
		if !execDeadlineExceeded(execCtx) {
			// caller cancellation, not a budget overrun
			return Result{ExitCode: -1}, execCtx.Err()
		}
		timedOut = true
	}
	duration := time.Since(started)

	result := Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		TimedOut: timedOut,
		Duration: duration,
	}

	if timedOut {
		result.ExitCode = -1
		e.log.Warn("execution timed out", "container_id", c.ID, "timeout", timeout)
		return result, nil
	}

	inspectCtx, inspectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer inspectCancel()
	inspect, err := e.client.ContainerExecInspect(inspectCtx, execResp.ID)
	if err != nil {
		return result, fmt.Errorf("inspect exec: %w", err)
	}
	result.ExitCode = inspect.ExitCode
	return result, nil
}

func (e *DockerEngine) WriteFile(_ context.Context, c *Container, path string, data []byte) error {
	full, err := workdirPath(c.Workdir, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o777); err != nil {
		return fmt.Errorf("prepare directory for %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o666); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (e *DockerEngine) ReadFile(_ context.Context, c *Container, path string) ([]byte, error) {
	full, err := workdirPath(c.Workdir, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (e *DockerEngine) resources() container.Resources {
	res := container.Resources{}
	if e.cfg.CPUs > 0 {
		res.NanoCPUs = int64(e.cfg.CPUs * 1_000_000_000)
	}
	if e.cfg.MemoryBytes > 0 {
		res.Memory = e.cfg.MemoryBytes
	}
	if e.cfg.PidsLimit > 0 {
		pids := e.cfg.PidsLimit
		res.PidsLimit = &pids
	}
	return res
}

func (e *DockerEngine) removeContainer(ctx context.Context, id string) error {
	if err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("remove container %s: %w", id, err)
		}
	}
	return nil
}

// execDeadlineExceeded reports whether an interrupted exec ran out of
// its timeout budget, as opposed to the caller cancelling the request.
func execDeadlineExceeded(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), context.DeadlineExceeded)
}

// workdirPath resolves a caller-supplied relative path inside the
// container workdir, rejecting absolute paths and traversal out of it.
func workdirPath(workdir, rel string) (string, error) {
	trimmed := strings.TrimSpace(rel)
	if trimmed == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(trimmed) {
		return "", fmt.Errorf("absolute path %q not allowed", rel)
	}
	full := filepath.Join(workdir, trimmed)
	if full != workdir && !strings.HasPrefix(full, workdir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workdir", rel)
	}
	return full, nil
}
