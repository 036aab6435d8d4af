package container

import (
	"context"
	"errors"
	"time"
)

// Container is one disposable execution instance: one language, one
// session, a filesystem that must never be assumed to outlive the
// current execution.
type Container struct {
	ID       string
	Language string
	Workdir  string
}

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Engine is the external execution engine the orchestrator delegates to.
// Timeouts inside Run surface as Result.TimedOut, not as errors, so the
// coordinator can always hand output back to the caller.
type Engine interface {
	Start(ctx context.Context, language string) (*Container, error)
	Stop(ctx context.Context, c *Container, grace time.Duration) error
	Run(ctx context.Context, c *Container, code string, timeout time.Duration) (Result, error)
	WriteFile(ctx context.Context, c *Container, path string, data []byte) error
	ReadFile(ctx context.Context, c *Container, path string) ([]byte, error)
}

var (
	// ErrFileNotFound reports a ReadFile miss; per-file, never fatal to
	// the surrounding execute.
	ErrFileNotFound = errors.New("file not found in container")

	// ErrProvisioning means a container could not be launched within the
	// retry budget. The session stays container-less and recoverable.
	ErrProvisioning = errors.New("container provisioning failed")
)
