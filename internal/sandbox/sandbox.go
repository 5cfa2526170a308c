package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/coderun/internal/config"
)

var (
	// ErrRuntimeUnavailable means the isolation runtime cannot be invoked at all.
	ErrRuntimeUnavailable = errors.New("sandbox runtime unavailable")
	// ErrLaunchTimeout means the sandbox did not start within the launch bound.
	ErrLaunchTimeout = errors.New("sandbox launch timed out")
)

// Labels applied to every sandbox container.
const (
	LabelManaged   = "coderun.managed"
	LabelExecution = "coderun.execution"
)

// LaunchOpts describes one sandbox to start.
type LaunchOpts struct {
	ExecutionID string
	Image       string
	Command     []string
	// WorkspaceDir is the workspace path as seen by the isolation runtime.
	WorkspaceDir string
}

// ExitStatus is the sandboxed program's exit status.
type ExitStatus struct {
	Code int
}

// Handle is a running sandbox.
type Handle interface {
	// ID returns the runtime's identifier for the sandbox.
	ID() string
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the sandbox exits. It must only be called after
	// Stdout and Stderr have been read to EOF or Terminate was called.
	Wait() (ExitStatus, error)
	// Terminate forcibly stops and removes the sandbox. It is safe to call
	// multiple times and after natural exit.
	Terminate() error
}

// Launcher starts sandboxes.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOpts) (Handle, error)
	// Ping reports whether the isolation runtime is reachable.
	Ping(ctx context.Context) error
	// Prune removes sandboxes left behind by a previous process.
	Prune(ctx context.Context) (int, error)
}

// New returns the launcher selected by cfg.Sandbox.Runtime.
func New(cfg *config.Config, log *logrus.Entry) (Launcher, error) {
	policy, err := PolicyFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Sandbox.Runtime {
	case config.RuntimeCLI:
		return NewDockerCLI(cfg.Sandbox.Binary, policy, log), nil
	case config.RuntimeAPI:
		return NewDockerAPI(policy, log)
	default:
		return nil, fmt.Errorf("unknown sandbox runtime %q", cfg.Sandbox.Runtime)
	}
}

func containerName(executionID string) string {
	return "coderun-" + executionID
}
