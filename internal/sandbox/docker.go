package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// removeTimeout bounds the forced removal of a container.
const removeTimeout = 10 * time.Second

// DockerCLI runs sandboxes through the docker command line client. Each
// sandbox is created with `docker create` so that daemon and image failures
// surface before any program output, then attached with `docker start -ai`.
type DockerCLI struct {
	Binary string
	Policy Policy
	log    *logrus.Entry
}

// NewDockerCLI creates a launcher that invokes binary (usually "docker").
func NewDockerCLI(binary string, policy Policy, log *logrus.Entry) *DockerCLI {
	if binary == "" {
		binary = "docker"
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DockerCLI{Binary: binary, Policy: policy, log: log}
}

func (d *DockerCLI) lookPath() (string, error) {
	path, err := exec.LookPath(d.Binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s not found: %v", ErrRuntimeUnavailable, d.Binary, err)
	}
	return path, nil
}

// createArgs builds the `docker create` argument list.
func (d *DockerCLI) createArgs(opts LaunchOpts) []string {
	args := []string{
		"create", "-i",
		"--name", containerName(opts.ExecutionID),
		"--label", LabelManaged + "=true",
		"--label", LabelExecution + "=" + opts.ExecutionID,
		"-v", opts.WorkspaceDir + ":" + d.Policy.MountPath + ":ro",
		"-w", d.Policy.MountPath,
	}
	args = append(args, d.Policy.runArgs()...)
	args = append(args, opts.Image)
	args = append(args, opts.Command...)
	return args
}

func (d *DockerCLI) Launch(ctx context.Context, opts LaunchOpts) (Handle, error) {
	bin, err := d.lookPath()
	if err != nil {
		return nil, err
	}

	launchCtx, cancel := context.WithTimeout(ctx, d.Policy.LaunchTimeout)
	defer cancel()

	name := containerName(opts.ExecutionID)
	args := d.createArgs(opts)
	d.log.WithField("execution", opts.ExecutionID).Debugf("docker %s", strings.Join(args, " "))

	out, err := exec.CommandContext(launchCtx, bin, args...).CombinedOutput()
	if err != nil {
		d.remove(bin, name)
		switch {
		case errors.Is(launchCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, fmt.Errorf("%w after %s", ErrLaunchTimeout, d.Policy.LaunchTimeout)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("launch cancelled: %w", ctx.Err())
		case isDaemonUnreachable(out):
			return nil, fmt.Errorf("%w: %s", ErrRuntimeUnavailable, strings.TrimSpace(string(out)))
		default:
			return nil, fmt.Errorf("creating container: %s: %w", strings.TrimSpace(string(out)), err)
		}
	}

	cmd := exec.Command(bin, "start", "-a", "-i", name)
	h := &cliHandle{bin: bin, name: name, cmd: cmd, log: d.log}

	if h.stdin, err = cmd.StdinPipe(); err != nil {
		d.remove(bin, name)
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if h.stdout, err = cmd.StdoutPipe(); err != nil {
		d.remove(bin, name)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if h.stderr, err = cmd.StderrPipe(); err != nil {
		d.remove(bin, name)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		d.remove(bin, name)
		return nil, fmt.Errorf("starting container: %w", err)
	}

	return h, nil
}

func (d *DockerCLI) remove(bin, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	// A missing container is fine here; create may have failed before it existed.
	exec.CommandContext(ctx, bin, "rm", "-f", name).Run()
}

// Ping asks the daemon for its version.
func (d *DockerCLI) Ping(ctx context.Context) error {
	bin, err := d.lookPath()
	if err != nil {
		return err
	}
	out, err := exec.CommandContext(ctx, bin, "version", "--format", "{{.Server.Version}}").CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRuntimeUnavailable, strings.TrimSpace(string(out)))
	}
	return nil
}

// Prune force-removes every container carrying the managed label.
func (d *DockerCLI) Prune(ctx context.Context) (int, error) {
	bin, err := d.lookPath()
	if err != nil {
		return 0, err
	}

	out, err := exec.CommandContext(ctx, bin, "ps", "-aq", "--filter", "label="+LabelManaged+"=true").Output()
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}
	ids := strings.Fields(string(out))
	if len(ids) == 0 {
		return 0, nil
	}

	rm := append([]string{"rm", "-f"}, ids...)
	if out, err := exec.CommandContext(ctx, bin, rm...).CombinedOutput(); err != nil {
		return 0, fmt.Errorf("removing containers: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return len(ids), nil
}

func isDaemonUnreachable(out []byte) bool {
	s := string(bytes.ToLower(out))
	return strings.Contains(s, "cannot connect to the docker daemon") ||
		strings.Contains(s, "error during connect") ||
		strings.Contains(s, "is the docker daemon running")
}

type cliHandle struct {
	bin    string
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	log    *logrus.Entry

	waitOnce sync.Once
	status   ExitStatus
	waitErr  error

	termOnce sync.Once
	termErr  error
}

func (h *cliHandle) ID() string            { return h.name }
func (h *cliHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *cliHandle) Stdout() io.Reader     { return h.stdout }
func (h *cliHandle) Stderr() io.Reader     { return h.stderr }

func (h *cliHandle) Wait() (ExitStatus, error) {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			h.status = ExitStatus{Code: 0}
		case errors.As(err, &exitErr):
			h.status = ExitStatus{Code: exitErr.ExitCode()}
		default:
			h.waitErr = fmt.Errorf("waiting for container: %w", err)
		}
	})
	return h.status, h.waitErr
}

func (h *cliHandle) Terminate() error {
	h.termOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()

		out, err := exec.CommandContext(ctx, h.bin, "rm", "-f", h.name).CombinedOutput()
		if err != nil && !strings.Contains(strings.ToLower(string(out)), "no such container") {
			h.termErr = fmt.Errorf("removing container %s: %s: %w", h.name, strings.TrimSpace(string(out)), err)
		}

		// The attached client normally exits once the container is gone.
		if h.cmd.Process != nil {
			if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				h.log.Debugf("killing docker client for %s: %v", h.name, err)
			}
		}
	})
	return h.termErr
}
