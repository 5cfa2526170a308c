package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"
)

// DockerAPI runs sandboxes through the Docker Engine API.
type DockerAPI struct {
	docker *client.Client
	Policy Policy
	log    *logrus.Entry
}

// NewDockerAPI connects using the standard DOCKER_* environment. Connecting
// does not contact the daemon; an unreachable daemon surfaces on Launch.
func NewDockerAPI(policy Policy, log *logrus.Entry) (*DockerAPI, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DockerAPI{docker: cli, Policy: policy, log: log}, nil
}

// Close releases the underlying client.
func (d *DockerAPI) Close() error {
	return d.docker.Close()
}

func (d *DockerAPI) Ping(ctx context.Context) error {
	if _, err := d.docker.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

func (d *DockerAPI) containerConfig(opts LaunchOpts) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           opts.Image,
		Cmd:             opts.Command,
		WorkingDir:      d.Policy.MountPath,
		User:            d.Policy.User,
		OpenStdin:       true,
		StdinOnce:       true,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		Tty:             false,
		NetworkDisabled: !d.Policy.Network,
		Labels: map[string]string{
			LabelManaged:   "true",
			LabelExecution: opts.ExecutionID,
		},
	}

	pids := d.Policy.PidsLimit
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs:   int64(d.Policy.CPUs * 1e9),
			Memory:     d.Policy.MemoryBytes,
			MemorySwap: d.Policy.MemoryBytes,
		},
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   opts.WorkspaceDir,
				Target:   d.Policy.MountPath,
				ReadOnly: true,
			},
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,nosuid,size=" + strconv.FormatInt(d.Policy.TmpfsBytes, 10),
		},
	}
	if pids > 0 {
		hostCfg.Resources.PidsLimit = &pids
	}
	if !d.Policy.Network {
		hostCfg.NetworkMode = "none"
	}
	return cfg, hostCfg
}

func (d *DockerAPI) Launch(ctx context.Context, opts LaunchOpts) (Handle, error) {
	launchCtx, cancel := context.WithTimeout(ctx, d.Policy.LaunchTimeout)
	defer cancel()

	classify := func(op string, err error) error {
		switch {
		case errors.Is(launchCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			return fmt.Errorf("%w after %s", ErrLaunchTimeout, d.Policy.LaunchTimeout)
		case ctx.Err() != nil:
			return fmt.Errorf("launch cancelled: %w", ctx.Err())
		case client.IsErrConnectionFailed(err):
			return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if _, err := d.docker.Ping(launchCtx); err != nil {
		if launchCtx.Err() == nil {
			return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
		}
		return nil, classify("ping", err)
	}

	cfg, hostCfg := d.containerConfig(opts)
	resp, err := d.docker.ContainerCreate(launchCtx, cfg, hostCfg, nil, nil, containerName(opts.ExecutionID))
	if err != nil {
		return nil, classify("container create", err)
	}

	h := &apiHandle{docker: d.docker, id: resp.ID, log: d.log}

	// Attach before start so no early output is lost.
	hijack, err := d.docker.ContainerAttach(launchCtx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		h.Terminate()
		return nil, classify("container attach", err)
	}
	h.hijack = hijack

	// The wait outlives the launch context.
	h.waitCh, h.errCh = d.docker.ContainerWait(context.Background(), resp.ID, container.WaitConditionNextExit)

	if err := d.docker.ContainerStart(launchCtx, resp.ID, container.StartOptions{}); err != nil {
		h.Terminate()
		return nil, classify("container start", err)
	}

	h.demux()
	return h, nil
}

// Prune force-removes every container carrying the managed label.
func (d *DockerAPI) Prune(ctx context.Context) (int, error) {
	list, err := d.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("container list: %w", err)
	}

	removed := 0
	for _, c := range list {
		err := d.docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			return removed, fmt.Errorf("container remove %s: %w", c.ID, err)
		}
		removed++
	}
	return removed, nil
}

type apiHandle struct {
	docker *client.Client
	id     string
	hijack types.HijackedResponse
	log    *logrus.Entry

	stdout *io.PipeReader
	stderr *io.PipeReader

	waitCh <-chan container.WaitResponse
	errCh  <-chan error

	waitOnce sync.Once
	status   ExitStatus
	waitErr  error

	termOnce sync.Once
	termErr  error
}

// demux splits the multiplexed attach stream into stdout and stderr pipes.
func (h *apiHandle) demux() {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	h.stdout, h.stderr = outR, errR

	go func() {
		_, err := stdcopy.StdCopy(outW, errW, h.hijack.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()
}

func (h *apiHandle) ID() string        { return h.id }
func (h *apiHandle) Stdout() io.Reader { return h.stdout }
func (h *apiHandle) Stderr() io.Reader { return h.stderr }

func (h *apiHandle) Stdin() io.WriteCloser {
	return hijackedStdin{h.hijack}
}

func (h *apiHandle) Wait() (ExitStatus, error) {
	h.waitOnce.Do(func() {
		select {
		case resp := <-h.waitCh:
			h.status = ExitStatus{Code: int(resp.StatusCode)}
			if resp.Error != nil && resp.Error.Message != "" {
				h.waitErr = fmt.Errorf("container wait: %s", resp.Error.Message)
			}
		case err := <-h.errCh:
			h.waitErr = fmt.Errorf("container wait: %w", err)
		}
	})
	return h.status, h.waitErr
}

func (h *apiHandle) Terminate() error {
	h.termOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()

		err := h.docker.ContainerRemove(ctx, h.id, container.RemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			h.termErr = fmt.Errorf("container remove %s: %w", h.id, err)
		}
		if h.hijack.Conn != nil {
			h.hijack.Close()
		}
	})
	return h.termErr
}

// hijackedStdin closes only the write half so output keeps flowing.
type hijackedStdin struct {
	hijack types.HijackedResponse
}

func (s hijackedStdin) Write(p []byte) (int, error) {
	return s.hijack.Conn.Write(p)
}

func (s hijackedStdin) Close() error {
	return s.hijack.CloseWrite()
}
