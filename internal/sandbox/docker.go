package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
	"github.com/rs/zerolog"
)

// DockerEngine runs code in Docker containers through the Engine API.
type DockerEngine struct {
	cli    *client.Client
	policy Policy
	logger *zerolog.Logger
}

// NewDockerEngine connects to the Docker daemon configured by the environment.
func NewDockerEngine(ctx context.Context, policy Policy, logger *zerolog.Logger) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return &DockerEngine{cli: cli, policy: policy, logger: logger}, nil
}

// Close releases the client connection.
func (d *DockerEngine) Close() error {
	return d.cli.Close()
}

func (d *DockerEngine) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	memory, err := units.RAMInBytes(spec.Memory)
	if err != nil {
		return nil, fmt.Errorf("parsing memory limit %q: %w", spec.Memory, err)
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:           d.policy.Image,
		Cmd:             []string{"/bin/sh", "-c", spec.Command},
		WorkingDir:      d.policy.WorkDir,
		User:            d.policy.User,
		NetworkDisabled: true,
	}, batchHostConfig(d.policy, spec.HostDir, memory), nil, nil, "")
	if err != nil {
		return nil, d.wrap("creating container", err)
	}
	defer d.remove(resp.ID)

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, d.wrap("starting container", err)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return nil, d.wrap("waiting for container", err)
		}
	case status := <-statusCh:
		if status.Error != nil {
			return nil, fmt.Errorf("waiting for container: %s", status.Error.Message)
		}
		exitCode = int(status.StatusCode)
	}

	logs, err := d.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, d.wrap("reading container logs", err)
	}
	defer logs.Close()

	var combined, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&combined, io.MultiWriter(&combined, &stderr), logs); err != nil {
		return nil, fmt.Errorf("demultiplexing container logs: %w", err)
	}

	d.logger.Debug().
		Str("container", resp.ID[:12]).
		Int("exit_code", exitCode).
		Msg("container finished")

	return &RunResult{
		Output:   combined.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

func (d *DockerEngine) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	memory, err := units.RAMInBytes(spec.Memory)
	if err != nil {
		return nil, fmt.Errorf("parsing memory limit %q: %w", spec.Memory, err)
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:           d.policy.Image,
		Cmd:             spec.Command,
		Env:             spec.Env,
		User:            d.policy.User,
		Tty:             true,
		OpenStdin:       true,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
	}, interactiveHostConfig(d.policy, memory, spec.CPUQuota), nil, nil, "")
	if err != nil {
		return nil, d.wrap("creating container", err)
	}

	hijacked, err := d.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		d.remove(resp.ID)
		return nil, d.wrap("attaching container", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		hijacked.Close()
		d.remove(resp.ID)
		return nil, d.wrap("starting container", err)
	}

	d.logger.Debug().Str("container", resp.ID[:12]).Strs("cmd", spec.Command).Msg("interactive container started")

	return &dockerProcess{id: resp.ID, cli: d.cli, conn: &hijackedStream{resp: hijacked}}, nil
}

// batchHostConfig mounts the workspace and denies network and swap.
func batchHostConfig(p Policy, hostDir string, memory int64) *container.HostConfig {
	pids := p.PidsLimit
	return &container.HostConfig{
		Binds:       []string{hostDir + ":" + p.WorkDir + ":rw"},
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory, // No swap allowed
			PidsLimit:  &pids,
		},
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
	}
}

// interactiveHostConfig has no mounts and removes the container when it exits.
func interactiveHostConfig(p Policy, memory, cpuQuota int64) *container.HostConfig {
	pids := p.PidsLimit
	return &container.HostConfig{
		AutoRemove:  true,
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			CPUQuota:   cpuQuota,
			PidsLimit:  &pids,
		},
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
	}
}

// remove force-removes a container with a context detached from the caller,
// so cleanup still happens when the caller's context is done.
func (d *DockerEngine) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		d.logger.Warn().Err(err).Str("container", id[:12]).Msg("failed to remove container")
	}
}

func (d *DockerEngine) wrap(op string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrEngineUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type dockerProcess struct {
	id   string
	cli  *client.Client
	conn *hijackedStream
}

func (p *dockerProcess) ID() string { return p.id }

func (p *dockerProcess) Stream() io.ReadWriteCloser { return p.conn }

func (p *dockerProcess) Stop(ctx context.Context, grace time.Duration) error {
	defer p.conn.Close()

	secs := int(grace / time.Second)
	if secs < 1 {
		secs = 1
	}
	err := p.cli.ContainerStop(ctx, p.id, container.StopOptions{Timeout: &secs})
	if err != nil && !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err) {
		return fmt.Errorf("stopping container %s: %w", p.id[:12], err)
	}
	return nil
}

// hijackedStream adapts an attached container connection to io.ReadWriteCloser.
// With a TTY the output is a raw byte stream, not stdcopy frames.
type hijackedStream struct {
	resp types.HijackedResponse
}

func (h *hijackedStream) Read(p []byte) (int, error)  { return h.resp.Reader.Read(p) }
func (h *hijackedStream) Write(p []byte) (int, error) { return h.resp.Conn.Write(p) }

func (h *hijackedStream) Close() error {
	h.resp.Close()
	return nil
}
