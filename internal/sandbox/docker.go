package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	dockererrdefs "github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cochaviz/tunnelbed/internal/errdefs"
)

// dockerAPI is the part of the Docker client the runtime uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// DockerRuntime runs hosts as privileged containers without Docker
// networking, so the orchestrator can wire their namespaces itself.
type DockerRuntime struct {
	api    dockerAPI
	logger *slog.Logger
}

// NewDockerRuntime connects to the daemon configured in the environment.
func NewDockerRuntime(opts ...Option) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDockerRuntime(cli, opts...), nil
}

func newDockerRuntime(api dockerAPI, opts ...Option) *DockerRuntime {
	o := applyOptions(opts)
	return &DockerRuntime{api: api, logger: o.logger.With("runtime", "docker")}
}

// Close releases the daemon connection.
func (r *DockerRuntime) Close() error {
	return r.api.Close()
}

func (r *DockerRuntime) Start(ctx context.Context, spec HostSpec) (Instance, error) {
	logger := r.logger.With("sandbox", spec.Name)

	inst, err := r.Inspect(ctx, spec.Name)
	switch {
	case err == nil && inst.Running:
		logger.Debug("sandbox already running", "pid", inst.Pid)
		return inst, nil
	case err == nil:
		logger.Info("starting existing sandbox")
	case errdefs.IsNotFound(err):
		if err := r.create(ctx, spec); err != nil {
			return Instance{}, err
		}
		logger.Info("sandbox created", "image", spec.Image)
	default:
		return Instance{}, err
	}

	if err := r.api.ContainerStart(ctx, spec.Name, container.StartOptions{}); err != nil {
		return Instance{}, fmt.Errorf("start container %s: %w", spec.Name, err)
	}
	inst, err = r.Inspect(ctx, spec.Name)
	if err != nil {
		return Instance{}, err
	}
	if !inst.Running || inst.Pid == 0 {
		return Instance{}, fmt.Errorf("container %s is not running after start", spec.Name)
	}
	return inst, nil
}

func (r *DockerRuntime) create(ctx context.Context, spec HostSpec) error {
	cfg := &container.Config{
		Image:           spec.Image,
		Hostname:        spec.Name,
		Cmd:             []string{"sleep", "infinity"},
		NetworkDisabled: true,
		User:            "root",
		Labels:          spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Privileged: true,
		Binds:      binds(spec.Mounts),
		Resources:  container.Resources{Memory: int64(spec.MemoryMB) << 20},
	}

	_, err := r.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil && dockererrdefs.IsNotFound(err) {
		if err := r.pull(ctx, spec.Image); err != nil {
			return err
		}
		_, err = r.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	}
	if err != nil {
		if dockererrdefs.IsConflict(err) {
			return fmt.Errorf("%w: container %s", errdefs.ErrAlreadyExists, spec.Name)
		}
		return fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return nil
}

func (r *DockerRuntime) pull(ctx context.Context, ref string) error {
	r.logger.Info("pulling image", "image", ref)
	progress, err := r.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer progress.Close()
	if _, err := io.Copy(io.Discard, progress); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (r *DockerRuntime) Inspect(ctx context.Context, name string) (Instance, error) {
	res, err := r.api.ContainerInspect(ctx, name)
	if err != nil {
		if dockererrdefs.IsNotFound(err) {
			return Instance{}, fmt.Errorf("%w: container %s", errdefs.ErrNotFound, name)
		}
		return Instance{}, fmt.Errorf("inspect container %s: %w", name, err)
	}
	inst := Instance{Name: name}
	if res.Config != nil {
		inst.Labels = res.Config.Labels
	}
	if res.ContainerJSONBase != nil && res.State != nil && res.State.Running {
		inst.Running = true
		inst.Pid = res.State.Pid
		inst.NetNS = netnsPath(res.State.Pid)
	}
	return inst, nil
}

func (r *DockerRuntime) Stop(ctx context.Context, name string) error {
	err := r.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil {
		if dockererrdefs.IsNotFound(err) {
			return fmt.Errorf("%w: container %s", errdefs.ErrNotFound, name)
		}
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	r.logger.Info("sandbox removed", "sandbox", name)
	return nil
}

func (r *DockerRuntime) Exec(ctx context.Context, name string, argv []string) (ExecResult, error) {
	created, err := r.api.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if dockererrdefs.IsNotFound(err) {
			return ExecResult{}, fmt.Errorf("%w: container %s", errdefs.ErrNotFound, name)
		}
		return ExecResult{}, fmt.Errorf("exec in %s: %w", name, err)
	}

	attached, err := r.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec in %s: %w", name, err)
	}
	defer attached.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("read exec output from %s: %w", name, err)
	}

	inspected, err := r.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect exec in %s: %w", name, err)
	}
	res := ExecResult{ExitCode: inspected.ExitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	r.logger.Debug("exec finished", "sandbox", name, "argv", argv, "exit_code", res.ExitCode)
	return res, checkExit(name, argv, res)
}

func binds(mounts []Mount) []string {
	out := make([]string, 0, len(mounts))
	for _, m := range mounts {
		bind := m.Source + ":" + m.Target
		if m.ReadOnly {
			bind += ":ro"
		}
		out = append(out, bind)
	}
	return out
}
