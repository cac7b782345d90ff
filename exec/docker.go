package exec

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

const (
	WorkspaceMount       = "/workspace"
	containerContextName = "container_context.yaml"

	jobLabel = "pipex_job_id"
	dirLabel = "pipex_exec_dir"
)

// NewDockerRunner connects to the docker daemon described by cfg. The image
// of a stage is its path; the exec dir is bind mounted at /workspace.
func NewDockerRunner(cfg Config) (*DockerRunner, error) {
	d := &DockerRunner{
		clientOpts: []client.Opt{
			client.WithAPIVersionNegotiation(),
		},
	}

	if cfg.FromEnv {
		d.clientOpts = append(d.clientOpts, client.FromEnv)
	} else {
		if cfg.Url != "" {
			d.clientOpts = append(d.clientOpts, client.WithHost(cfg.Url))
		}
	}

	dc, err := client.NewClientWithOpts(d.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create docker client: %w", err)
	}
	d.dc = dc

	return d, nil
}

type DockerRunner struct {
	clientOpts []client.Opt
	dc         client.APIClient
}

func (d *DockerRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	logger := zerolog.Ctx(ctx).With().Str("job_id", inv.JobID).Str("image", inv.Path).Logger()

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	ws := &Workspace{Dir: inv.ExecDir}
	if _, err := ws.WriteContext(containerContextName, WorkspaceMount); err != nil {
		return Result{ExitCode: -1}, err
	}

	if err := d.pullImage(ctx, inv.Path); err != nil {
		return Result{ExitCode: -1}, err
	}

	execId, err := d.createExecution(ctx, inv)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	defer func() {
		// the run context may be done by now
		if err := d.removeExecution(context.Background(), execId); err != nil {
			logger.Warn().Err(err).Msg("unable to remove container")
		}
	}()

	if err := d.startExecution(ctx, execId); err != nil {
		return Result{ExitCode: -1}, err
	}
	logger.Debug().Str("exec_id", execId).Msg("container started")

	code, waitErr := d.waitExecution(ctx, execId)

	if err := d.copyLogs(context.Background(), execId, ws.LogPath()); err != nil {
		logger.Warn().Err(err).Msg("unable to collect container logs")
	}

	if waitErr != nil {
		return Result{ExitCode: -1}, waitErr
	}

	logger.Debug().Int("exit_code", code).Msg("container finished")
	return Result{ExitCode: code}, nil
}

// Cleanup removes containers left behind by earlier runs of the given
// exec dir, for instance after the executor itself was killed.
func (d *DockerRunner) Cleanup(ctx context.Context, execDir string) error {
	f := filters.NewArgs()
	f.Add("label", fmt.Sprintf("%s=%s", dirLabel, execDir))

	containers, err := d.dc.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return fmt.Errorf("error retrieving executions: %w", err)
	}

	for _, c := range containers {
		if err := d.removeExecution(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}

func (d *DockerRunner) Close() error {
	return d.dc.Close()
}

func (d *DockerRunner) pullImage(ctx context.Context, ref string) error {
	out, err := d.dc.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("unable to pull image %s: %w", ref, err)
	}
	defer out.Close()

	if _, err := io.Copy(io.Discard, out); err != nil {
		return fmt.Errorf("unable to pull image %s: %w", ref, err)
	}
	return nil
}

func (d *DockerRunner) createExecution(ctx context.Context, inv Invocation) (string, error) {
	resp, err := d.dc.ContainerCreate(ctx, d.toDockerContainerConfig(inv), d.toDockerHostConfig(inv), nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("unable to create execution: %w", err)
	}

	return resp.ID, nil
}

func (d *DockerRunner) startExecution(ctx context.Context, execId string) error {
	if err := d.dc.ContainerStart(ctx, execId, container.StartOptions{}); err != nil {
		return fmt.Errorf("unable to start execution: %w", err)
	}

	return nil
}

func (d *DockerRunner) waitExecution(ctx context.Context, execId string) (int, error) {
	statusCh, errCh := d.dc.ContainerWait(ctx, execId, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			timeout := 10
			_ = d.dc.ContainerStop(context.Background(), execId, container.StopOptions{Timeout: &timeout})
		}
		return -1, fmt.Errorf("unable to wait for execution: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("execution failed: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (d *DockerRunner) removeExecution(ctx context.Context, execId string) error {
	if err := d.dc.ContainerRemove(ctx, execId, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("unable to remove container: %w", err)
	}

	return nil
}

func (d *DockerRunner) copyLogs(ctx context.Context, execId, file string) error {
	rc, err := d.dc.ContainerLogs(ctx, execId, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = stdcopy.StdCopy(f, f, rc)
	return err
}

func (d *DockerRunner) toDockerContainerConfig(inv Invocation) *container.Config {
	cmd := strings.Fields(inv.Command)
	cmd = append(cmd, "--context_path="+WorkspaceMount+"/"+containerContextName)

	env := make([]string, 0, len(inv.Env))
	for k, v := range inv.Env {
		env = append(env, k+"="+v)
	}

	return &container.Config{
		Image:      inv.Path,
		Cmd:        cmd,
		Env:        env,
		WorkingDir: WorkspaceMount,
		Labels: map[string]string{
			jobLabel: inv.JobID,
			dirLabel: inv.ExecDir,
		},
	}
}

func (d *DockerRunner) toDockerHostConfig(inv Invocation) *container.HostConfig {
	return &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: inv.ExecDir,
			Target: WorkspaceMount,
		}},
	}
}
