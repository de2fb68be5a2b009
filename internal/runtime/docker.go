package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime implements Runtime against the Docker Engine API. A single
// instance is shared read-only by all sandboxes; it holds no per-sandbox
// state.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime creates a Docker SDK-backed runtime. An empty host uses
// the environment (DOCKER_HOST or the default socket).
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client init: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// IsNotFound reports whether err is the runtime's not-found condition
// (missing container, image, or archive path).
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

func (r *DockerRuntime) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        spec.Cmd,
			WorkingDir: spec.WorkDir,
			Tty:        false,
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(spec.NetworkMode),
			Resources: container.Resources{
				Memory:     spec.MemoryBytes,
				MemorySwap: spec.MemoryBytes, // no swap headroom beyond the limit
				CPUPeriod:  spec.CPUPeriod,
				CPUQuota:   spec.CPUQuota,
			},
		},
		&network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	return created.ID, nil
}

func (r *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Exec(ctx context.Context, id string, spec ExecSpec) (ExecOutput, error) {
	out := ExecOutput{ExitCode: -1}

	execResp, err := r.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return out, fmt.Errorf("exec create: %w", err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return out, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	// StdCopy blocks on the hijacked connection; force it closed when the
	// context is canceled so a hung guest cannot wedge the caller.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			attach.Close()
		case <-done:
		}
	}()

	var stdout, stderr bytes.Buffer
	_, copyErr := stdcopy.StdCopy(
		&limitedWriter{w: &stdout, limit: spec.MaxOutput},
		&limitedWriter{w: &stderr, limit: spec.MaxOutput},
		attach.Reader,
	)
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()

	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if copyErr != nil && !errors.Is(copyErr, io.EOF) {
		return out, fmt.Errorf("exec output read: %w", copyErr)
	}

	exitCode, err := r.waitExecDone(ctx, execResp.ID)
	if err != nil {
		return out, err
	}
	out.ExitCode = exitCode
	return out, nil
}

func (r *DockerRuntime) waitExecDone(ctx context.Context, execID string) (int, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
			ins, err := r.cli.ContainerExecInspect(ctx, execID)
			if err != nil {
				return -1, fmt.Errorf("exec inspect: %w", err)
			}
			if !ins.Running {
				return ins.ExitCode, nil
			}
		}
	}
}

func (r *DockerRuntime) PutArchive(ctx context.Context, id, path string, content io.Reader) error {
	if err := r.cli.CopyToContainer(ctx, id, path, content, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) GetArchive(ctx context.Context, id, path string) (io.ReadCloser, error) {
	rc, _, err := r.cli.CopyFromContainer(ctx, id, path)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("copy from container: %w", err)
	}
	return rc, nil
}

func (r *DockerRuntime) StopContainer(ctx context.Context, id string, graceSeconds int) error {
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &graceSeconds}); err != nil {
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

func (r *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (r *DockerRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := r.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("image inspect: %w", err)
}

func (r *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("image pull %s: drain: %w", ref, err)
	}
	return nil
}

// BuildImage builds an image from an in-memory Dockerfile: a one-file
// build context, no host directory involved.
func (r *DockerRuntime) BuildImage(ctx context.Context, dockerfile, tag string) error {
	buildCtx, err := dockerfileContext(dockerfile)
	if err != nil {
		return err
	}

	resp, err := r.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("image build %s: %w", tag, err)
	}
	defer resp.Body.Close()

	// The build result is a JSON message stream; failures arrive in-band.
	dec := json.NewDecoder(resp.Body)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("image build %s: decode stream: %w", tag, err)
		}
		if msg.Error != nil {
			return fmt.Errorf("image build %s: %s", tag, msg.Error.Message)
		}
	}
	return nil
}

func (r *DockerRuntime) RemoveImage(ctx context.Context, ref string) error {
	if _, err := r.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
		return fmt.Errorf("image remove %s: %w", ref, err)
	}
	return nil
}

func (r *DockerRuntime) ListContainers(ctx context.Context, namePrefix string) ([]string, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", namePrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		for _, name := range c.Names {
			if strings.HasPrefix(strings.TrimPrefix(name, "/"), namePrefix) {
				ids = append(ids, c.ID)
				break
			}
		}
	}
	return ids, nil
}

func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

func dockerfileContext(dockerfile string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: "Dockerfile",
		Mode: 0o644,
		Size: int64(len(dockerfile)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	if _, err := tw.Write([]byte(dockerfile)); err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	return &buf, nil
}

// limitedWriter caps per-stream output so a guest cannot exhaust host
// memory by writing unbounded stdout.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.limit <= 0 {
		return lw.w.Write(p)
	}
	total := len(p)
	if lw.written >= lw.limit {
		return total, nil
	}
	if remaining := lw.limit - lw.written; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return n, err
	}
	// Excess beyond the cap is reported as consumed so the demuxer keeps
	// draining the stream instead of failing with a short write.
	return total, nil
}
