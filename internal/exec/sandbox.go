package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"codecollab/internal/config"
	"codecollab/internal/models"
)

const workspace = "/workspace"

var ErrDockerUnavailable = errors.New("docker daemon unreachable")

type dockerClient interface {
	ImageInspectWithRaw(ctx context.Context, image string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.ContainerCreateCreatedBody, error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
}

var newDockerClient = func() (dockerClient, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// DockerBackend runs every step in a throwaway container with the work dir
// bind-mounted at /workspace, no network, and memory/CPU limits.
type DockerBackend struct {
	cli dockerClient
	dir string
	cfg config.DockerConfig
}

func NewDockerBackend(dir string, cfg config.DockerConfig) (*DockerBackend, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	cli, err := newDockerClient()
	if err != nil {
		return nil, translateDockerErr(err)
	}
	return &DockerBackend{cli: cli, dir: abs, cfg: cfg}, nil
}

func (b *DockerBackend) Run(ctx context.Context, lang models.Language, step Step) (Output, error) {
	if len(step.Args) == 0 {
		return Output{}, errors.New("empty command")
	}
	img := image(lang, b.cfg)
	if img == "" {
		return Output{}, fmt.Errorf("no image for language %q", lang)
	}
	if err := b.ensureImage(ctx, img); err != nil {
		return Output{}, err
	}

	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: b.dir, Target: workspace},
		},
		Resources: container.Resources{
			Memory:   b.cfg.MemoryBytes,
			NanoCPUs: b.cfg.NanoCPUs,
		},
		SecurityOpt: []string{"no-new-privileges"},
	}
	conf := &container.Config{
		Image:      img,
		Cmd:        []string{"/bin/sh", "-c", "sleep infinity"},
		WorkingDir: workspace,
		Env:        []string{"PYTHONDONTWRITEBYTECODE=1"},
	}

	create, err := b.cli.ContainerCreate(ctx, conf, hostCfg, nil, nil, "")
	if err != nil {
		return Output{}, translateDockerErr(err)
	}
	cid := create.ID
	defer func() {
		_ = b.cli.ContainerRemove(context.Background(), cid, types.ContainerRemoveOptions{Force: true})
	}()

	if err := b.cli.ContainerStart(ctx, cid, types.ContainerStartOptions{}); err != nil {
		return Output{}, translateDockerErr(err)
	}
	return b.exec(ctx, cid, step)
}

// exec runs one command in cid, feeding stdin and demuxing the attached stream.
func (b *DockerBackend) exec(ctx context.Context, cid string, step Step) (Output, error) {
	execResp, err := b.cli.ContainerExecCreate(ctx, cid, types.ExecConfig{
		Cmd:          step.Args,
		WorkingDir:   workspace,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return Output{}, translateDockerErr(err)
	}
	// attaching starts the exec
	attach, err := b.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return Output{}, translateDockerErr(err)
	}
	defer attach.Close()
	stop := context.AfterFunc(ctx, attach.Close)
	defer stop()

	if len(step.Stdin) > 0 {
		if _, err := attach.Conn.Write(step.Stdin); err != nil && ctx.Err() == nil {
			return Output{}, err
		}
	}
	if closer, ok := attach.Conn.(interface{ CloseWrite() error }); ok {
		_ = closer.CloseWrite()
	}

	var stdout, stderr bytes.Buffer
	_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.TimedOut = true
		out.ExitCode = -1
		return out, nil
	}
	if copyErr != nil {
		return Output{}, copyErr
	}

	inspect, err := b.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return Output{}, translateDockerErr(err)
	}
	out.ExitCode = inspect.ExitCode
	return out, nil
}

func (b *DockerBackend) ensureImage(ctx context.Context, img string) error {
	_, _, err := b.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		pullCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		reader, pullErr := b.cli.ImagePull(pullCtx, img, types.ImagePullOptions{})
		if pullErr != nil {
			return translateDockerErr(pullErr)
		}
		defer reader.Close()
		_, _ = io.Copy(io.Discard, reader)
		return nil
	}
	return translateDockerErr(err)
}

// WarmImages pulls the image of every language so the first run is not slowed by a pull.
func (b *DockerBackend) WarmImages(ctx context.Context) error {
	for _, lang := range models.Languages {
		if err := b.ensureImage(ctx, image(lang, b.cfg)); err != nil {
			return fmt.Errorf("warm %s: %w", lang, err)
		}
	}
	return nil
}

func translateDockerErr(err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return ErrDockerUnavailable
	}
	return err
}
