package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// DefaultImage runs process tasks that name no image.
const DefaultImage = "alpine:latest"

// containerAPI is the part of the Docker client the engine uses.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options types.ContainerLogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

// DockerEngine runs process tasks as containers.
//
// Payload: {image, command, env}. Output: {exit_code, stdout, stderr}.
type DockerEngine struct {
	cli containerAPI
}

// NewDockerEngine connects to the local Docker daemon (DOCKER_HOST etc).
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("agent: docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

func (e *DockerEngine) Execute(ctx context.Context, payload map[string]any) (map[string]any, error) {
	image := DefaultImage
	if v, ok := payload["image"].(string); ok && v != "" {
		image = v
	}
	cmd, err := payloadStrings(payload, "command")
	if err != nil {
		return nil, err
	}
	env, err := envList(payload["env"])
	if err != nil {
		return nil, err
	}

	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   cmd,
		Env:   env,
		Tty:   false,
	}, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	// ctx may already be cancelled here, so removal uses its own context
	defer func() {
		if err := e.cli.ContainerRemove(context.Background(), id, types.ContainerRemoveOptions{Force: true}); err != nil {
			log.Warn("Failed to remove container", "container", shortID(id), "error", err)
		}
	}()

	if err := e.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}
	log.Debug("Container started", "container", shortID(id), "image", image)

	var exitCode int64
	statusCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("wait container: %w", err)
		}
	case st := <-statusCh:
		if st.Error != nil {
			return nil, fmt.Errorf("wait container: %s", st.Error.Message)
		}
		exitCode = st.StatusCode
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	logs, err := e.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}

	out := map[string]any{
		"exit_code": exitCode,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
	}
	if exitCode != 0 {
		return out, fmt.Errorf("container exited with status %d", exitCode)
	}
	return out, nil
}

func envList(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: env must be an object", ErrBadPayload)
	}
	out := make([]string, 0, len(m))
	for k, val := range m {
		out = append(out, fmt.Sprintf("%s=%v", k, val))
	}
	sort.Strings(out)
	return out, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
