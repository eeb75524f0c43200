package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/relaybot/relay/internal/common/config"
	"github.com/relaybot/relay/internal/common/logger"
)

// Labels attached to sandbox containers so operators and recovery can tell
// them apart from unrelated containers on the same daemon.
const (
	labelManaged        = "relay.managed"
	labelConversationID = "relay.conversation-id"
	labelExpiresAt      = "relay.expires-at"
)

// DockerBackend provisions one long-lived container per conversation and
// runs commands in it through the exec API.
type DockerBackend struct {
	cli    *client.Client
	cfg    config.DockerConfig
	logger *logger.Logger
}

// NewDockerBackend creates a Docker-backed execution backend.
func NewDockerBackend(cfg config.DockerConfig, log *logger.Logger) (*DockerBackend, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion))

	return &DockerBackend{
		cli:    cli,
		cfg:    cfg,
		logger: log,
	}, nil
}

// Name returns the runtime identifier.
func (b *DockerBackend) Name() string {
	return RuntimeDocker
}

// Create pulls the sandbox image if needed, then starts a container that
// idles until commands arrive or the TTL passes.
func (b *DockerBackend) Create(ctx context.Context, cfg CreateConfig) (*Handle, error) {
	if err := b.ensureImage(ctx, cfg.Image); err != nil {
		return nil, err
	}

	name := containerName(cfg.ConversationID)
	expiresAt := time.Now().Add(cfg.TTL)

	containerCfg := &container.Config{
		Image: cfg.Image,
		// The container idles; all work happens via exec.
		Cmd: []string{"sleep", "infinity"},
		Labels: map[string]string{
			labelManaged:        "true",
			labelConversationID: cfg.ConversationID,
			labelExpiresAt:      expiresAt.UTC().Format(time.RFC3339),
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(b.cfg.NetworkMode),
		Resources: container.Resources{
			NanoCPUs: int64(cfg.CPUs) * 1_000_000_000,
			Memory:   int64(cfg.MemoryMB) << 20,
		},
	}

	resp, err := b.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the half-created container.
		_ = b.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}

	b.logger.Info("sandbox container started",
		zap.String("container_id", resp.ID),
		zap.String("conversation_id", cfg.ConversationID),
		zap.String("image", cfg.Image))

	return &Handle{ID: resp.ID, Runtime: RuntimeDocker}, nil
}

// Run executes one command inside the container via exec and demultiplexes
// stdout from stderr. Errors indicating the container is gone or no longer
// running wrap ErrSessionGone.
func (b *DockerBackend) Run(ctx context.Context, handle *Handle, spec CommandSpec) (*RunOutput, error) {
	cmd := append([]string{spec.Command}, spec.Args...)
	if spec.Sudo {
		cmd = append([]string{"sudo"}, cmd...)
	}

	execResp, err := b.cli.ContainerExecCreate(ctx, handle.ID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, b.classifyRunError("exec create", err)
	}

	attach, err := b.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, b.classifyRunError("exec attach", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- copyErr
	}()

	select {
	case err = <-copyDone:
		if err != nil && err != io.EOF {
			return nil, b.classifyRunError("exec read", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	inspect, err := b.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, b.classifyRunError("exec inspect", err)
	}

	return &RunOutput{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// HealthCheck verifies the container still exists and is running.
func (b *DockerBackend) HealthCheck(ctx context.Context, handle *Handle) error {
	info, err := b.cli.ContainerInspect(ctx, handle.ID)
	if err != nil {
		return b.classifyRunError("inspect", err)
	}
	if info.State == nil || !info.State.Running {
		return fmt.Errorf("container %s: %w: not running", handle.ID, ErrSessionGone)
	}
	return nil
}

// Stop force-removes the container. The TTL label is advisory; removal here
// is authoritative.
func (b *DockerBackend) Stop(ctx context.Context, handle *Handle) error {
	err := b.cli.ContainerRemove(ctx, handle.ID, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", handle.ID, err)
	}
	return nil
}

// Close closes the Docker client.
func (b *DockerBackend) Close() error {
	return b.cli.Close()
}

// ensureImage pulls the image unless it is already present locally.
func (b *DockerBackend) ensureImage(ctx context.Context, imageName string) error {
	if _, err := b.cli.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	b.logger.Info("pulling sandbox image", zap.String("image", imageName))
	reader, err := b.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	// Drain the progress stream so the pull completes.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// classifyRunError decides whether a failed exec call means the container is
// dead. A missing container or one that stopped running means the
// environment cannot take this or any future command.
func (b *DockerBackend) classifyRunError(op string, err error) error {
	if cerrdefs.IsNotFound(err) || cerrdefs.IsInvalidArgument(err) || isNotRunning(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrSessionGone, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isNotRunning matches the daemon's conflict message for exec against a
// stopped container, which arrives as a 409 rather than a 404.
func isNotRunning(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "is not running") ||
		strings.Contains(msg, "No such container") ||
		strings.Contains(msg, "No such exec instance")
}

// containerName builds a stable, daemon-safe container name for a
// conversation.
func containerName(conversationID string) string {
	var b strings.Builder
	b.WriteString("relay-sandbox-")
	for _, r := range conversationID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteString(strconv.Itoa(int(r) % 10))
		}
	}
	name := b.String()
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}
