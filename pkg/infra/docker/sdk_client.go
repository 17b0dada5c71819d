package docker

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// SDKClient implements Client using the official Docker Go SDK.
type SDKClient struct {
	cli *dockerclient.Client
}

// NewSDKClient creates an SDKClient configured from environment variables
// (DOCKER_HOST, DOCKER_TLS_VERIFY, DOCKER_CERT_PATH, DOCKER_API_VERSION).
func NewSDKClient() (*SDKClient, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker sdk client: %w", err)
	}
	return &SDKClient{cli: cli}, nil
}

func (c *SDKClient) Close() error {
	return c.cli.Close()
}

// ContainerStatus returns the container state string (e.g. "running", "exited").
func (c *SDKClient) ContainerStatus(ctx context.Context, containerID string) (string, error) {
	info, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", inspectError(containerID, err)
	}
	return info.State.Status, nil
}

// Exec runs opts.Cmd in the container and collects both output streams.
func (c *SDKClient) Exec(ctx context.Context, containerID string, opts ExecOptions) (*ExecResult, error) {
	created, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		WorkingDir:   opts.WorkingDir,
		User:         opts.User,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, inspectError(containerID, err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("docker ContainerExecAttach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("reading exec output: %w", err)
	}

	info, err := c.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("docker ContainerExecInspect: %w", err)
	}

	return &ExecResult{
		ExitCode: info.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// PublishedPort looks up the host binding of containerPort. A binding on
// the unspecified address is reported as localhost.
func (c *SDKClient) PublishedPort(ctx context.Context, containerID, containerPort string) (string, string, error) {
	info, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", "", inspectError(containerID, err)
	}
	if info.NetworkSettings == nil {
		return "", "", fmt.Errorf("container %s has no network settings", containerID)
	}
	return resolveBinding(info.NetworkSettings.Ports, containerPort)
}

// resolveBinding picks the first host binding for containerPort in ports.
func resolveBinding(ports nat.PortMap, containerPort string) (string, string, error) {
	proto, num := nat.SplitProtoPort(containerPort)
	port, err := nat.NewPort(proto, num)
	if err != nil {
		return "", "", fmt.Errorf("invalid container port %q: %w", containerPort, err)
	}

	bindings := ports[port]
	for _, b := range bindings {
		if b.HostPort == "" {
			continue
		}
		host := b.HostIP
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "localhost"
		}
		return host, b.HostPort, nil
	}
	return "", "", fmt.Errorf("port %s is not published", port)
}

func inspectError(containerID string, err error) error {
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, strings.TrimPrefix(containerID, "/"))
	}
	return fmt.Errorf("docker %s: %w", containerID, err)
}
