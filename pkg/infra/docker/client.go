// Package docker talks to the container that hosts the site under test when
// the harness does not run next to it.
package docker

import (
	"context"
	"errors"
)

// ErrContainerNotFound is returned when the named container does not exist.
var ErrContainerNotFound = errors.New("container not found")

// ExecOptions describes one command run inside a container.
type ExecOptions struct {
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
}

// ExecResult is the outcome of a finished exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Client is the subset of the Docker API the harness needs.
type Client interface {
	// ContainerStatus returns the container state (e.g. "running", "exited").
	ContainerStatus(ctx context.Context, containerID string) (string, error)

	// Exec runs a command to completion inside a running container.
	Exec(ctx context.Context, containerID string, opts ExecOptions) (*ExecResult, error)

	// PublishedPort returns the host address bound to containerPort
	// (e.g. "80/tcp").
	PublishedPort(ctx context.Context, containerID, containerPort string) (host, port string, err error)
}

var (
	_ Client = (*SDKClient)(nil)
	_ Client = (*MockClient)(nil)
)
