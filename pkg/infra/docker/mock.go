package docker

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockClient is an in-memory Client for tests.
type MockClient struct {
	mu         sync.Mutex
	Containers map[string]*MockContainer
	// ExecFunc answers Exec calls. When nil, every exec succeeds with no
	// output.
	ExecFunc func(containerID string, opts ExecOptions) (*ExecResult, error)
	Execs    []ExecOptions
}

// MockContainer is a fake container.
type MockContainer struct {
	ID     string
	Status string
	// Ports maps "80/tcp" style container ports to "host:port".
	Ports map[string]string
}

func NewMockClient() *MockClient {
	return &MockClient{Containers: make(map[string]*MockContainer)}
}

// AddContainer registers a running container.
func (c *MockClient) AddContainer(id string, ports map[string]string) *MockContainer {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct := &MockContainer{ID: id, Status: "running", Ports: ports}
	c.Containers[id] = ct
	return ct
}

func (c *MockClient) container(ctx context.Context, id string) (*MockContainer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ct, ok := c.Containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	return ct, nil
}

func (c *MockClient) ContainerStatus(ctx context.Context, containerID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, err := c.container(ctx, containerID)
	if err != nil {
		return "", err
	}
	return ct.Status, nil
}

func (c *MockClient) Exec(ctx context.Context, containerID string, opts ExecOptions) (*ExecResult, error) {
	c.mu.Lock()
	ct, err := c.container(ctx, containerID)
	if err == nil && ct.Status != "running" {
		err = fmt.Errorf("container %s is not running", containerID)
	}
	if err == nil {
		c.Execs = append(c.Execs, opts)
	}
	fn := c.ExecFunc
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn == nil {
		return &ExecResult{}, nil
	}
	return fn(containerID, opts)
}

func (c *MockClient) PublishedPort(ctx context.Context, containerID, containerPort string) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, err := c.container(ctx, containerID)
	if err != nil {
		return "", "", err
	}
	addr, ok := ct.Ports[containerPort]
	if !ok {
		return "", "", fmt.Errorf("port %s is not published", containerPort)
	}
	host, port, ok := strings.Cut(addr, ":")
	if !ok {
		return "localhost", addr, nil
	}
	return host, port, nil
}
