package docker

import (
	"context"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecArgs(t *testing.T) {
	args := ExecArgs("drupal-web", ExecOptions{
		Cmd:        []string{"vendor/bin/drush", "mcp-tools:serve", "--scope=read"},
		Env:        []string{"SYMFONY_DEPRECATIONS_HELPER=disabled"},
		WorkingDir: "/var/www/html",
		User:       "www-data",
	})

	assert.Equal(t, []string{
		"docker", "exec", "-i",
		"-w", "/var/www/html",
		"-u", "www-data",
		"-e", "SYMFONY_DEPRECATIONS_HELPER=disabled",
		"drupal-web",
		"vendor/bin/drush", "mcp-tools:serve", "--scope=read",
	}, args)
}

func TestExecArgs_Minimal(t *testing.T) {
	assert.Equal(t, []string{"docker", "exec", "-i", "c1", "true"},
		ExecArgs("c1", ExecOptions{Cmd: []string{"true"}}))
}

func TestResolveBinding(t *testing.T) {
	ports := nat.PortMap{
		"80/tcp":  []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "8888"}},
		"443/tcp": []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "8443"}},
		"22/tcp":  nil,
	}

	tests := []struct {
		name     string
		port     string
		wantHost string
		wantPort string
		wantErr  bool
	}{
		{"unspecified address", "80/tcp", "localhost", "8888", false},
		{"default protocol", "80", "localhost", "8888", false},
		{"explicit host", "443/tcp", "127.0.0.1", "8443", false},
		{"not published", "22/tcp", "", "", true},
		{"unknown port", "8080/tcp", "", "", true},
		{"invalid port", "http/tcp", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, err := resolveBinding(ports, tt.port)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func TestMockClient(t *testing.T) {
	ctx := context.Background()
	c := NewMockClient()
	c.AddContainer("web", map[string]string{"80/tcp": "localhost:8888"})

	status, err := c.ContainerStatus(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "running", status)

	_, err = c.ContainerStatus(ctx, "db")
	assert.ErrorIs(t, err, ErrContainerNotFound)

	c.ExecFunc = func(_ string, opts ExecOptions) (*ExecResult, error) {
		return &ExecResult{Stdout: "ran " + opts.Cmd[0]}, nil
	}
	res, err := c.Exec(ctx, "web", ExecOptions{Cmd: []string{"drush"}})
	require.NoError(t, err)
	assert.Equal(t, "ran drush", res.Stdout)
	require.Len(t, c.Execs, 1)

	host, port, err := c.PublishedPort(ctx, "web", "80/tcp")
	require.NoError(t, err)
	assert.Equal(t, "localhost", host)
	assert.Equal(t, "8888", port)

	c.Containers["web"].Status = "exited"
	_, err = c.Exec(ctx, "web", ExecOptions{Cmd: []string{"drush"}})
	assert.Error(t, err)
}
