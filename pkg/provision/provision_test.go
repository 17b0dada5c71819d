package provision

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/mcpcheck/pkg/failure"
	"github.com/jguan/mcpcheck/pkg/infra/docker"
	"github.com/jguan/mcpcheck/pkg/infra/logger"
)

func TestParseAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    string
		wantErr bool
	}{
		{"plain", "Created key 3.\nAPI Key: mcp_abc123\n", "mcp_abc123", false},
		{"indented", "  [success] done\n  API Key:   mcp_xyz  \n", "mcp_xyz", false},
		{"crlf", "API Key: mcp_crlf\r\n", "mcp_crlf", false},
		{"first wins", "API Key: one\nAPI Key: two\n", "one", false},
		{"missing", "[error] could not create key\n", "", true},
		{"empty value", "API Key:\n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAPIKey(tt.output)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrNoAPIKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAPIKey_ErrorRedactsKeys(t *testing.T) {
	_, err := ParseAPIKey("Key label: CI\nAPI Key:\nsomething else")
	require.Error(t, err)
	var keyErr *APIKeyError
	require.True(t, errors.As(err, &keyErr))
	assert.Equal(t, "Key label: CI\n[redacted]\nsomething else", keyErr.Output)
}

func TestRedactAPIKeys(t *testing.T) {
	out := RedactAPIKeys("ok\nAPI Key: secret\n  API Key: other")
	assert.NotContains(t, out, "secret")
	assert.NotContains(t, out, "other")
	assert.Equal(t, "ok\n[redacted]\n[redacted]", out)
}

func TestFormatConfigValue(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		want     string
		wantYAML bool
		wantErr  bool
	}{
		{"bool", true, "true", false, false},
		{"string", "x", "x", false, false},
		{"int", 7, "7", false, false},
		{"list", []string{"203.0.113.10"}, "- 203.0.113.10", true, false},
		{"empty list", []string{}, "[]", true, false},
		{"nil list", []string(nil), "[]", true, false},
		{"unsupported", 1.5, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, isYAML, err := formatConfigValue(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantYAML, isYAML)
		})
	}
}

func TestParseUserID(t *testing.T) {
	out := `{"5":{"uid":"5","name":"mcp_ci","mail":"mcp_ci@example.invalid"}}`
	uid, err := parseUserID(out, "mcp_ci")
	require.NoError(t, err)
	assert.Equal(t, 5, uid)

	uid, err = parseUserID("[notice] bootstrapped\n"+`{"12":{"uid":12,"name":"x"}}`, "x")
	require.NoError(t, err)
	assert.Equal(t, 12, uid)

	_, err = parseUserID(`{"5":{"uid":"5","name":"other"}}`, "mcp_ci")
	assert.Error(t, err)
	_, err = parseUserID("no json here", "mcp_ci")
	assert.Error(t, err)
}

// fakeRunner records commands and answers them through respond.
type fakeRunner struct {
	calls   [][]string
	respond func(args []string) (string, error)
}

func (r *fakeRunner) Run(_ context.Context, args []string) (string, error) {
	r.calls = append(r.calls, args)
	if r.respond == nil {
		return "", nil
	}
	return r.respond(args)
}

func (r *fakeRunner) lines() []string {
	var out []string
	for _, c := range r.calls {
		out = append(out, strings.Join(c[1:], " "))
	}
	return out
}

func newTestDrush(r *fakeRunner) *Drush {
	return &Drush{Runner: r, Binary: "/site/vendor/bin/drush", Logger: logger.Discard()}
}

func TestDrush_Commands(t *testing.T) {
	r := &fakeRunner{respond: func(args []string) (string, error) {
		switch args[1] {
		case "mcp-tools:remote-key-create":
			return "API Key: mcp_key_1\n", nil
		case "user:information":
			return `{"7":{"uid":"7","name":"mcp_exec"}}`, nil
		}
		return "", nil
	}}
	d := newTestDrush(r)
	ctx := context.Background()

	require.NoError(t, d.EnableFeatures(ctx, []string{"mcp_tools_remote", "mcp_tools_cache"}))
	require.NoError(t, d.SetConfig(ctx, RemoteSettings, KeyEnabled, true))
	require.NoError(t, d.RebuildCaches(ctx))
	key, err := d.CreateAPIKey(ctx, "CI Read", []string{"read"})
	require.NoError(t, err)
	assert.Equal(t, "mcp_key_1", key)
	require.NoError(t, d.CreateRole(ctx, "mcp_exec_role", []string{"mcp_tools use cache", "mcp_tools use config"}))
	uid, err := d.CreateUser(ctx, "mcp_exec")
	require.NoError(t, err)
	assert.Equal(t, 7, uid)
	require.NoError(t, d.AssignRole(ctx, uid, "mcp_exec_role"))
	require.NoError(t, d.AssignRole(ctx, 99, "mcp_exec_role"))
	require.NoError(t, d.SetAllowedIPs(ctx, []string{"203.0.113.10"}))
	require.NoError(t, d.SetConfig(ctx, ToolsSettings, KeyConfigOnly, false))

	assert.Equal(t, []string{
		"en mcp_tools_remote mcp_tools_cache -y",
		"config:set mcp_tools_remote.settings enabled true -y",
		"cr",
		"mcp-tools:remote-key-create --label=CI Read --scopes=read",
		"role:create mcp_exec_role mcp_exec_role",
		"role:perm:add mcp_exec_role mcp_tools use cache,mcp_tools use config",
		"user:create mcp_exec --mail=mcp_exec@example.invalid",
		"user:information mcp_exec --format=json",
		"user:role:add mcp_exec_role mcp_exec",
		"user:role:add mcp_exec_role --uid=99",
		"config:set mcp_tools_remote.settings allowed_ips - 203.0.113.10 --input-format=yaml -y",
		"config:set mcp_tools.settings access.config_only_mode false -y",
	}, r.lines())
	for _, c := range r.calls {
		assert.Equal(t, "/site/vendor/bin/drush", c[0])
	}
}

func TestDrush_FailuresAreSetupFailures(t *testing.T) {
	r := &fakeRunner{respond: func(args []string) (string, error) {
		return "boom", &CommandError{Args: args, ExitCode: 1, Output: "boom"}
	}}
	d := newTestDrush(r)
	ctx := context.Background()

	assert.ErrorIs(t, d.EnableFeatures(ctx, []string{"x"}), failure.ErrSetup)
	assert.ErrorIs(t, d.RebuildCaches(ctx), failure.ErrSetup)
	_, err := d.CreateAPIKey(ctx, "CI", []string{"read"})
	assert.ErrorIs(t, err, failure.ErrSetup)
}

func TestDrush_UnparsableKeyIsSetupFailure(t *testing.T) {
	r := &fakeRunner{respond: func([]string) (string, error) { return "API Key:\nmore", nil }}
	_, err := newTestDrush(r).CreateAPIKey(context.Background(), "CI", []string{"read"})
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrSetup)
	assert.ErrorIs(t, err, ErrNoAPIKey)
	assert.Contains(t, err.Error(), "[redacted]")
}

func TestDrush_ExistingRoleAndUserTolerated(t *testing.T) {
	r := &fakeRunner{respond: func(args []string) (string, error) {
		switch args[1] {
		case "role:create", "user:create":
			return "", &CommandError{Args: args, ExitCode: 1, Output: "[error] Already exists."}
		case "user:information":
			return `{"3":{"uid":"3","name":"u"}}`, nil
		}
		return "", nil
	}}
	d := newTestDrush(r)

	require.NoError(t, d.CreateRole(context.Background(), "r", nil))
	uid, err := d.CreateUser(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, 3, uid)
}

func TestDrush_RequireFiles(t *testing.T) {
	root := t.TempDir()
	drush := filepath.Join(root, "vendor", "bin", "drush")
	require.NoError(t, os.MkdirAll(filepath.Dir(drush), 0o755))
	require.NoError(t, os.WriteFile(drush, []byte("#!/bin/sh\n"), 0o755))

	d := &Drush{Runner: &fakeRunner{}, Binary: drush, Logger: logger.Discard()}
	require.NoError(t, d.RequireFiles(context.Background()))

	d.Server = &PHPServer{WebRoot: filepath.Join(root, "web")}
	err := d.RequireFiles(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrSetup)
	assert.Contains(t, err.Error(), ".ht.router.php")
}

func TestDrush_NoServer(t *testing.T) {
	d := newTestDrush(&fakeRunner{})
	assert.NoError(t, d.StartServer(context.Background()))
	assert.NoError(t, d.StopServer(context.Background()))
}

func TestPHPServer_StopWhenNotRunning(t *testing.T) {
	s := &PHPServer{WebRoot: "/site/web", Logger: logger.Discard()}
	assert.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{filepath.Join("/site/web", ".ht.router.php")}, s.RequiredFiles())
}

func TestWaitUntilReady(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	err := WaitUntilReady(context.Background(), srv.Client(), srv.URL+"/", 5*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, hits.Load(), int32(3))
}

func TestWaitUntilReady_Timeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	start := time.Now()
	err = WaitUntilReady(context.Background(), nil, "http://"+addr+"/", 300*time.Millisecond, 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrSetup)
	assert.Contains(t, err.Error(), "did not become ready")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLocalRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	r := &LocalRunner{Dir: t.TempDir(), Env: []string{"MCPCHECK_TEST_VALUE=hello"}, Logger: logger.Discard()}

	out, err := r.Run(context.Background(), []string{"sh", "-c", "echo $MCPCHECK_TEST_VALUE"})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	out, err = r.Run(context.Background(), []string{"sh", "-c", "echo 'API Key: s3cret'; echo bad >&2; exit 3"})
	require.Error(t, err)
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Contains(t, out, "bad")
	assert.NotContains(t, err.Error(), "s3cret")

	_, err = r.Run(context.Background(), nil)
	assert.Error(t, err)
}

func TestDockerRunner(t *testing.T) {
	client := docker.NewMockClient()
	client.AddContainer("web", nil)
	client.ExecFunc = func(_ string, opts docker.ExecOptions) (*docker.ExecResult, error) {
		if opts.Cmd[1] == "fail" {
			return &docker.ExecResult{ExitCode: 2, Stderr: "nope"}, nil
		}
		return &docker.ExecResult{Stdout: "done"}, nil
	}

	r := &DockerRunner{Client: client, Container: "web", WorkingDir: "/var/www/html", Env: []string{DrushEnv}, Logger: logger.Discard()}
	out, err := r.Run(context.Background(), []string{"drush", "cr"})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	require.Len(t, client.Execs, 1)
	assert.Equal(t, "/var/www/html", client.Execs[0].WorkingDir)
	assert.Equal(t, []string{DrushEnv}, client.Execs[0].Env)

	_, err = r.Run(context.Background(), []string{"drush", "fail"})
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 2, cmdErr.ExitCode)

	assert.Equal(t,
		[]string{"docker", "exec", "-i", "-w", "/var/www/html", "-e", DrushEnv, "web", "drush", "mcp-tools:serve"},
		r.Command([]string{"drush", "mcp-tools:serve"}))
}

func TestPublishedBaseURL(t *testing.T) {
	client := docker.NewMockClient()
	client.AddContainer("web", map[string]string{"80/tcp": "127.0.0.1:32768"})

	got, err := PublishedBaseURL(context.Background(), client, "web", "80/tcp", "http://localhost:8888/")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:32768", got)

	_, err = PublishedBaseURL(context.Background(), client, "web", "443/tcp", "http://localhost:8888")
	assert.Error(t, err)
}
