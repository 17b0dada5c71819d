//go:build linux || darwin

package scenario

import (
	"context"
	"errors"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/mcpcheck/pkg/config"
	"github.com/jguan/mcpcheck/pkg/failure"
	"github.com/jguan/mcpcheck/pkg/infra/logger"
	"github.com/jguan/mcpcheck/pkg/mcptest"
)

const stdioServerEnv = "MCPCHECK_STDIO_SERVER"

// TestStdioServerHelper is not a real test. It runs the reference stdio
// server when the runner tests spawn the test binary as a child.
func TestStdioServerHelper(t *testing.T) {
	if os.Getenv(stdioServerEnv) == "" {
		t.Skip("helper process")
	}
	args := os.Args
	if i := slices.Index(args, "--"); i >= 0 {
		args = args[i+1:]
	}
	os.Exit(mcptest.StdioMain(args, os.Stdin, os.Stdout, os.Stderr))
}

func helperCommand(args ...string) []string {
	return append([]string{os.Args[0], "-test.run=^TestStdioServerHelper$", "--"}, args...)
}

func withHelperServer(args func(scope string) []string) Option {
	return WithStdioProcess(func(scope string) []string {
		return helperCommand(args(scope)...)
	}, "", []string{stdioServerEnv + "=1"})
}

func helperServer() Option {
	return withHelperServer(func(scope string) []string {
		return []string{"--scope=" + scope, "--uid=1", "--quiet"}
	})
}

func testConfig(env *mcptest.Environment, transports ...string) *config.Config {
	cfg := config.Default()
	cfg.General.BaseURL = env.BaseURL()
	cfg.General.EndpointPath = mcptest.DefaultPath
	cfg.Run.Transports = transports

	tm := &cfg.Timeouts
	tm.RequestD = 5 * time.Second
	tm.ReadCallD = 5 * time.Second
	tm.WriteCallD = 5 * time.Second
	tm.ReadinessD = 5 * time.Second
	tm.StdioResponseD = 10 * time.Second
	tm.ShutdownGraceD = 2 * time.Second
	tm.PollIntervalD = 10 * time.Millisecond
	return cfg
}

func newEnvironment(t *testing.T) *mcptest.Environment {
	t.Helper()
	env, err := mcptest.NewEnvironment(mcptest.NewSite(), mcptest.HTTPOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close(context.Background()) })
	return env
}

func run(t *testing.T, cfg *config.Config, env *mcptest.Environment, opts ...Option) (*Report, error) {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return NewRunner(cfg, env, opts...).Run(ctx)
}

func statuses(r *Report) map[string]Status {
	m := make(map[string]Status, len(r.Scenarios))
	for _, s := range r.Scenarios {
		m[s.Name] = s.Status
	}
	return m
}

func TestRunner_HTTPScenariosPass(t *testing.T) {
	env := newEnvironment(t)
	report, err := run(t, testConfig(env, "http"), env)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.True(t, report.Passed)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, StatusPass, report.Setup.Status)
	assert.Equal(t, map[string]Status{
		HTTPUnauthenticated: StatusPass,
		HTTPReadScope:       StatusPass,
		HTTPWriteScope:      StatusPass,
		HTTPConfigOnly:      StatusPass,
		HTTPAllowlist:       StatusPass,
		StdioReadScope:      StatusSkip,
		StdioWriteScope:     StatusSkip,
	}, statuses(report))

	res, _ := report.Result(StdioReadScope)
	assert.Equal(t, "transport stdio not selected", res.SkipReason)

	site := env.Site
	assert.Equal(t, 1, site.CacheClears(), "only the write-scoped session clears caches")
	assert.Contains(t, site.ContentTypes(), "mcp_ci_type")
	assert.False(t, site.ConfigOnly(), "config-only mode is restored")
	assert.Empty(t, site.AllowedIPs(), "allowlist is restored")
	assert.True(t, site.RemoteEnabled())

	calls := env.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "RequireFiles", calls[0])
	assert.Equal(t, "StopServer", calls[len(calls)-1])
	assert.Equal(t, 2, count(calls, "CreateAPIKey"))
}

func count(calls []string, op string) int {
	n := 0
	for _, c := range calls {
		if c == op {
			n++
		}
	}
	return n
}

func TestRunner_StdioScenariosPass(t *testing.T) {
	env := newEnvironment(t)
	report, err := run(t, testConfig(env, "stdio"), env, helperServer())
	require.NoError(t, err)

	assert.Equal(t, StatusPass, statuses(report)[StdioReadScope])
	assert.Equal(t, StatusPass, statuses(report)[StdioWriteScope])
	assert.Equal(t, StatusSkip, statuses(report)[HTTPReadScope])

	calls := env.Calls()
	assert.NotContains(t, calls, "StartServer", "stdio-only runs need no web server")
	assert.NotContains(t, calls, "CreateAPIKey")
}

func TestRunner_FullPlan(t *testing.T) {
	env := newEnvironment(t)
	report, err := run(t, testConfig(env), env, helperServer())
	require.NoError(t, err)

	pass, fail, skip := report.Counts()
	assert.Equal(t, 7, pass)
	assert.Zero(t, fail)
	assert.Zero(t, skip)
}

func TestRunner_SetupFailureSkipsEverything(t *testing.T) {
	env := newEnvironment(t)
	env.FailOn("CreateAPIKey", errors.New("drush exited 1"))

	report, err := run(t, testConfig(env, "http"), env)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrSetup)

	require.NotNil(t, report)
	assert.False(t, report.Passed)
	assert.Equal(t, StatusFail, report.Setup.Status)
	assert.Equal(t, failure.KindSetup, report.Setup.Kind)
	assert.Contains(t, report.Setup.Error, "drush exited 1")
	for _, s := range report.Scenarios {
		assert.Equal(t, StatusSkip, s.Status, s.Name)
	}
	res, _ := report.Result(HTTPReadScope)
	assert.Equal(t, "setup failed", res.SkipReason)
	assert.NotContains(t, env.Calls(), "StartServer")
}

func TestRunner_ReadinessFailureStopsServer(t *testing.T) {
	env := newEnvironment(t)
	env.FailOn("WaitUntilReady", errors.New("not ready"))

	report, err := run(t, testConfig(env, "http"), env)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrSetup)
	assert.Equal(t, StatusFail, report.Setup.Status)

	calls := env.Calls()
	assert.Equal(t, "StopServer", calls[len(calls)-1])
}

func TestRunner_AbortsAfterFirstFailure(t *testing.T) {
	env := newEnvironment(t)
	cfg := testConfig(env, "http")
	cfg.Client.ExpectedServerName = "Some Other Server"

	report, err := run(t, cfg, env)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrScenario)
	assert.Contains(t, err.Error(), HTTPReadScope)

	st := statuses(report)
	assert.Equal(t, StatusPass, st[HTTPUnauthenticated])
	assert.Equal(t, StatusFail, st[HTTPReadScope])
	assert.Equal(t, StatusSkip, st[HTTPWriteScope])
	assert.Equal(t, StatusSkip, st[HTTPAllowlist])

	res, _ := report.Result(HTTPWriteScope)
	assert.Equal(t, "aborted after "+HTTPReadScope, res.SkipReason)
	failed, _ := report.Result(HTTPReadScope)
	assert.Equal(t, failure.KindScenario, failed.Kind)
	assert.Contains(t, failed.Error, `"Some Other Server"`)

	calls := env.Calls()
	assert.Equal(t, "StopServer", calls[len(calls)-1])
}

func TestRunner_ScenarioFilter(t *testing.T) {
	env := newEnvironment(t)
	cfg := testConfig(env)
	cfg.Run.Scenarios = []string{HTTPAllowlist}

	report, err := run(t, cfg, env)
	require.NoError(t, err)

	pass, _, skip := report.Counts()
	assert.Equal(t, 1, pass)
	assert.Equal(t, 6, skip)
	res, _ := report.Result(HTTPReadScope)
	assert.Equal(t, "not selected", res.SkipReason)
	assert.Empty(t, env.Site.AllowedIPs())
}

func TestRunner_UnknownScenario(t *testing.T) {
	env := newEnvironment(t)
	cfg := testConfig(env)
	cfg.Run.Scenarios = []string{"http_everything"}

	report, err := run(t, cfg, env)
	require.Error(t, err)
	assert.Nil(t, report)
	assert.ErrorIs(t, err, failure.ErrSetup)
	assert.Empty(t, env.Calls())
}

func TestRunner_ExecutionUser(t *testing.T) {
	env := newEnvironment(t)
	cfg := testConfig(env, "http")
	cfg.Setup.ExecutionUser = "mcp_ci_executor"

	report, err := run(t, cfg, env)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Greater(t, env.Site.RemoteUID(), 1)

	calls := env.Calls()
	assert.Contains(t, calls, "CreateRole")
	assert.Contains(t, calls, "AssignRole")
}

func TestRunner_ExecutionUserWithoutCachePermission(t *testing.T) {
	env := newEnvironment(t)
	cfg := testConfig(env, "http")
	cfg.Setup.ExecutionUser = "mcp_ci_executor"
	cfg.Setup.RoleCategories = []string{"site_health", "structure"}

	report, err := run(t, cfg, env)
	require.Error(t, err)

	st := statuses(report)
	assert.Equal(t, StatusPass, st[HTTPReadScope])
	assert.Equal(t, StatusFail, st[HTTPWriteScope])
	res, _ := report.Result(HTTPWriteScope)
	assert.Contains(t, res.Error, "expected allowed, got denied")
	assert.Contains(t, res.Error, "mcp_tools use cache")
}

func TestRunner_StdioFailureCarriesStderr(t *testing.T) {
	env := newEnvironment(t)
	cfg := testConfig(env, "stdio")
	cfg.Timeouts.StdioResponseD = 2 * time.Second

	report, err := run(t, cfg, env, withHelperServer(func(string) []string {
		return []string{"--no-such-flag"}
	}))
	require.Error(t, err)

	res, _ := report.Result(StdioReadScope)
	assert.Equal(t, StatusFail, res.Status)
	assert.NotEmpty(t, res.Kind)
	assert.Contains(t, res.Error, "no-such-flag")

	skipped, _ := report.Result(StdioWriteScope)
	assert.Equal(t, StatusSkip, skipped.Status)
}

func TestRunner_StdioOutcomeMismatchCarriesStderr(t *testing.T) {
	env := newEnvironment(t)
	cfg := testConfig(env, "stdio")

	report, err := run(t, cfg, env, withHelperServer(func(string) []string {
		return []string{"--scope=read,write", "--uid=1"}
	}))
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrScenario)

	res, _ := report.Result(StdioReadScope)
	assert.Equal(t, StatusFail, res.Status)
	assert.Contains(t, res.Error, `"success": true`)
	assert.Contains(t, res.Error, "stderr:")
	assert.Contains(t, res.Error, "MCP stdio server ready (scopes: read,write)")
}

func TestRunner_CommandRenderer(t *testing.T) {
	cfg := config.Default()
	cfg.Stdio.Command = []string{"{drush}", "mcp-tools:serve", "--scope={scope}"}
	r := NewRunner(cfg, nil, WithCommandRenderer(func(args []string) []string {
		return append([]string{"docker", "exec", "-i", "web"}, args...)
	}))
	got := r.stdioCommand("read,write")
	assert.Equal(t, []string{"docker", "exec", "-i", "web", cfg.DrushPath(), "mcp-tools:serve", "--scope=read,write"}, got)
	assert.Equal(t, cfg.General.DrupalRoot, r.stdioDir)
}
