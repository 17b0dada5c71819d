//go:build e2e

package e2e

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jguan/mcpcheck/pkg/config"
	"github.com/jguan/mcpcheck/pkg/infra/logger"
	"github.com/jguan/mcpcheck/pkg/provision"
	"github.com/jguan/mcpcheck/pkg/scenario"
)

// TestEnv is a provisioned Drupal site described by MCPCHECK_* variables.
type TestEnv struct {
	Config *config.Config
	Drush  *provision.Drush
	Render func([]string) []string
	Ctx    context.Context
}

// SetupTestEnv loads the config named by MCPCHECK_CONFIG (or the defaults
// plus env overrides) and skips unless a Drupal root or container is set.
func SetupTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	if os.Getenv("MCPCHECK_DRUPAL_ROOT") == "" && os.Getenv("MCPCHECK_DOCKER_CONTAINER") == "" {
		t.Skip("set MCPCHECK_DRUPAL_ROOT or MCPCHECK_DOCKER_CONTAINER to run against Drupal")
	}

	cfg, err := config.Load(os.Getenv("MCPCHECK_CONFIG"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	t.Cleanup(cancel)

	d, render, err := provision.FromConfig(ctx, cfg, logger.Default())
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	return &TestEnv{Config: cfg, Drush: d, Render: render, Ctx: ctx}
}

func (e *TestEnv) Run(t *testing.T, transports ...string) *scenario.Report {
	t.Helper()
	e.Config.Run.Transports = transports
	report, err := scenario.NewRunner(e.Config, e.Drush,
		scenario.WithLogger(logger.Default()),
		scenario.WithCommandRenderer(e.Render),
	).Run(e.Ctx)
	if report != nil {
		_ = report.Render(os.Stdout, scenario.FormatText)
	}
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return report
}
