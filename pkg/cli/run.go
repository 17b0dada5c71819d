package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jguan/mcpcheck/pkg/config"
	"github.com/jguan/mcpcheck/pkg/infra/logger"
	"github.com/jguan/mcpcheck/pkg/provision"
	"github.com/jguan/mcpcheck/pkg/scenario"
)

type runFlags struct {
	transports []string
	scenarios  []string
	container  string
	baseURL    string
}

func NewRunCommand(root *RootCommand) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Provision the site and run the conformance plan",
		Long: `Provision the Drupal site (modules, settings, API keys, web server), then
run every selected scenario in order. The run stops at the first failure
and exits 1.`,
		Example: `  # Run everything against ./drupal
  mcpcheck run

  # Only the HTTP scenarios, against a site in a container
  mcpcheck run --transport http --docker-container web

  # One scenario, with a JSON report
  mcpcheck run --scenario http_ip_allowlist_rejects -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.Config()
			if err := f.apply(cmd, cfg); err != nil {
				return err
			}
			return runPlan(cmd.Context(), root, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&f.transports, "transport", "t", nil, "Transports to run (http, stdio)")
	flags.StringSliceVarP(&f.scenarios, "scenario", "s", nil, "Scenarios to run (default: all)")
	flags.StringVar(&f.container, "docker-container", "", "Run drush inside this container")
	flags.StringVar(&f.baseURL, "base-url", "", "Base URL of the site under test")

	return cmd
}

// apply lays explicitly set flags over the loaded config.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Run.Transports = f.transports
	}
	if flags.Changed("scenario") {
		cfg.Run.Scenarios = f.scenarios
	}
	if flags.Changed("docker-container") {
		cfg.Setup.DockerContainer = f.container
	}
	if flags.Changed("base-url") {
		cfg.General.BaseURL = strings.TrimRight(f.baseURL, "/")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// environmentFunc builds the environment a run provisions and any runner
// options it needs.
type environmentFunc func(ctx context.Context, cfg *config.Config, l *slog.Logger) (provision.Environment, []scenario.Option, error)

// drushEnvironment provisions the configured Drupal site through drush.
func drushEnvironment(ctx context.Context, cfg *config.Config, l *slog.Logger) (provision.Environment, []scenario.Option, error) {
	d, render, err := provision.FromConfig(ctx, cfg, l)
	if err != nil {
		return nil, nil, err
	}
	return d, []scenario.Option{scenario.WithCommandRenderer(render)}, nil
}

func runPlan(ctx context.Context, root *RootCommand, cfg *config.Config) error {
	l := logger.Default()

	env, envOpts, err := root.environment(ctx, cfg, l)
	if err != nil {
		return err
	}
	opts := append([]scenario.Option{scenario.WithLogger(l)}, envOpts...)

	report, runErr := scenario.NewRunner(cfg, env, opts...).Run(ctx)
	if report != nil && !root.opts.Quiet {
		if err := report.Render(root.opts.Writer, scenario.Format(root.opts.Format)); err != nil {
			return err
		}
	}
	return runErr
}
