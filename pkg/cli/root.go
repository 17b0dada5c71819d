package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jguan/mcpcheck/pkg/config"
	"github.com/jguan/mcpcheck/pkg/infra/logger"
)

var (
	cliVersion   = "dev"
	cliBuildDate = "unknown"
	cliGitCommit = "unknown"
)

type RootCommand struct {
	cmd       *cobra.Command
	v         *viper.Viper
	cfg       *config.Config
	opts      *OutputOptions
	formatStr string

	environment environmentFunc
}

func NewRootCommand() *RootCommand {
	root := &RootCommand{
		v:           viper.New(),
		opts:        NewOutputOptions(),
		environment: drushEnvironment,
	}

	cmd := &cobra.Command{
		Use:   "mcpcheck",
		Short: "mcpcheck - MCP conformance harness",
		Long: `mcpcheck provisions a Drupal site running MCP Tools and checks that its
MCP endpoints enforce authentication, scopes, config-only mode and the IP
allowlist over both the remote HTTP endpoint and the stdio server.`,
		PersistentPreRunE: root.persistentPreRunE,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	pflags := cmd.PersistentFlags()

	pflags.StringVarP(&root.formatStr, "output", "o", string(OutputText), "Output format (text, json, yaml)")
	pflags.BoolVarP(&root.opts.Quiet, "quiet", "q", false, "Suppress output")
	pflags.String("config", "", "Config file path (TOML)")
	pflags.String("log-level", "", "Log level (debug, info, warn, error)")
	pflags.String("log-format", "", "Log format (text, json)")

	_ = root.v.BindPFlag("output", pflags.Lookup("output"))
	_ = root.v.BindPFlag("config", pflags.Lookup("config"))
	_ = root.v.BindPFlag("log-level", pflags.Lookup("log-level"))
	_ = root.v.BindPFlag("log-format", pflags.Lookup("log-format"))
	_ = root.v.BindEnv("config", "MCPCHECK_CONFIG")

	root.cmd = cmd

	root.addSubCommands()

	return root
}

func (r *RootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	format := OutputFormat(r.v.GetString("output"))
	switch format {
	case OutputText, OutputJSON, OutputYAML:
		r.opts.Format = format
	default:
		return fmt.Errorf("invalid output format %q (valid: text, json, yaml)", format)
	}

	cfg, err := config.Load(r.v.GetString("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if lvl := r.v.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if f := r.v.GetString("log-format"); f != "" {
		cfg.Logging.Format = f
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	r.cfg = cfg

	logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	return nil
}

func (r *RootCommand) addSubCommands() {
	r.cmd.AddCommand(NewVersionCommand(r))
	r.cmd.AddCommand(NewRunCommand(r))
	r.cmd.AddCommand(NewScenariosCommand(r))
	r.cmd.AddCommand(NewConfigCommand(r))
}

func (r *RootCommand) Command() *cobra.Command {
	return r.cmd
}

func (r *RootCommand) Config() *config.Config {
	return r.cfg
}

func (r *RootCommand) OutputOptions() *OutputOptions {
	return r.opts
}

func (r *RootCommand) SetOutputWriter(w io.Writer) {
	r.opts.Writer = w
}

func (r *RootCommand) Execute() error {
	return r.cmd.Execute()
}

func (r *RootCommand) ExecuteContext(ctx context.Context) error {
	return r.cmd.ExecuteContext(ctx)
}

// Execute runs the CLI and exits 1 on any failure.
func Execute() {
	root := NewRootCommand()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		PrintError(err, root.opts)
		stop()
		os.Exit(1)
	}
}

func SetVersion(version, buildDate, gitCommit string) {
	cliVersion = version
	cliBuildDate = buildDate
	cliGitCommit = gitCommit
}

func GetVersion() string {
	return cliVersion
}

func GetBuildDate() string {
	return cliBuildDate
}

func GetGitCommit() string {
	return cliGitCommit
}
