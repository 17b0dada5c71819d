package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jguan/mcpcheck/pkg/config"
)

func NewConfigCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "example",
		Short: "Print a commented config file with every default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprint(root.OutputOptions().Writer, config.Example)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config after file, env and flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := root.OutputOptions()
			if opts.Format == OutputText {
				return root.Config().WriteTOML(opts.Writer)
			}
			return PrintOutput(root.Config(), opts)
		},
	})

	return cmd
}
