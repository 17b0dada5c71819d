package cli

import (
	"github.com/spf13/cobra"

	"github.com/jguan/mcpcheck/pkg/scenario"
)

type scenarioRow struct {
	Name        string `json:"name" yaml:"name"`
	Transport   string `json:"transport" yaml:"transport"`
	Description string `json:"description" yaml:"description"`
}

func NewScenariosCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List the scenarios of the plan in run order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return PrintOutput(planRows(), root.OutputOptions())
		},
	}
}

func planRows() []scenarioRow {
	plan := scenario.Plan()
	rows := make([]scenarioRow, len(plan))
	for i, s := range plan {
		rows[i] = scenarioRow{Name: s.Name, Transport: string(s.Transport), Description: s.Description}
	}
	return rows
}
