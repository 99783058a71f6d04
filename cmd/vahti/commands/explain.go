package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/explain"
	"github.com/yairfalse/vahti/internal/logger"
)

func newExplainCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "explain <report-id>",
		Short: "Explain a drift report in plain language",
		Long: `Send a stored drift report to Claude and print an explanation of the
likely causes and how to fix them. Requires ai.api_key or ANTHROPIC_API_KEY.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.store.LoadReport(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			client, err := explain.NewClaudeClient(c.cfg.AI, logger.Component(c.log, "explain"))
			if err != nil {
				return err
			}
			text, err := client.ExplainDrift(cmd.Context(), report)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
}
