package commands

import (
	"github.com/spf13/cobra"
)

func newReportsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports [report-id]",
		Short: "List stored drift reports or show one",
		Example: `  vahti reports
  vahti reports --all-envs --output json
  vahti reports 3f2a0c1e-... --output diff`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			allEnvs, _ := cmd.Flags().GetBool("all-envs")
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := c.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			printer, err := c.printer(cmd)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				report, err := a.store.LoadReport(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printer.Report(report)
			}

			env := c.cfg.Environment
			if allEnvs {
				env = ""
			}
			reports, err := a.store.ListReports(cmd.Context(), env)
			if err != nil {
				return err
			}
			if limit > 0 && len(reports) > limit {
				reports = reports[:limit]
			}
			return printer.Reports(reports)
		},
	}

	cmd.Flags().Bool("all-envs", false, "list reports of every environment")
	cmd.Flags().Int("limit", 20, "show at most this many reports (0 for all)")
	return cmd
}

func newRemediationCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "remediation <result-id>",
		Short: "Show a stored remediation result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			printer, err := c.printer(cmd)
			if err != nil {
				return err
			}

			result, err := a.store.LoadRemediation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printer.Remediation(result)
		},
	}
}
