package commands

import (
	"github.com/spf13/cobra"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
)

func newCheckCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "check",
		Aliases: []string{"check-once"},
		Short:   "Compare the environment with its declared state once",
		Long: `Capture the live state of the environment, compare it with the declared
state and store the drift report.

Exit codes:
  0  no drift
  1  drift detected
  2  the check itself failed

With --react the policy runs as well: drift at or below the auto-approve
threshold is remediated, anything more severe opens an approval request.`,
		Example: `  vahti check
  vahti check --env prod --output json
  vahti check --react`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			react, _ := cmd.Flags().GetBool("react")
			return c.runCheck(cmd, react)
		},
	}

	cmd.Flags().Bool("react", false, "remediate or request approval for detected drift")
	return cmd
}

func (c *cli) runCheck(cmd *cobra.Command, react bool) error {
	a, err := c.newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.engine(react)
	if err != nil {
		return err
	}
	printer, err := c.printer(cmd)
	if err != nil {
		return err
	}

	result, err := e.reconciler.CheckOnce(cmd.Context())
	if err != nil {
		return err
	}
	if err := printer.Cycle(result); err != nil {
		return err
	}

	if result.Report.HasDrift {
		return vahtierrors.DriftDetected(result.Environment, len(result.Report.Findings))
	}
	return nil
}
