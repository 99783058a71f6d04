package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/storage"
	"github.com/yairfalse/vahti/pkg/types"
)

func newApproveCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <approval-id>",
		Short: "Approve a pending request and run its remediation",
		Long: `Approve a pending approval request. The remediation runs right away and
this command waits for it; the request stays approved even when the
remediation does not fully succeed.`,
		Example: `  vahti approve 7d1c9a40-...
  vahti approve 7d1c9a40-... --as alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			as, _ := cmd.Flags().GetString("as")

			a, err := c.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			e, err := a.engine(false)
			if err != nil {
				return err
			}
			printer, err := c.printer(cmd)
			if err != nil {
				return err
			}

			decision, err := e.workflow.Approve(cmd.Context(), args[0], as)
			if err != nil {
				return err
			}

			if err := printer.Approval(decision.Request); err != nil {
				return err
			}
			if decision.Remediation != nil {
				if !printer.Structured() {
					fmt.Fprintln(cmd.OutOrStdout())
				}
				if err := printer.Remediation(decision.Remediation); err != nil {
					return err
				}
			}
			return decision.RemediationErr
		},
	}

	cmd.Flags().String("as", currentUser(), "identity recorded as the approver")
	return cmd
}

func newRejectCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <approval-id> [reason]",
		Short: "Reject a pending request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			as, _ := cmd.Flags().GetString("as")
			reason := strings.Join(args[1:], " ")

			a, err := c.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			printer, err := c.printer(cmd)
			if err != nil {
				return err
			}

			rejected, err := a.workflow(nil).Reject(cmd.Context(), args[0], as, reason)
			if err != nil {
				return err
			}
			return printer.Approval(rejected)
		},
	}

	cmd.Flags().String("as", currentUser(), "identity recorded as the rejector")
	return cmd
}

func newListApprovalsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list-approvals [status]",
		Aliases: []string{"approvals"},
		Short:   "List approval requests",
		Long: `List approval requests of the environment, oldest first. Without a
status only pending requests are shown; use "all" for every status.`,
		Example: `  vahti approvals
  vahti approvals all
  vahti list-approvals expired --all-envs`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"pending", "approved", "rejected", "expired", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			allEnvs, _ := cmd.Flags().GetBool("all-envs")

			filter := storage.ApprovalFilter{Status: types.ApprovalPending}
			if len(args) == 1 {
				switch status := types.ApprovalStatus(strings.ToLower(args[0])); {
				case status == "all":
					filter.Status = ""
				case status.IsValid():
					filter.Status = status
				default:
					return fmt.Errorf("unknown approval status %q (pending, approved, rejected, expired, all)", args[0])
				}
			}
			if !allEnvs {
				filter.Environment = c.cfg.Environment
			}

			a, err := c.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			printer, err := c.printer(cmd)
			if err != nil {
				return err
			}

			approvals, err := a.workflow(nil).List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printer.Approvals(approvals)
		},
	}

	cmd.Flags().Bool("all-envs", false, "list requests of every environment")
	return cmd
}

func newCancelCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <approval-id>",
		Short: "Stop the remediation an approval started",
		Long: `Ask a running remediation to stop. The executor checks between actions,
so the action in progress completes first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			as, _ := cmd.Flags().GetString("as")

			a, err := c.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			printer, err := c.printer(cmd)
			if err != nil {
				return err
			}

			updated, err := a.workflow(nil).CancelRemediation(cmd.Context(), args[0], as)
			if err != nil {
				return err
			}
			return printer.Approval(updated)
		},
	}

	cmd.Flags().String("as", currentUser(), "identity recorded as the canceller")
	return cmd
}

func newSweepCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire pending requests past their deadline",
		Long: `Expire every pending approval request whose expiry has passed. The
monitor does this before each cycle; sweep is for setups without one.`,
		Args: cobra.NoArgs,
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

			expired, err := a.workflow(nil).Sweep(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			if printer.Structured() {
				return printer.Approvals(expired)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d approval request(s)\n", len(expired))
			return nil
		},
	}
}
