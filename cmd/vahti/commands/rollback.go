package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/internal/lock"
)

func newRollbackCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback [remediation-id]",
		Short: "Restore the declaration saved by a remediation",
		Long: `Every remediation saves the declaration it started from. Rollback writes
that declaration back through the desired-state provider, applies it and
verifies the environment against it.

The environment's monitor marker is held while a rollback runs, so a running
monitor must be stopped first.`,
		Example: `  vahti rollback --list
  vahti rollback 9b1c... --plan
  vahti rollback 9b1c... --dry-run
  vahti rollback 9b1c...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, _ := cmd.Flags().GetBool("list")
			planOnly, _ := cmd.Flags().GetBool("plan")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			if !list && len(args) == 0 {
				return vahtierrors.New(vahtierrors.ErrorTypeValidation, "rollback", "a remediation id is required").
					WithHelp("vahti rollback --list")
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

			e, err := a.engine(false)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if list {
				allEnvs, _ := cmd.Flags().GetBool("all-envs")
				env := c.cfg.Environment
				if allEnvs {
					env = ""
				}
				results, err := e.executor.Rollbacks(ctx, env)
				if err != nil {
					return err
				}
				return printer.Rollbacks(results)
			}

			if planOnly {
				plan, err := e.executor.PlanRollback(ctx, args[0])
				if err != nil {
					return err
				}
				return printer.RollbackPlan(plan)
			}

			if !dryRun {
				release, err := c.holdMarker(ctx, a)
				if err != nil {
					return err
				}
				defer release()
			}

			result, rollbackErr := e.executor.Rollback(ctx, args[0], dryRun)
			if result != nil {
				if err := printer.Rollback(result); err != nil {
					return err
				}
			}
			return rollbackErr
		},
	}

	cmd.Flags().Bool("list", false, "list remediations that can be rolled back")
	cmd.Flags().Bool("all-envs", false, "with --list, include every environment")
	cmd.Flags().Bool("plan", false, "show the rollback plan without running it")
	cmd.Flags().Bool("dry-run", false, "walk the rollback steps without changing anything")
	return cmd
}

// holdMarker takes the environment's monitor marker for the duration of a
// command so no monitor reacts to a half-applied change
func (c *cli) holdMarker(ctx context.Context, a *app) (func(), error) {
	marker, err := a.marker()
	if err != nil {
		return nil, err
	}
	if err := marker.Acquire(ctx, lock.NewInfo(c.cfg.Environment, time.Now().UTC())); err != nil {
		if ve, ok := vahtierrors.As(err); ok && ve.Type == vahtierrors.ErrorTypeAlreadyRunning {
			ve.WithSolutions("Stop the monitor first: vahti monitor stop --env " + c.cfg.Environment)
		}
		return nil, err
	}
	return func() {
		if err := marker.Release(context.Background()); err != nil {
			a.log.WithError(err).Warn("Failed to release monitor marker")
		}
	}, nil
}
