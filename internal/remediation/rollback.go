package remediation

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yairfalse/vahti/internal/desired"
	"github.com/yairfalse/vahti/internal/differ"
	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/pkg/types"
)

// Rollbacks lists the remediations of environment that saved a declaration,
// newest first
func (e *Executor) Rollbacks(ctx context.Context, environment string) ([]*types.RemediationResult, error) {
	results, err := e.store.ListRemediations(ctx, environment)
	if err != nil {
		return nil, err
	}
	out := make([]*types.RemediationResult, 0, len(results))
	for _, r := range results {
		if r.CanRollback() {
			out = append(out, r)
		}
	}
	return out, nil
}

// PlanRollback describes restoring the declaration saved by remediation id
// without changing anything
func (e *Executor) PlanRollback(ctx context.Context, id string) (*types.RollbackPlan, error) {
	source, err := e.rollbackSource(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.plan(ctx, source), nil
}

// Rollback writes back the declaration saved by remediation id, applies it
// and verifies the environment against it. A dry run only logs the steps.
func (e *Executor) Rollback(ctx context.Context, id string, dryRun bool) (*types.RollbackResult, error) {
	source, err := e.rollbackSource(ctx, id)
	if err != nil {
		return nil, err
	}

	plan := e.plan(ctx, source)
	result := &types.RollbackResult{
		Plan:      plan,
		DryRun:    dryRun,
		StartedAt: e.now().UTC(),
	}
	log := e.log.WithFields(logrus.Fields{
		"environment":    source.Environment,
		"remediation_id": id,
		"dry_run":        dryRun,
	})
	log.WithField("changes", len(plan.Changes)).Info("Starting rollback")

	if dryRun {
		for i := range plan.Steps {
			plan.Steps[i].Status = types.StepSimulated
			log.WithField("step", plan.Steps[i].Kind).Info("Would " + plan.Steps[i].Description)
		}
	} else {
		err = e.rollback(ctx, source, result, log)
	}

	result.FinishedAt = e.now().UTC()
	result.Succeeded = err == nil
	if err != nil {
		result.Error = err.Error()
	}
	log.WithFields(logrus.Fields{
		"succeeded": result.Succeeded,
		"duration":  result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond),
	}).Info("Rollback finished")
	return result, err
}

func (e *Executor) rollbackSource(ctx context.Context, id string) (*types.RemediationResult, error) {
	source, err := e.store.LoadRemediation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !source.CanRollback() {
		return nil, vahtierrors.New(vahtierrors.ErrorTypeValidation, "rollback",
			fmt.Sprintf("remediation %s saved no declaration to restore", id)).
			WithSolutions("List remediations that can be rolled back with: vahti rollback --list")
	}
	if source.BackupProvider != e.provider.Name() {
		return nil, vahtierrors.New(vahtierrors.ErrorTypeValidation, "rollback",
			fmt.Sprintf("remediation %s saved a %s declaration but the %s provider is configured",
				id, source.BackupProvider, e.provider.Name()))
	}
	if _, ok := e.provider.(desired.Restorer); !ok {
		return nil, vahtierrors.New(vahtierrors.ErrorTypeValidation, "rollback",
			fmt.Sprintf("the %s provider cannot restore a declaration", e.provider.Name()))
	}
	return source, nil
}

func (e *Executor) plan(ctx context.Context, source *types.RemediationResult) *types.RollbackPlan {
	env := source.Environment
	plan := &types.RollbackPlan{
		RemediationID: source.ID,
		Environment:   env,
		Provider:      source.BackupProvider,
		BackupTakenAt: source.StartedAt,
		Changes:       []types.DriftFinding{},
		Steps: []types.RollbackStep{
			{Kind: types.StepRestoreDeclaration, Description: fmt.Sprintf("restore the %s declaration saved by remediation %s", source.BackupProvider, source.ID)},
			{Kind: types.StepApply, Description: fmt.Sprintf("apply the restored declaration to %s", env)},
			{Kind: types.StepVerify, Description: fmt.Sprintf("verify %s matches the restored declaration", env)},
		},
	}
	for i := range plan.Steps {
		plan.Steps[i].Status = types.StepPending
	}

	// Changes read as: saved declaration expected, current declaration found
	if source.BackupDesired != nil {
		current, err := e.provider.Declared(ctx, env)
		if err != nil {
			e.log.WithError(err).Warn("Could not read the current declaration for the rollback plan")
		} else {
			plan.Changes = differ.Compare(source.BackupDesired, current).Findings
		}
	}
	return plan
}

func (e *Executor) rollback(ctx context.Context, source *types.RemediationResult, result *types.RollbackResult, log logrus.FieldLogger) error {
	restorer := e.provider.(desired.Restorer)
	env := source.Environment
	steps := result.Plan.Steps

	step := func(i int, do func() error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := do(); err != nil {
			steps[i].Status = types.StepFailed
			steps[i].Error = err.Error()
			log.WithError(err).WithField("step", steps[i].Kind).Warn("Rollback step failed")
			return err
		}
		steps[i].Status = types.StepDone
		log.WithField("step", steps[i].Kind).Info("Rollback step done")
		return nil
	}

	if err := step(0, func() error { return restorer.Restore(ctx, source.BackupSource) }); err != nil {
		return err
	}
	if err := step(1, func() error { return e.provider.Apply(ctx, env) }); err != nil {
		return err
	}
	return step(2, func() error {
		residual, err := e.verify(ctx, env)
		if err != nil {
			return err
		}
		result.ResidualDrift = residual
		if residual.HasDrift {
			return vahtierrors.New(vahtierrors.ErrorTypeRemediationIncomplete, "rollback",
				fmt.Sprintf("%d finding(s) remain after rolling back remediation %s", len(residual.Findings), source.ID))
		}
		return nil
	})
}
