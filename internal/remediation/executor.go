// Package remediation converges an environment back to its declared state
// after drift was found.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yairfalse/vahti/internal/desired"
	"github.com/yairfalse/vahti/internal/differ"
	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/internal/snapshot"
	"github.com/yairfalse/vahti/internal/storage"
	"github.com/yairfalse/vahti/pkg/config"
	"github.com/yairfalse/vahti/pkg/types"
)

// ErrCancelled is returned by a Guard to stop a run before its next action
var ErrCancelled = errors.New("remediation cancelled")

// Guard is consulted before every action. A non-nil error stops the run;
// the action in flight always completes.
type Guard func(ctx context.Context) error

// Options is the remediation policy
type Options struct {
	PreferDirect         bool
	RemoveExtraResources bool
	MaxRetries           int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	VerifyAttempts       int
	VerifyDelay          time.Duration
}

// OptionsFromConfig maps the remediation section of the configuration
func OptionsFromConfig(cfg config.RemediationConfig) Options {
	return Options{
		PreferDirect:         cfg.PreferDirect,
		RemoveExtraResources: cfg.RemoveExtraResources,
		MaxRetries:           cfg.MaxRetries,
		InitialBackoff:       cfg.InitialBackoff,
		MaxBackoff:           cfg.MaxBackoff,
		VerifyAttempts:       cfg.VerifyAttempts,
		VerifyDelay:          cfg.VerifyDelay,
	}
}

// Executor runs remediations and records them
type Executor struct {
	snapshotter *snapshot.Snapshotter
	provider    desired.Provider
	store       storage.Storage
	opts        Options
	log         logrus.FieldLogger
	now         func() time.Time
}

// NewExecutor creates an executor
func NewExecutor(snapshotter *snapshot.Snapshotter, provider desired.Provider, store storage.Storage, opts Options, log logrus.FieldLogger) *Executor {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 2 * time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = max(30*time.Second, opts.InitialBackoff)
	}
	if opts.VerifyAttempts <= 0 {
		opts.VerifyAttempts = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Executor{
		snapshotter: snapshotter,
		provider:    provider,
		store:       store,
		opts:        opts,
		log:         log,
		now:         time.Now,
	}
}

// run carries the state of one Remediate call
type run struct {
	report *types.DriftReport
	result *types.RemediationResult
	before *types.Snapshot
	guard  Guard
	log    logrus.FieldLogger

	needApply   bool
	applyReason []string
	actionErr   bool
	stopped     error
}

// Remediate applies corrective actions for every finding of report, then
// re-compares until the drift is gone or the verify budget is spent. The
// result is persisted in all cases. Residual drift is reported as
// RemediationIncomplete; a stop requested through guard yields an outcome of
// cancelled.
func (e *Executor) Remediate(ctx context.Context, report *types.DriftReport, guard Guard) (*types.RemediationResult, error) {
	if guard == nil {
		guard = func(context.Context) error { return nil }
	}

	r := &run{
		report: report,
		guard:  guard,
		result: &types.RemediationResult{
			ID:          uuid.NewString(),
			ReportRef:   report.ID,
			Environment: report.Environment,
			StartedAt:   e.now().UTC(),
		},
		log: e.log.WithFields(logrus.Fields{
			"environment": report.Environment,
			"report_id":   report.ID,
		}),
	}
	r.log.WithField("findings", len(report.Findings)).Info("Starting remediation")

	err := e.execute(ctx, r)

	r.result.FinishedAt = e.now().UTC()
	if err != nil {
		r.result.Error = err.Error()
	}
	if saveErr := e.store.SaveRemediation(ctx, r.result); saveErr != nil {
		r.log.WithError(saveErr).Error("Failed to persist remediation result")
		if err == nil {
			err = saveErr
		}
	}

	r.log.WithFields(logrus.Fields{
		"remediation_id": r.result.ID,
		"outcome":        r.result.Outcome,
		"actions":        len(r.result.AppliedActions),
		"duration":       r.result.FinishedAt.Sub(r.result.StartedAt).Round(time.Millisecond),
	}).Info("Remediation finished")

	return r.result, err
}

func (e *Executor) execute(ctx context.Context, r *run) error {
	env := r.report.Environment

	// Backup for rollback audit, taken before anything changes
	before, err := e.snapshotter.Capture(ctx, env)
	if err != nil {
		r.result.Outcome = types.OutcomeFailed
		return err
	}
	r.before = before
	r.result.BackupSnapshot = before
	if declared, err := e.provider.Declared(ctx, env); err == nil {
		r.result.BackupDesired = declared
	} else {
		r.log.WithError(err).Warn("Could not back up declared state")
	}
	if restorer, ok := e.provider.(desired.Restorer); ok {
		if source, err := restorer.Backup(ctx); err == nil {
			r.result.BackupProvider = e.provider.Name()
			r.result.BackupSource = source
		} else {
			r.log.WithError(err).Warn("Could not back up declaration, rollback will not be possible")
		}
	}

	for _, finding := range r.report.Findings {
		if r.stopped != nil {
			break
		}
		e.handle(ctx, r, finding)
	}

	if r.needApply && r.stopped == nil {
		e.apply(ctx, r)
	}

	if r.stopped != nil {
		r.result.Outcome = types.OutcomeCancelled
		return r.stopped
	}

	residual, err := e.verify(ctx, env)
	if err != nil {
		r.result.Outcome = types.OutcomeFailed
		return err
	}
	r.result.ResidualDrift = residual

	if residual.HasDrift {
		r.result.Outcome = types.OutcomeIncomplete
		if r.actionErr {
			r.result.Outcome = types.OutcomeFailed
		}
		return vahtierrors.RemediationIncomplete(r.report.ID, len(residual.Findings))
	}
	r.result.Outcome = types.OutcomeSucceeded
	return nil
}

// handle picks and runs the action for one finding
func (e *Executor) handle(ctx context.Context, r *run, f types.DriftFinding) {
	resourceType, name := types.SplitResourceKey(f.ResourceID)
	isContainer := resourceType == types.ResourceContainer

	switch f.Kind {
	case types.MissingResource, types.ConfigDrift:
		e.scheduleApply(r, f)

	case types.StateMismatch:
		if isContainer && f.Field == "status" && f.Expected == types.StatusRunning && e.opts.PreferDirect {
			e.direct(ctx, r, f, types.ActionStart, name, func(ctx context.Context) error {
				return e.snapshotter.Runtime().Start(ctx, r.report.Environment, name)
			})
			return
		}
		e.scheduleApply(r, f)

	case types.ExtraResource:
		if !e.opts.RemoveExtraResources {
			e.skip(r, f, "removal of undeclared resources is disabled")
			return
		}
		if !isContainer {
			e.skip(r, f, "only containers are removed directly")
			return
		}
		e.direct(ctx, r, f, types.ActionRemove, name, func(ctx context.Context) error {
			return e.snapshotter.Runtime().Remove(ctx, r.report.Environment, name)
		})

	case types.HealthDegraded:
		if !isContainer {
			e.scheduleApply(r, f)
			return
		}
		if healthy := e.restart(ctx, r, f, name); !healthy && r.stopped == nil {
			e.scheduleApply(r, f)
		}

	default:
		e.skip(r, f, "no action for finding kind")
	}
}

func (e *Executor) scheduleApply(r *run, f types.DriftFinding) {
	r.needApply = true
	r.applyReason = append(r.applyReason, f.ResourceID)
}

func (e *Executor) skip(r *run, f types.DriftFinding, reason string) {
	r.result.AppliedActions = append(r.result.AppliedActions, types.AppliedAction{
		Kind:        types.ActionSkip,
		ResourceID:  f.ResourceID,
		FindingKind: f.Kind,
		Skipped:     true,
		Reason:      reason,
		StartedAt:   e.now().UTC(),
	})
	r.log.WithFields(logrus.Fields{
		"resource": f.ResourceID,
		"kind":     f.Kind,
		"reason":   reason,
	}).Info("Skipping finding")
}

// checkGuard records a stop request; no new action starts afterwards
func (e *Executor) checkGuard(ctx context.Context, r *run) bool {
	if err := ctx.Err(); err != nil {
		r.stopped = err
		return false
	}
	if err := r.guard(ctx); err != nil {
		r.stopped = err
		r.log.WithError(err).Warn("Remediation stopped before next action")
		return false
	}
	return true
}

// direct runs one single-shot runtime action on a container
func (e *Executor) direct(ctx context.Context, r *run, f types.DriftFinding, kind types.ActionKind, name string, do func(context.Context) error) {
	if !e.checkGuard(ctx, r) {
		return
	}

	action := types.AppliedAction{
		Kind:        kind,
		ResourceID:  f.ResourceID,
		FindingKind: f.Kind,
		Attempts:    1,
		Before:      r.before.GetContainer(name),
		StartedAt:   e.now().UTC(),
	}
	err := do(ctx)
	action.Duration = e.now().Sub(action.StartedAt)
	if err != nil {
		action.Error = err.Error()
		r.actionErr = true
	}
	if kind != types.ActionRemove {
		action.After = e.inspect(ctx, r.report.Environment, name)
	}

	r.result.AppliedActions = append(r.result.AppliedActions, action)
	e.logAction(r, action)
}

// restart restarts an unhealthy container with exponential backoff until it
// inspects healthy. It reports whether the container ended up healthy.
func (e *Executor) restart(ctx context.Context, r *run, f types.DriftFinding, name string) bool {
	if !e.checkGuard(ctx, r) {
		return false
	}

	env := r.report.Environment
	rt := e.snapshotter.Runtime()
	action := types.AppliedAction{
		Kind:        types.ActionRestart,
		ResourceID:  f.ResourceID,
		FindingKind: f.Kind,
		Before:      r.before.GetContainer(name),
		StartedAt:   e.now().UTC(),
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.InitialBackoff
	b.MaxInterval = e.opts.MaxBackoff

	restarts := 0
	op := func() (*types.ContainerState, error) {
		if restarts > 0 {
			state, err := rt.Inspect(ctx, env, name)
			if err == nil && state.Health == types.HealthHealthy {
				return state, nil
			}
		}
		if restarts >= e.opts.MaxRetries {
			return nil, backoff.Permanent(fmt.Errorf("container %s still unhealthy after %d restarts", name, restarts))
		}
		// Later restarts are new actions as far as cancellation goes
		if restarts > 0 {
			if err := r.guard(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		restarts++
		if err := rt.Restart(ctx, env, name); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("container %s restarted, waiting for healthy", name)
	}

	state, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.opts.MaxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.WithFields(logrus.Fields{
				"resource": f.ResourceID,
				"attempt":  restarts,
				"next":     next,
			}).Debug(err.Error())
		}),
	)

	action.Attempts = restarts
	action.Duration = e.now().Sub(action.StartedAt)
	healthy := err == nil
	if healthy {
		action.After = state
	} else {
		action.Error = err.Error()
		action.After = e.inspect(ctx, env, name)
		if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			r.stopped = err
		}
	}

	r.result.AppliedActions = append(r.result.AppliedActions, action)
	e.logAction(r, action)
	if !healthy && r.stopped == nil {
		r.log.WithField("resource", f.ResourceID).Warn("Restart did not recover health, escalating to reconcile")
	}
	return healthy
}

// apply reconciles the environment through the desired-state provider.
// It runs at most once per remediation.
func (e *Executor) apply(ctx context.Context, r *run) {
	if !e.checkGuard(ctx, r) {
		return
	}

	action := types.AppliedAction{
		Kind:      types.ActionReconcile,
		Attempts:  1,
		Reason:    fmt.Sprintf("%d finding(s) need the declared state applied", len(r.applyReason)),
		StartedAt: e.now().UTC(),
	}
	if len(r.applyReason) == 1 {
		action.ResourceID = r.applyReason[0]
	}

	if err := e.provider.Apply(ctx, r.report.Environment); err != nil {
		action.Error = err.Error()
		r.actionErr = true
	}
	action.Duration = e.now().Sub(action.StartedAt)

	r.result.AppliedActions = append(r.result.AppliedActions, action)
	e.logAction(r, action)
}

// verify re-captures and re-compares until no drift remains or the attempts
// run out, returning the last comparison
func (e *Executor) verify(ctx context.Context, env string) (*types.DriftReport, error) {
	var (
		residual *types.DriftReport
		lastErr  error
	)
	for attempt := 1; attempt <= e.opts.VerifyAttempts; attempt++ {
		if attempt > 1 || e.opts.VerifyDelay > 0 {
			if err := sleep(ctx, e.opts.VerifyDelay); err != nil {
				return nil, err
			}
		}

		actual, err := e.snapshotter.Capture(ctx, env)
		if err != nil {
			lastErr = err
			continue
		}
		declared, err := e.provider.Declared(ctx, env)
		if err != nil {
			lastErr = err
			continue
		}

		residual = differ.Compare(declared, actual)
		lastErr = nil
		if !residual.HasDrift {
			return residual, nil
		}
		e.log.WithFields(logrus.Fields{
			"environment": env,
			"attempt":     attempt,
			"residual":    len(residual.Findings),
		}).Debug("Drift remains after remediation")
	}

	if residual == nil {
		return nil, lastErr
	}
	return residual, nil
}

func (e *Executor) inspect(ctx context.Context, env, name string) *types.ContainerState {
	state, err := e.snapshotter.Runtime().Inspect(ctx, env, name)
	if err != nil {
		return nil
	}
	return state
}

func (e *Executor) logAction(r *run, action types.AppliedAction) {
	fields := logrus.Fields{
		"action":   action.Kind,
		"resource": action.ResourceID,
		"attempts": action.Attempts,
		"duration": action.Duration.Round(time.Millisecond),
		"before":   describe(action.Before),
		"after":    describe(action.After),
	}
	if action.Error != "" {
		r.log.WithFields(fields).WithField("error", action.Error).Warn("Remediation action failed")
		return
	}
	r.log.WithFields(fields).Info("Remediation action applied")
}

func describe(c *types.ContainerState) string {
	if c == nil {
		return "absent"
	}
	return fmt.Sprintf("%s/%s/%s", c.Status, c.Health, c.Image)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
