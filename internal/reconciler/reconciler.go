// Package reconciler runs one check cycle: capture, compare, persist and,
// when asked to react, auto-remediate or open an approval request.
package reconciler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yairfalse/vahti/internal/approval"
	"github.com/yairfalse/vahti/internal/desired"
	"github.com/yairfalse/vahti/internal/differ"
	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/internal/notify"
	"github.com/yairfalse/vahti/internal/storage"
	"github.com/yairfalse/vahti/pkg/types"
)

// Decision is what a cycle did about the drift it found
type Decision string

const (
	// DecisionNone means no drift was found
	DecisionNone Decision = "none"
	// DecisionObserved means drift was reported but reacting was disabled
	DecisionObserved          Decision = "observed"
	DecisionAutoRemediated    Decision = "auto_remediated"
	DecisionApprovalRequested Decision = "approval_requested"
	// DecisionApprovalPending means an open request already covers the same drift
	DecisionApprovalPending Decision = "approval_pending"
)

// Snapshotter captures the live state of an environment
type Snapshotter interface {
	Capture(ctx context.Context, environment string) (*types.Snapshot, error)
}

// CycleResult is everything one cycle produced. ApprovalErr and
// RemediationErr are recorded here and never fail the cycle.
type CycleResult struct {
	Environment    string
	Snapshot       *types.Snapshot
	Desired        *types.Snapshot
	Report         *types.DriftReport
	Decision       Decision
	Approval       *types.ApprovalRequest
	Remediation    *types.RemediationResult
	Superseded     []*types.ApprovalRequest
	ApprovalErr    error
	RemediationErr error
	Duration       time.Duration
}

// Options configures a Reconciler
type Options struct {
	Environment string
	Threshold   approval.Threshold
	// React enables the policy path. Without it a cycle only reports.
	React bool
}

// Reconciler wires the snapshotter, the desired-state provider and the
// comparator to the approval workflow and the executor
type Reconciler struct {
	snapshotter Snapshotter
	provider    desired.Provider
	store       storage.Storage
	workflow    *approval.Workflow
	remediator  approval.Remediator
	notifier    notify.Notifier
	opts        Options
	log         logrus.FieldLogger
}

// New creates a reconciler. workflow and remediator are only needed when
// React is set; notifier may be nil.
func New(snapshotter Snapshotter, provider desired.Provider, store storage.Storage, workflow *approval.Workflow, remediator approval.Remediator, notifier notify.Notifier, opts Options, log logrus.FieldLogger) *Reconciler {
	if opts.Threshold == "" {
		opts.Threshold = approval.ThresholdWarning
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reconciler{
		snapshotter: snapshotter,
		provider:    provider,
		store:       store,
		workflow:    workflow,
		remediator:  remediator,
		notifier:    notifier,
		opts:        opts,
		log:         log.WithField("environment", opts.Environment),
	}
}

// Environment returns the environment this reconciler checks
func (r *Reconciler) Environment() string {
	return r.opts.Environment
}

// CheckOnce runs one cycle. Capture, desired-state and persistence failures
// are returned; everything after the report is stored is best effort and
// recorded on the result.
func (r *Reconciler) CheckOnce(ctx context.Context) (*CycleResult, error) {
	start := time.Now()
	env := r.opts.Environment
	result := &CycleResult{Environment: env, Decision: DecisionNone}
	defer func() { result.Duration = time.Since(start) }()

	actual, err := r.snapshotter.Capture(ctx, env)
	if err != nil {
		return result, err
	}
	result.Snapshot = actual

	declared, err := r.provider.Declared(ctx, env)
	if err != nil {
		if !vahtierrors.IsType(err, vahtierrors.ErrorTypeProvider) {
			err = vahtierrors.ProviderFailure(r.provider.Name(), "read declared state", err)
		}
		return result, err
	}
	result.Desired = declared

	report := differ.Compare(declared, actual)
	result.Report = report

	// Every report is stored, clean ones included
	if err := r.store.SaveReport(ctx, report); err != nil {
		return result, err
	}

	if !report.HasDrift {
		r.log.WithField("report_id", report.ID).Debug("No drift")
		if r.workflow != nil {
			superseded, err := r.workflow.Supersede(ctx, env, "", approval.ReasonDriftResolved)
			result.Superseded = superseded
			if err != nil {
				result.ApprovalErr = err
				r.log.WithError(err).Warn("Failed to close approval requests for resolved drift")
			}
		}
		return result, nil
	}

	r.log.WithFields(logrus.Fields{
		"report_id": report.ID,
		"findings":  len(report.Findings),
		"critical":  report.CriticalCount(),
	}).Warn("Drift detected")
	notify.Send(ctx, r.notifier, notify.ForReport(notify.EventDriftDetected, report, ""), r.log)

	if !r.opts.React {
		result.Decision = DecisionObserved
		return result, nil
	}

	if approval.RequiresApproval(report, r.opts.Threshold) {
		r.requestApproval(ctx, report, result)
	} else {
		r.autoRemediate(ctx, report, result)
	}
	return result, nil
}

// requestApproval opens a request unless an open one already covers the
// same findings. Older requests for different drift are superseded.
func (r *Reconciler) requestApproval(ctx context.Context, report *types.DriftReport, result *CycleResult) {
	if r.workflow == nil {
		result.ApprovalErr = vahtierrors.ConfigurationError("approval workflow is not configured")
		return
	}

	pending, err := r.workflow.List(ctx, storage.ApprovalFilter{
		Status:      types.ApprovalPending,
		Environment: report.Environment,
	})
	if err != nil {
		result.ApprovalErr = err
		return
	}
	for _, p := range pending {
		previous, err := r.store.LoadReport(ctx, p.DriftReportRef)
		if err == nil && sameDrift(previous, report) {
			result.Decision = DecisionApprovalPending
			result.Approval = p
			r.log.WithField("approval_id", p.ID).Info("Drift already awaiting approval")
			return
		}
	}

	superseded, err := r.workflow.Supersede(ctx, report.Environment, report.ID, approval.ReasonSuperseded)
	result.Superseded = superseded
	if err != nil {
		result.ApprovalErr = err
		return
	}

	request, err := r.workflow.Create(ctx, report)
	if err != nil {
		result.ApprovalErr = err
		r.log.WithError(err).Warn("Failed to create approval request")
		return
	}
	result.Decision = DecisionApprovalRequested
	result.Approval = request
}

func (r *Reconciler) autoRemediate(ctx context.Context, report *types.DriftReport, result *CycleResult) {
	if r.remediator == nil {
		result.RemediationErr = vahtierrors.ConfigurationError("remediation executor is not configured")
		return
	}

	r.log.WithFields(logrus.Fields{
		"report_id": report.ID,
		"threshold": r.opts.Threshold,
	}).Info("Auto-approving remediation below threshold")

	remediation, err := r.remediator.Remediate(ctx, report, nil)
	result.Decision = DecisionAutoRemediated
	result.Remediation = remediation
	result.RemediationErr = err

	event := notify.ForReport(notify.EventRemediationCompleted, report, "")
	if err != nil {
		r.log.WithError(err).WithField("report_id", report.ID).Warn("Auto-remediation did not complete")
		event = notify.ForReport(notify.EventRemediationFailed, report, "")
		event.Message = err.Error()
	}
	event.Fields = map[string]string{"mode": "auto"}
	notify.Send(ctx, r.notifier, event, r.log)
}

// sameDrift reports whether two reports describe the same deviations
func sameDrift(a, b *types.DriftReport) bool {
	if a.Environment != b.Environment || len(a.Findings) != len(b.Findings) {
		return false
	}
	for i := range a.Findings {
		fa, fb := a.Findings[i], b.Findings[i]
		if fa.Kind != fb.Kind || fa.ResourceID != fb.ResourceID || fa.Field != fb.Field ||
			fa.Expected != fb.Expected || fa.Actual != fb.Actual {
			return false
		}
	}
	return true
}
