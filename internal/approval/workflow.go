// Package approval implements the approval state machine that gates
// remediation behind a human decision.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/internal/notify"
	"github.com/yairfalse/vahti/internal/remediation"
	"github.com/yairfalse/vahti/internal/storage"
	"github.com/yairfalse/vahti/pkg/types"
)

// DefaultWindow is how long a request stays pending before it expires
const DefaultWindow = 4 * time.Hour

// Reasons recorded for system transitions
const (
	ReasonExpired       = "expired"
	ReasonSuperseded    = "superseded by a newer drift report"
	ReasonDriftResolved = "drift resolved"
)

// Remediator runs the remediation an approval authorizes
type Remediator interface {
	Remediate(ctx context.Context, report *types.DriftReport, guard remediation.Guard) (*types.RemediationResult, error)
}

// Options configures the workflow
type Options struct {
	Window      time.Duration
	Approvers   []string
	SummaryTopN int
}

// Workflow drives approval requests through pending -> approved, rejected
// or expired. Every transition is a single UpdateApproval on the store, so
// concurrent decisions on one request are linearized there.
type Workflow struct {
	store      storage.Storage
	remediator Remediator
	notifier   notify.Notifier
	opts       Options
	log        logrus.FieldLogger
	now        func() time.Time
}

// NewWorkflow creates a workflow. notifier may be nil.
func NewWorkflow(store storage.Storage, remediator Remediator, notifier notify.Notifier, opts Options, log logrus.FieldLogger) *Workflow {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.SummaryTopN <= 0 {
		opts.SummaryTopN = 5
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Workflow{
		store:      store,
		remediator: remediator,
		notifier:   notifier,
		opts:       opts,
		log:        log,
		now:        time.Now,
	}
}

// Decision is the outcome of Approve. RemediationErr is kept apart from the
// transition error: the request stays approved when remediation fails.
type Decision struct {
	Request        *types.ApprovalRequest
	Remediation    *types.RemediationResult
	RemediationErr error
}

// Create opens a pending request for a report with drift
func (w *Workflow) Create(ctx context.Context, report *types.DriftReport) (*types.ApprovalRequest, error) {
	if report == nil || !report.HasDrift {
		return nil, vahtierrors.New(vahtierrors.ErrorTypeValidation, "approval",
			"approval requests need a drift report with findings")
	}

	now := w.now().UTC()
	request := &types.ApprovalRequest{
		ID:             uuid.NewString(),
		CreatedAt:      now,
		Status:         types.ApprovalPending,
		DriftReportRef: report.ID,
		Environment:    report.Environment,
		Summary:        Summarize(report, w.opts.SummaryTopN),
		Approvers:      append([]string(nil), w.opts.Approvers...),
		ExpiresAt:      now.Add(w.opts.Window),
	}
	if err := w.store.CreateApproval(ctx, request); err != nil {
		return nil, err
	}

	w.log.WithFields(logrus.Fields{
		"approval_id": request.ID,
		"report_id":   report.ID,
		"environment": report.Environment,
		"expires_at":  request.ExpiresAt.Format(time.RFC3339),
	}).Info("Approval requested")

	event := notify.ForReport(notify.EventApprovalRequired, report, "")
	event.ApprovalID = request.ID
	event.Message = fmt.Sprintf("Run `vahti approve %s` or `vahti reject %s` before %s",
		request.ID, request.ID, request.ExpiresAt.Format(time.RFC3339))
	notify.Send(ctx, w.notifier, event, w.log)

	return request, nil
}

// Get loads one request
func (w *Workflow) Get(ctx context.Context, id string) (*types.ApprovalRequest, error) {
	return w.store.LoadApproval(ctx, id)
}

// List returns requests matching filter, oldest first
func (w *Workflow) List(ctx context.Context, filter storage.ApprovalFilter) ([]*types.ApprovalRequest, error) {
	return w.store.ListApprovals(ctx, filter)
}

// decide moves a pending request to a terminal status. A request found past
// its expiry is expired instead, and the caller gets AlreadyTerminal.
func (w *Workflow) decide(ctx context.Context, id string, mutate func(*types.ApprovalRequest, time.Time) error) (*types.ApprovalRequest, error) {
	now := w.now().UTC()
	expiredNow := false

	updated, err := w.store.UpdateApproval(ctx, id, func(a *types.ApprovalRequest) error {
		expiredNow = false
		if a.Status.IsTerminal() {
			return vahtierrors.AlreadyTerminal(a.ID, string(a.Status))
		}
		if a.IsExpired(now) {
			expire(a, now)
			expiredNow = true
			return nil
		}
		return mutate(a, now)
	})
	if err != nil {
		return updated, err
	}
	if expiredNow {
		w.afterExpire(ctx, updated)
		return updated, vahtierrors.AlreadyTerminal(updated.ID, string(updated.Status))
	}
	return updated, nil
}

// Approve approves a pending request and runs its remediation
// synchronously. Transition errors (AlreadyTerminal, Unauthorized,
// NotFound) are returned as err; a remediation failure is reported in the
// Decision and on the stored request.
func (w *Workflow) Approve(ctx context.Context, id, approver string) (*Decision, error) {
	approved, err := w.decide(ctx, id, func(a *types.ApprovalRequest, now time.Time) error {
		if !a.CanBeApprovedBy(approver) {
			return vahtierrors.Unauthorized(a.ID, approver)
		}
		a.Status = types.ApprovalApproved
		a.DecidedBy = approver
		a.DecidedAt = now
		a.Remediation = types.ApprovalRemediation{State: types.RemediationRunning, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := w.log.WithFields(logrus.Fields{
		"approval_id": approved.ID,
		"report_id":   approved.DriftReportRef,
		"environment": approved.Environment,
		"approver":    approver,
	})
	log.Info("Approval granted")
	notify.Send(ctx, w.notifier, notify.Event{
		Type:        notify.EventApprovalDecided,
		Environment: approved.Environment,
		Title:       fmt.Sprintf("Remediation approved by %s in %s", approver, approved.Environment),
		ReportID:    approved.DriftReportRef,
		ApprovalID:  approved.ID,
		Fields:      map[string]string{"decision": string(types.ApprovalApproved)},
	}, w.log)

	decision := &Decision{Request: approved}

	report, err := w.store.LoadReport(ctx, approved.DriftReportRef)
	if err != nil {
		decision.RemediationErr = err
		decision.Request = w.finishRemediation(ctx, approved.ID, nil, err)
		return decision, nil
	}

	result, remErr := w.remediator.Remediate(ctx, report, w.guard(approved.ID))
	decision.Remediation = result
	decision.RemediationErr = remErr
	decision.Request = w.finishRemediation(ctx, approved.ID, result, remErr)

	if remErr != nil {
		log.WithError(remErr).Warn("Approved remediation did not complete")
		event := notify.ForReport(notify.EventRemediationFailed, report, "")
		event.ApprovalID = approved.ID
		event.Message = remErr.Error()
		notify.Send(ctx, w.notifier, event, w.log)
	} else {
		event := notify.ForReport(notify.EventRemediationCompleted, report, "")
		event.ApprovalID = approved.ID
		notify.Send(ctx, w.notifier, event, w.log)
	}

	return decision, nil
}

// guard stops a remediation once cancellation was requested on the request
func (w *Workflow) guard(id string) remediation.Guard {
	return func(ctx context.Context) error {
		current, err := w.store.LoadApproval(ctx, id)
		if err != nil {
			// Losing the record is no reason to abandon a running fix
			w.log.WithError(err).WithField("approval_id", id).Warn("Could not re-read approval during remediation")
			return nil
		}
		if current.Remediation.State == types.RemediationCancelRequested {
			return remediation.ErrCancelled
		}
		return nil
	}
}

// finishRemediation records the remediation outcome on the request
func (w *Workflow) finishRemediation(ctx context.Context, id string, result *types.RemediationResult, remErr error) *types.ApprovalRequest {
	state := types.RemediationSucceeded
	switch {
	case errors.Is(remErr, remediation.ErrCancelled):
		state = types.RemediationCancelled
	case remErr != nil:
		state = types.RemediationFailed
	}

	updated, err := w.store.UpdateApproval(ctx, id, func(a *types.ApprovalRequest) error {
		a.Remediation.State = state
		a.Remediation.UpdatedAt = w.now().UTC()
		if result != nil {
			a.Remediation.ResultRef = result.ID
		}
		a.Remediation.Error = ""
		if remErr != nil {
			a.Remediation.Error = remErr.Error()
		}
		return nil
	})
	if err != nil {
		w.log.WithError(err).WithField("approval_id", id).Error("Failed to record remediation outcome")
	}
	return updated
}

// Reject rejects a pending request; no remediation runs
func (w *Workflow) Reject(ctx context.Context, id, rejector, reason string) (*types.ApprovalRequest, error) {
	rejected, err := w.decide(ctx, id, func(a *types.ApprovalRequest, now time.Time) error {
		if rejector != types.SystemActor && !a.CanBeApprovedBy(rejector) {
			return vahtierrors.Unauthorized(a.ID, rejector)
		}
		a.Status = types.ApprovalRejected
		a.DecidedBy = rejector
		a.DecidedAt = now
		a.Reason = reason
		return nil
	})
	if err != nil {
		return rejected, err
	}

	w.log.WithFields(logrus.Fields{
		"approval_id": rejected.ID,
		"report_id":   rejected.DriftReportRef,
		"rejector":    rejector,
		"reason":      reason,
	}).Info("Approval rejected")

	if rejector != types.SystemActor {
		notify.Send(ctx, w.notifier, notify.Event{
			Type:        notify.EventApprovalDecided,
			Environment: rejected.Environment,
			Title:       fmt.Sprintf("Remediation rejected by %s in %s", rejector, rejected.Environment),
			Message:     reason,
			ReportID:    rejected.DriftReportRef,
			ApprovalID:  rejected.ID,
			Fields:      map[string]string{"decision": string(types.ApprovalRejected)},
		}, w.log)
	}
	return rejected, nil
}

// Sweep expires every pending request whose expiry is at or before now.
// Requests decided concurrently are left alone, so running it repeatedly or
// alongside approve and reject is safe.
func (w *Workflow) Sweep(ctx context.Context, now time.Time) ([]*types.ApprovalRequest, error) {
	pending, err := w.store.ListApprovals(ctx, storage.ApprovalFilter{Status: types.ApprovalPending})
	if err != nil {
		return nil, err
	}

	var expired []*types.ApprovalRequest
	for _, candidate := range pending {
		if !candidate.IsExpired(now) {
			continue
		}
		updated, err := w.store.UpdateApproval(ctx, candidate.ID, func(a *types.ApprovalRequest) error {
			if !a.IsExpired(now) {
				return vahtierrors.AlreadyTerminal(a.ID, string(a.Status))
			}
			expire(a, now)
			return nil
		})
		if err != nil {
			if vahtierrors.IsType(err, vahtierrors.ErrorTypeAlreadyTerminal) || vahtierrors.IsType(err, vahtierrors.ErrorTypeNotFound) {
				continue
			}
			return expired, err
		}
		expired = append(expired, updated)
		w.afterExpire(ctx, updated)
	}
	return expired, nil
}

func expire(a *types.ApprovalRequest, now time.Time) {
	a.Status = types.ApprovalExpired
	a.DecidedBy = types.SystemActor
	a.DecidedAt = now
	a.Reason = ReasonExpired
}

func (w *Workflow) afterExpire(ctx context.Context, a *types.ApprovalRequest) {
	w.log.WithFields(logrus.Fields{
		"approval_id": a.ID,
		"report_id":   a.DriftReportRef,
		"environment": a.Environment,
	}).Info("Approval expired")
	notify.Send(ctx, w.notifier, notify.Event{
		Type:        notify.EventApprovalExpired,
		Environment: a.Environment,
		ReportID:    a.DriftReportRef,
		ApprovalID:  a.ID,
		Message:     "No decision was made before " + a.ExpiresAt.Format(time.RFC3339),
	}, w.log)
}

// Supersede rejects, as the system, every pending request for environment
// except the one referencing keepReportID (which may be empty)
func (w *Workflow) Supersede(ctx context.Context, environment, keepReportID, reason string) ([]*types.ApprovalRequest, error) {
	pending, err := w.store.ListApprovals(ctx, storage.ApprovalFilter{
		Status:      types.ApprovalPending,
		Environment: environment,
	})
	if err != nil {
		return nil, err
	}

	var superseded []*types.ApprovalRequest
	for _, a := range pending {
		if keepReportID != "" && a.DriftReportRef == keepReportID {
			continue
		}
		rejected, err := w.Reject(ctx, a.ID, types.SystemActor, reason)
		if err != nil {
			if vahtierrors.IsType(err, vahtierrors.ErrorTypeAlreadyTerminal) {
				continue
			}
			return superseded, err
		}
		superseded = append(superseded, rejected)
	}
	return superseded, nil
}

// CancelRemediation asks the remediation running for an approved request
// to stop before its next action
func (w *Workflow) CancelRemediation(ctx context.Context, id, actor string) (*types.ApprovalRequest, error) {
	updated, err := w.store.UpdateApproval(ctx, id, func(a *types.ApprovalRequest) error {
		if a.Status != types.ApprovalApproved || a.Remediation.State != types.RemediationRunning {
			state := string(a.Remediation.State)
			if state == "" {
				state = "none"
			}
			return vahtierrors.New(vahtierrors.ErrorTypeValidation, "approval",
				fmt.Sprintf("approval %s has no running remediation (status %s, remediation %s)", a.ID, a.Status, state))
		}
		a.Remediation.State = types.RemediationCancelRequested
		a.Remediation.CancelledBy = actor
		a.Remediation.UpdatedAt = w.now().UTC()
		return nil
	})
	if err != nil {
		return updated, err
	}

	w.log.WithFields(logrus.Fields{
		"approval_id": id,
		"actor":       actor,
	}).Info("Remediation cancellation requested")
	return updated, nil
}
