package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/internal/logger"
	"github.com/yairfalse/vahti/internal/remediation"
	"github.com/yairfalse/vahti/internal/storage"
	"github.com/yairfalse/vahti/pkg/types"
)

type fakeRemediator struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, report *types.DriftReport, guard remediation.Guard) (*types.RemediationResult, error)
}

func (f *fakeRemediator) Remediate(ctx context.Context, report *types.DriftReport, guard remediation.Guard) (*types.RemediationResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, report, guard)
	}
	return &types.RemediationResult{ID: "rem-" + report.ID, ReportRef: report.ID, Outcome: types.OutcomeSucceeded}, nil
}

func (f *fakeRemediator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newWorkflow(t *testing.T, opts Options) (*Workflow, storage.Storage, *fakeRemediator) {
	t.Helper()
	store, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	remediator := &fakeRemediator{}
	w := NewWorkflow(store, remediator, nil, opts, logger.Discard())
	w.now = func() time.Time { return baseTime }
	return w, store, remediator
}

func driftReport(t *testing.T, store storage.Storage, id string, severities ...types.Severity) *types.DriftReport {
	t.Helper()
	var findings []types.DriftFinding
	for i, s := range severities {
		findings = append(findings, types.DriftFinding{
			Kind:         types.MissingResource,
			ResourceID:   fmt.Sprintf("container/web-%d", i+1),
			ResourceType: types.ResourceContainer,
			Severity:     s,
			Message:      fmt.Sprintf("container web-%d is declared but not present", i+1),
		})
	}
	report := &types.DriftReport{
		ID:          id,
		Timestamp:   baseTime,
		Environment: "dev",
		Findings:    findings,
		HasDrift:    len(findings) > 0,
		Summary:     types.Summarize(findings),
	}
	if store != nil && report.HasDrift {
		require.NoError(t, store.SaveReport(context.Background(), report))
	}
	return report
}

func TestWorkflow_Create(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newWorkflow(t, Options{Approvers: []string{"alice"}})
	report := driftReport(t, nil, "r1", types.SeverityCritical, types.SeverityWarning)

	request, err := w.Create(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPending, request.Status)
	assert.Equal(t, "r1", request.DriftReportRef)
	assert.Equal(t, baseTime.Add(4*time.Hour), request.ExpiresAt)
	assert.Equal(t, []string{"alice"}, request.Approvers)
	assert.Contains(t, request.Summary, "[critical] container/web-1")

	_, err = w.Create(ctx, report)
	assert.True(t, errors.Is(err, vahtierrors.ErrConflict))

	_, err = w.Create(ctx, driftReport(t, nil, "clean"))
	assert.True(t, errors.Is(err, vahtierrors.ErrValidation))
}

func TestWorkflow_ApproveRunsRemediation(t *testing.T) {
	ctx := context.Background()
	w, store, remediator := newWorkflow(t, Options{})
	request, err := w.Create(ctx, driftReport(t, store, "r1", types.SeverityCritical))
	require.NoError(t, err)

	decision, err := w.Approve(ctx, request.ID, "alice")
	require.NoError(t, err)
	require.NoError(t, decision.RemediationErr)
	assert.Equal(t, 1, remediator.count())

	assert.Equal(t, types.ApprovalApproved, decision.Request.Status)
	assert.Equal(t, "alice", decision.Request.DecidedBy)
	assert.Equal(t, baseTime, decision.Request.DecidedAt)
	assert.Equal(t, types.RemediationSucceeded, decision.Request.Remediation.State)
	assert.Equal(t, "rem-r1", decision.Request.Remediation.ResultRef)

	_, err = w.Approve(ctx, request.ID, "bob")
	assert.True(t, errors.Is(err, vahtierrors.ErrAlreadyTerminal))
	_, err = w.Reject(ctx, request.ID, "bob", "too late")
	assert.True(t, errors.Is(err, vahtierrors.ErrAlreadyTerminal))
	assert.Equal(t, 1, remediator.count())
}

func TestWorkflow_ApproveRemediationFailureKeepsApproved(t *testing.T) {
	ctx := context.Background()
	w, store, remediator := newWorkflow(t, Options{})
	remediator.fn = func(ctx context.Context, report *types.DriftReport, guard remediation.Guard) (*types.RemediationResult, error) {
		return &types.RemediationResult{ID: "rem-1", Outcome: types.OutcomeIncomplete},
			vahtierrors.RemediationIncomplete(report.ID, 1)
	}

	request, err := w.Create(ctx, driftReport(t, store, "r1", types.SeverityCritical))
	require.NoError(t, err)

	decision, err := w.Approve(ctx, request.ID, "alice")
	require.NoError(t, err, "remediation failure is not a transition failure")
	assert.True(t, errors.Is(decision.RemediationErr, vahtierrors.ErrRemediationIncomplete))

	stored, err := w.Get(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, stored.Status)
	assert.Equal(t, types.RemediationFailed, stored.Remediation.State)
	assert.NotEmpty(t, stored.Remediation.Error)
}

func TestWorkflow_ApproveUnauthorized(t *testing.T) {
	ctx := context.Background()
	w, store, remediator := newWorkflow(t, Options{Approvers: []string{"alice", "ops"}})
	request, err := w.Create(ctx, driftReport(t, store, "r1", types.SeverityCritical))
	require.NoError(t, err)

	_, err = w.Approve(ctx, request.ID, "mallory")
	assert.True(t, errors.Is(err, vahtierrors.ErrUnauthorized))
	assert.Zero(t, remediator.count())

	stored, err := w.Get(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPending, stored.Status)

	_, err = w.Approve(ctx, request.ID, "ops")
	require.NoError(t, err)
}

func TestWorkflow_Reject(t *testing.T) {
	ctx := context.Background()
	w, store, remediator := newWorkflow(t, Options{})
	request, err := w.Create(ctx, driftReport(t, store, "r1", types.SeverityCritical))
	require.NoError(t, err)

	rejected, err := w.Reject(ctx, request.ID, "bob", "planned maintenance")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalRejected, rejected.Status)
	assert.Equal(t, "bob", rejected.DecidedBy)
	assert.Equal(t, "planned maintenance", rejected.Reason)
	assert.Zero(t, remediator.count())

	_, err = w.Approve(ctx, request.ID, "alice")
	assert.True(t, errors.Is(err, vahtierrors.ErrAlreadyTerminal))

	_, err = w.Reject(ctx, "missing", "bob", "")
	assert.True(t, errors.Is(err, vahtierrors.ErrNotFound))
}

func TestWorkflow_SweepExpires(t *testing.T) {
	ctx := context.Background()
	w, store, remediator := newWorkflow(t, Options{Window: time.Hour})

	old, err := w.Create(ctx, driftReport(t, store, "r1", types.SeverityCritical))
	require.NoError(t, err)
	w.now = func() time.Time { return baseTime.Add(30 * time.Minute) }
	fresh, err := w.Create(ctx, driftReport(t, store, "r2", types.SeverityCritical))
	require.NoError(t, err)

	sweepAt := baseTime.Add(time.Hour)
	expired, err := w.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)
	assert.Equal(t, types.ApprovalExpired, expired[0].Status)
	assert.Equal(t, types.SystemActor, expired[0].DecidedBy)
	assert.Equal(t, ReasonExpired, expired[0].Reason)

	again, err := w.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.Empty(t, again, "sweep is idempotent")

	_, err = w.Approve(ctx, old.ID, "alice")
	assert.True(t, errors.Is(err, vahtierrors.ErrAlreadyTerminal))
	assert.Zero(t, remediator.count())

	stillPending, err := w.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPending, stillPending.Status)
}

func TestWorkflow_ApproveAfterExpiryWithoutSweep(t *testing.T) {
	ctx := context.Background()
	w, store, remediator := newWorkflow(t, Options{Window: time.Hour})
	request, err := w.Create(ctx, driftReport(t, store, "r1", types.SeverityCritical))
	require.NoError(t, err)

	w.now = func() time.Time { return baseTime.Add(2 * time.Hour) }
	_, err = w.Approve(ctx, request.ID, "alice")
	assert.True(t, errors.Is(err, vahtierrors.ErrAlreadyTerminal))
	assert.Zero(t, remediator.count())

	stored, err := w.Get(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalExpired, stored.Status)
}

// Concurrent approve, reject and sweep on one request yield one terminal
// transition
func TestWorkflow_ConcurrentDecisions(t *testing.T) {
	ctx := context.Background()
	w, store, remediator := newWorkflow(t, Options{})
	request, err := w.Create(ctx, driftReport(t, store, "r1", types.SeverityCritical))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		winners int32
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			switch i % 3 {
			case 0:
				_, err = w.Approve(ctx, request.ID, fmt.Sprintf("approver-%d", i))
			case 1:
				_, err = w.Reject(ctx, request.ID, fmt.Sprintf("rejector-%d", i), "no")
			default:
				_, err = w.Sweep(ctx, baseTime.Add(5*time.Hour))
				return
			}
			if err == nil {
				atomic.AddInt32(&winners, 1)
				return
			}
			assert.True(t, errors.Is(err, vahtierrors.ErrAlreadyTerminal), "unexpected error: %v", err)
		}(i)
	}
	wg.Wait()

	final, err := w.Get(ctx, request.ID)
	require.NoError(t, err)
	assert.True(t, final.Status.IsTerminal())

	// The sweep runs with a clock past expiry, so it may win instead
	if final.Status == types.ApprovalExpired {
		assert.Equal(t, int32(0), winners)
	} else {
		assert.Equal(t, int32(1), winners)
	}
	if final.Status == types.ApprovalApproved {
		assert.Equal(t, 1, remediator.count())
	} else {
		assert.Zero(t, remediator.count())
	}
}

func TestWorkflow_Supersede(t *testing.T) {
	ctx := context.Background()
	w, store, _ := newWorkflow(t, Options{})

	first, err := w.Create(ctx, driftReport(t, store, "r1", types.SeverityCritical))
	require.NoError(t, err)
	second, err := w.Create(ctx, driftReport(t, store, "r2", types.SeverityCritical))
	require.NoError(t, err)

	superseded, err := w.Supersede(ctx, "dev", "r2", ReasonSuperseded)
	require.NoError(t, err)
	require.Len(t, superseded, 1)
	assert.Equal(t, first.ID, superseded[0].ID)
	assert.Equal(t, types.ApprovalRejected, superseded[0].Status)
	assert.Equal(t, types.SystemActor, superseded[0].DecidedBy)

	resolved, err := w.Supersede(ctx, "dev", "", ReasonDriftResolved)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, second.ID, resolved[0].ID)
	assert.Equal(t, ReasonDriftResolved, resolved[0].Reason)
}

func TestWorkflow_CancelRemediation(t *testing.T) {
	ctx := context.Background()
	w, store, remediator := newWorkflow(t, Options{})

	started := make(chan struct{})
	cancelled := make(chan struct{})
	remediator.fn = func(ctx context.Context, report *types.DriftReport, guard remediation.Guard) (*types.RemediationResult, error) {
		close(started)
		<-cancelled
		if err := guard(ctx); err != nil {
			return &types.RemediationResult{ID: "rem-1", Outcome: types.OutcomeCancelled}, err
		}
		return &types.RemediationResult{ID: "rem-1", Outcome: types.OutcomeSucceeded}, nil
	}

	request, err := w.Create(ctx, driftReport(t, store, "r1", types.SeverityCritical))
	require.NoError(t, err)

	_, err = w.CancelRemediation(ctx, request.ID, "bob")
	assert.True(t, errors.Is(err, vahtierrors.ErrValidation), "nothing is running yet")

	done := make(chan *Decision)
	go func() {
		decision, err := w.Approve(ctx, request.ID, "alice")
		assert.NoError(t, err)
		done <- decision
	}()

	<-started
	updated, err := w.CancelRemediation(ctx, request.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, types.RemediationCancelRequested, updated.Remediation.State)
	assert.Equal(t, "bob", updated.Remediation.CancelledBy)
	close(cancelled)

	decision := <-done
	assert.ErrorIs(t, decision.RemediationErr, remediation.ErrCancelled)
	assert.Equal(t, types.RemediationCancelled, decision.Request.Remediation.State)
	assert.Equal(t, types.ApprovalApproved, decision.Request.Status)
}
