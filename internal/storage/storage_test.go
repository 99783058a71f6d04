package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/pkg/types"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()

	dir := t.TempDir()
	fileStore, err := New(Config{Backend: "file", BaseDir: filepath.Join(dir, "file")})
	require.NoError(t, err)

	sqliteStore, err := New(Config{Backend: "sqlite", SQLitePath: filepath.Join(dir, "sqlite", "vahti.db")})
	require.NoError(t, err)

	t.Cleanup(func() {
		fileStore.Close()
		sqliteStore.Close()
	})

	return map[string]Storage{"file": fileStore, "sqlite": sqliteStore}
}

func testReport(id, env string, ts time.Time) *types.DriftReport {
	findings := []types.DriftFinding{{
		Kind:         types.MissingResource,
		ResourceID:   "container/web-2",
		ResourceType: types.ResourceContainer,
		Expected:     "present",
		Actual:       "absent",
		Severity:     types.SeverityCritical,
		Message:      "container web-2 is declared but not present",
	}}
	return &types.DriftReport{
		ID:          id,
		Timestamp:   ts,
		Environment: env,
		DesiredID:   "desired",
		SnapshotID:  "snap-" + id,
		Findings:    findings,
		HasDrift:    true,
		Summary:     types.Summarize(findings),
	}
}

func testApproval(id, reportID string, created time.Time) *types.ApprovalRequest {
	return &types.ApprovalRequest{
		ID:             id,
		CreatedAt:      created,
		Status:         types.ApprovalPending,
		DriftReportRef: reportID,
		Environment:    "dev",
		Summary:        "1 critical finding",
		ExpiresAt:      created.Add(4 * time.Hour),
	}
}

func TestStorage_Reports(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.SaveReport(ctx, testReport("r1", "dev", base)))
			require.NoError(t, store.SaveReport(ctx, testReport("r2", "dev", base.Add(time.Minute))))
			require.NoError(t, store.SaveReport(ctx, testReport("r3", "prod", base.Add(2*time.Minute))))

			loaded, err := store.LoadReport(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "dev", loaded.Environment)
			assert.True(t, loaded.HasDrift)
			require.Len(t, loaded.Findings, 1)
			assert.Equal(t, types.SeverityCritical, loaded.Findings[0].Severity)

			dev, err := store.ListReports(ctx, "dev")
			require.NoError(t, err)
			require.Len(t, dev, 2)
			assert.Equal(t, "r2", dev[0].ID, "newest first")

			all, err := store.ListReports(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			_, err = store.LoadReport(ctx, "missing")
			assert.True(t, errors.Is(err, vahtierrors.ErrNotFound))
		})
	}
}

func TestStorage_RejectsInvalidReport(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			report := testReport("bad", "dev", time.Now())
			report.HasDrift = false
			assert.Error(t, store.SaveReport(ctx, report))
		})
	}
}

func TestStorage_CreateApprovalConflict(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.CreateApproval(ctx, testApproval("a1", "r1", now)))

			err := store.CreateApproval(ctx, testApproval("a2", "r1", now.Add(time.Second)))
			require.Error(t, err)
			assert.True(t, errors.Is(err, vahtierrors.ErrConflict))

			// A different report is fine
			require.NoError(t, store.CreateApproval(ctx, testApproval("a3", "r2", now)))

			// Once the first request is decided a new one may be created
			_, err = store.UpdateApproval(ctx, "a1", func(a *types.ApprovalRequest) error {
				a.Status = types.ApprovalRejected
				return nil
			})
			require.NoError(t, err)
			require.NoError(t, store.CreateApproval(ctx, testApproval("a4", "r1", now.Add(time.Minute))))
		})
	}
}

func TestStorage_ListApprovalsFilter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.CreateApproval(ctx, testApproval("b2", "r2", now.Add(time.Minute))))
			require.NoError(t, store.CreateApproval(ctx, testApproval("b1", "r1", now)))
			prod := testApproval("b3", "r3", now)
			prod.Environment = "prod"
			require.NoError(t, store.CreateApproval(ctx, prod))

			_, err := store.UpdateApproval(ctx, "b2", func(a *types.ApprovalRequest) error {
				a.Status = types.ApprovalApproved
				return nil
			})
			require.NoError(t, err)

			all, err := store.ListApprovals(ctx, ApprovalFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 3)

			pending, err := store.ListApprovals(ctx, ApprovalFilter{Status: types.ApprovalPending, Environment: "dev"})
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, "b1", pending[0].ID)

			dev, err := store.ListApprovals(ctx, ApprovalFilter{Environment: "dev"})
			require.NoError(t, err)
			require.Len(t, dev, 2)
			assert.Equal(t, "b1", dev[0].ID, "oldest first")
		})
	}
}

func TestStorage_UpdateApprovalMutateError(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.CreateApproval(ctx, testApproval("c1", "r1", now)))

			boom := errors.New("not allowed")
			got, err := store.UpdateApproval(ctx, "c1", func(a *types.ApprovalRequest) error {
				a.Status = types.ApprovalApproved
				return boom
			})
			assert.ErrorIs(t, err, boom)
			require.NotNil(t, got)
			assert.Equal(t, types.ApprovalPending, got.Status)

			loaded, err := store.LoadApproval(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, types.ApprovalPending, loaded.Status)

			_, err = store.UpdateApproval(ctx, "missing", func(a *types.ApprovalRequest) error { return nil })
			assert.True(t, errors.Is(err, vahtierrors.ErrNotFound))
		})
	}
}

// Concurrent decisions on one request must produce exactly one winner
func TestStorage_UpdateApprovalLinearizable(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.CreateApproval(ctx, testApproval("d1", "r1", now)))

			var (
				wg      sync.WaitGroup
				winners int32
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					status := types.ApprovalApproved
					if i%2 == 1 {
						status = types.ApprovalRejected
					}
					_, err := store.UpdateApproval(ctx, "d1", func(a *types.ApprovalRequest) error {
						if a.Status.IsTerminal() {
							return vahtierrors.AlreadyTerminal(a.ID, string(a.Status))
						}
						a.Status = status
						a.DecidedBy = fmt.Sprintf("user-%d", i)
						return nil
					})
					if err == nil {
						atomic.AddInt32(&winners, 1)
					} else {
						assert.True(t, errors.Is(err, vahtierrors.ErrAlreadyTerminal), "unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, int32(1), winners)
			final, err := store.LoadApproval(ctx, "d1")
			require.NoError(t, err)
			assert.True(t, final.Status.IsTerminal())
			assert.NotEmpty(t, final.DecidedBy)
		})
	}
}

func TestStorage_Remediations(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			result := &types.RemediationResult{
				ID:        "m1",
				ReportRef: "r1",
				StartedAt: time.Now().UTC(),
				Outcome:   types.OutcomeSucceeded,
				AppliedActions: []types.AppliedAction{
					{Kind: types.ActionStart, ResourceID: "container/web-2", Attempts: 1},
				},
			}
			require.NoError(t, store.SaveRemediation(ctx, result))

			loaded, err := store.LoadRemediation(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, types.OutcomeSucceeded, loaded.Outcome)
			require.Len(t, loaded.AppliedActions, 1)
			assert.Equal(t, "container/web-2", loaded.AppliedActions[0].ResourceID)
		})
	}
}

func TestStorage_ListRemediations(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i, env := range []string{"prod", "staging", "prod"} {
				require.NoError(t, store.SaveRemediation(ctx, &types.RemediationResult{
					ID:          fmt.Sprintf("m%d", i),
					ReportRef:   "r1",
					Environment: env,
					StartedAt:   base.Add(time.Duration(i) * time.Minute),
					Outcome:     types.OutcomeSucceeded,
				}))
			}

			prod, err := store.ListRemediations(ctx, "prod")
			require.NoError(t, err)
			require.Len(t, prod, 2)
			assert.Equal(t, "m2", prod[0].ID)
			assert.Equal(t, "m0", prod[1].ID)

			all, err := store.ListRemediations(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			none, err := store.ListRemediations(ctx, "dev")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestFileStorage_RejectsPathIDs(t *testing.T) {
	store, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	_, err = store.LoadReport(context.Background(), "../etc/passwd")
	assert.True(t, errors.Is(err, vahtierrors.ErrValidation))
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "etcd"})
	var unknown *UnknownBackendError
	assert.ErrorAs(t, err, &unknown)
}
