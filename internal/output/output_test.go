package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/internal/reconciler"
	"github.com/yairfalse/vahti/pkg/types"
)

func driftReport() *types.DriftReport {
	findings := []types.DriftFinding{
		{
			Kind:         types.ConfigDrift,
			ResourceID:   "container/web-1",
			ResourceType: types.ResourceContainer,
			Field:        "image",
			Expected:     "nginx:1.27",
			Actual:       "nginx:1.25",
			Severity:     types.SeverityWarning,
			Message:      "image differs",
		},
		{
			Kind:         types.MissingResource,
			ResourceID:   "container/web-2",
			ResourceType: types.ResourceContainer,
			Expected:     "present",
			Actual:       "absent",
			Severity:     types.SeverityCritical,
			Message:      "container web-2 is declared but not present",
		},
	}
	return &types.DriftReport{
		ID:          "r-1234",
		Timestamp:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Environment: "dev",
		DesiredID:   "manifest-abc",
		SnapshotID:  "snap-1",
		Findings:    findings,
		HasDrift:    true,
		Summary:     types.Summarize(findings),
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"", FormatTable},
		{"table", FormatTable},
		{"JSON", FormatJSON},
		{"yml", FormatYAML},
		{"unix", FormatDiff},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseFormat("markdown")
	assert.True(t, errors.Is(err, vahtierrors.ErrValidation))
}

func TestPrinter_ReportTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, FormatTable, false).Report(driftReport()))

	out := buf.String()
	assert.Contains(t, out, "r-1234")
	assert.Contains(t, out, "manifest-abc")
	assert.Contains(t, out, "2 findings: 1 critical, 1 warning, 0 info")
	assert.NotContains(t, out, "\x1b[", "no color codes when color is off")

	// Critical findings are listed first
	assert.Less(t, strings.Index(out, "container/web-2"), strings.Index(out, "container/web-1"))
}

func TestPrinter_CleanReport(t *testing.T) {
	report := &types.DriftReport{ID: "r-0", Environment: "dev", Timestamp: time.Now()}

	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, FormatTable, false).Report(report))
	assert.Contains(t, buf.String(), "No drift detected in dev")

	buf.Reset()
	require.NoError(t, NewPrinter(&buf, FormatDiff, false).Report(report))
	assert.Empty(t, buf.String())
}

func TestPrinter_ReportDiff(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, FormatDiff, false).Report(driftReport()))

	out := buf.String()
	assert.Contains(t, out, "--- container/web-1 (declared)")
	assert.Contains(t, out, "-image: nginx:1.27")
	assert.Contains(t, out, "+image: nginx:1.25")
	assert.Contains(t, out, "@@ missing_resource [critical] @@")
	assert.Contains(t, out, "2 resources changed: 1 missing, 0 extra, 1 modified")
}

func TestPrinter_ReportStructured(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, FormatJSON, true).Report(driftReport()))

	var decoded types.DriftReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "r-1234", decoded.ID)
	assert.Len(t, decoded.Findings, 2)

	buf.Reset()
	require.NoError(t, NewPrinter(&buf, FormatYAML, false).Report(driftReport()))

	var generic map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &generic))
	assert.Equal(t, "r-1234", generic["id"])
	assert.Equal(t, true, generic["has_drift"], "yaml keys follow the json names")
}

func TestPrinter_Approvals(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	approvals := []*types.ApprovalRequest{
		{
			ID:             "a-1",
			Status:         types.ApprovalPending,
			Environment:    "dev",
			DriftReportRef: "r-1234",
			CreatedAt:      created,
			ExpiresAt:      created.Add(4 * time.Hour),
		},
		{
			ID:             "a-2",
			Status:         types.ApprovalApproved,
			Environment:    "dev",
			DriftReportRef: "r-1000",
			CreatedAt:      created.Add(-time.Hour),
			ExpiresAt:      created.Add(3 * time.Hour),
			DecidedBy:      "alice",
			Remediation:    types.ApprovalRemediation{State: types.RemediationSucceeded, ResultRef: "m-1"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, FormatTable, false).Approvals(approvals))
	out := buf.String()
	assert.Contains(t, out, "a-1")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "succeeded")

	buf.Reset()
	require.NoError(t, NewPrinter(&buf, FormatTable, false).Approvals(nil))
	assert.Contains(t, buf.String(), "No approval requests")

	buf.Reset()
	require.NoError(t, NewPrinter(&buf, FormatJSON, false).Approvals(nil))
	assert.Equal(t, "[]\n", buf.String())

	buf.Reset()
	require.NoError(t, NewPrinter(&buf, FormatTable, false).Approval(approvals[1]))
	assert.Contains(t, buf.String(), "succeeded, result m-1")
}

func TestPrinter_Remediation(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	residual := driftReport()
	result := &types.RemediationResult{
		ID:          "m-1",
		ReportRef:   "r-1234",
		Environment: "dev",
		StartedAt:   start,
		FinishedAt:  start.Add(1500 * time.Millisecond),
		Outcome:     types.OutcomeIncomplete,
		AppliedActions: []types.AppliedAction{
			{Kind: types.ActionStart, ResourceID: "container/web-2", Attempts: 1},
			{Kind: types.ActionSkip, ResourceID: "container/debug", Skipped: true, Reason: "extra resources are left alone"},
		},
		ResidualDrift: residual,
	}

	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, FormatTable, false).Remediation(result))
	out := buf.String()
	assert.Contains(t, out, "incomplete")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "skipped: extra resources are left alone")
	assert.Contains(t, out, "Residual drift:")
}

func TestPrinter_Cycle(t *testing.T) {
	result := &reconciler.CycleResult{
		Environment: "dev",
		Report:      driftReport(),
		Decision:    reconciler.DecisionApprovalRequested,
		Approval:    &types.ApprovalRequest{ID: "a-9"},
		Duration:    250 * time.Millisecond,
	}

	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, FormatTable, false).Cycle(result))
	assert.Contains(t, buf.String(), "approval request a-9 opened")

	buf.Reset()
	result.RemediationErr = errors.New("boom")
	require.NoError(t, NewPrinter(&buf, FormatJSON, false).Cycle(result))

	var view map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &view))
	assert.Equal(t, "approval_requested", view["decision"])
	assert.Equal(t, "boom", view["remediation_error"])
	assert.Equal(t, float64(250), view["duration_ms"])
}

func TestPrinter_Status(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, FormatTable, false).Status(MonitorStatus{Environment: "dev"}))
	assert.Contains(t, buf.String(), "No monitor running for dev")

	buf.Reset()
	status := MonitorStatus{
		Environment: "dev",
		Running:     true,
		Marker: &types.MarkerInfo{
			Environment: "dev",
			PID:         4242,
			Hostname:    "ops-1",
			Session: &types.MonitorSession{
				State:               types.MonitorDegraded,
				ConsecutiveFailures: 2,
				MaxFailures:         5,
				LastError:           "docker daemon not reachable",
			},
		},
	}
	require.NoError(t, NewPrinter(&buf, FormatTable, false).Status(status))
	out := buf.String()
	assert.Contains(t, out, "degraded")
	assert.Contains(t, out, "4242 on ops-1")
	assert.Contains(t, out, "2 of 5")
	assert.Contains(t, out, "docker daemon not reachable")
}

func TestColorEnabled(t *testing.T) {
	var buf bytes.Buffer
	assert.False(t, ColorEnabled(&buf, false), "buffers are not terminals")

	t.Setenv("NO_COLOR", "1")
	assert.False(t, ColorEnabled(&buf, false))
}

func rollbackPlan() *types.RollbackPlan {
	return &types.RollbackPlan{
		RemediationID: "m-1",
		Environment:   "dev",
		Provider:      "manifest",
		BackupTakenAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Changes:       driftReport().Findings,
		Steps: []types.RollbackStep{
			{Kind: types.StepRestoreDeclaration, Description: "restore the manifest declaration", Status: types.StepDone},
			{Kind: types.StepApply, Description: "apply the restored declaration to dev", Status: types.StepFailed, Error: "compose exited 1"},
			{Kind: types.StepVerify, Description: "verify dev", Status: types.StepPending},
		},
	}
}

func TestPrinter_RollbackPlan(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, FormatTable, false).RollbackPlan(rollbackPlan()))

	out := buf.String()
	assert.Contains(t, out, "Rollback of")
	assert.Contains(t, out, "m-1")
	assert.Contains(t, out, "restore_declaration")
	assert.Contains(t, out, "failed: compose exited 1")
	assert.Contains(t, out, "container/web-2")
}

func TestPrinter_RollbackResult(t *testing.T) {
	var buf bytes.Buffer
	result := &types.RollbackResult{Plan: rollbackPlan(), DryRun: true, Succeeded: true}
	require.NoError(t, NewPrinter(&buf, FormatTable, false).Rollback(result))
	assert.Contains(t, buf.String(), "Dry run: nothing was changed")

	buf.Reset()
	require.NoError(t, NewPrinter(&buf, FormatJSON, false).Rollback(result))
	var decoded types.RollbackResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.True(t, decoded.DryRun)
	assert.Equal(t, types.StepFailed, decoded.Plan.Steps[1].Status)
}

func TestPrinter_Rollbacks(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, FormatTable, false).Rollbacks(nil))
	assert.Contains(t, buf.String(), "No remediations with a saved declaration")

	buf.Reset()
	results := []*types.RemediationResult{{
		ID:             "m-1",
		Environment:    "dev",
		StartedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Outcome:        types.OutcomeSucceeded,
		BackupProvider: "manifest",
		BackupSource:   []byte("containers: []"),
		BackupDesired:  &types.Snapshot{Containers: []types.ContainerState{{Name: "web"}}},
	}}
	require.NoError(t, NewPrinter(&buf, FormatJSON, false).Rollbacks(results))
	var items []map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "manifest", items[0]["provider"])
	assert.Equal(t, float64(1), items[0]["containers"])
}
