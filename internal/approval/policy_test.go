package approval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/pkg/types"
)

func TestParseThreshold(t *testing.T) {
	tests := map[string]Threshold{
		"none":         ThresholdNone,
		"info":         ThresholdInfo,
		"warning":      ThresholdWarning,
		"warning-only": ThresholdWarning,
		"Warning-Only": ThresholdWarning,
		"":             ThresholdWarning,
		"critical":     ThresholdCritical,
		"all":          ThresholdCritical,
	}
	for in, want := range tests {
		got, err := ParseThreshold(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseThreshold("severe")
	assert.Error(t, err)
}

func TestRequiresApproval(t *testing.T) {
	tests := []struct {
		name       string
		threshold  Threshold
		severities []types.Severity
		want       bool
	}{
		{"no drift never gates", ThresholdNone, nil, false},
		{"warning-only auto-approves warnings", ThresholdWarning, []types.Severity{types.SeverityWarning, types.SeverityInfo}, false},
		{"warning gates critical", ThresholdWarning, []types.Severity{types.SeverityWarning, types.SeverityCritical}, true},
		{"info gates warnings", ThresholdInfo, []types.Severity{types.SeverityWarning}, true},
		{"none gates everything", ThresholdNone, []types.Severity{types.SeverityInfo}, true},
		{"all auto-approves everything", ThresholdCritical, []types.Severity{types.SeverityCritical}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := driftReport(t, nil, "r", tt.severities...)
			assert.Equal(t, tt.want, RequiresApproval(report, tt.threshold))
		})
	}
}

func TestSummarize(t *testing.T) {
	report := driftReport(t, nil, "r",
		types.SeverityInfo, types.SeverityWarning, types.SeverityCritical,
		types.SeverityWarning, types.SeverityInfo, types.SeverityCritical, types.SeverityInfo)

	summary := Summarize(report, 5)
	lines := strings.Split(summary, "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, "7 finding(s) in dev: 2 critical, 2 warning, 3 info", lines[0])
	assert.Equal(t, "- [critical] container/web-3: container web-3 is declared but not present", lines[1])
	assert.Contains(t, lines[2], "container/web-6")
	assert.Contains(t, lines[3], "[warning] container/web-2")
	assert.Equal(t, "... and 2 more", lines[6])
}
