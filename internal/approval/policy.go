package approval

import (
	"fmt"
	"strings"

	"github.com/yairfalse/vahti/pkg/types"
)

// Threshold is the highest severity that may be remediated without a
// human decision
type Threshold string

const (
	ThresholdNone     Threshold = "none"
	ThresholdInfo     Threshold = "info"
	ThresholdWarning  Threshold = "warning"
	ThresholdCritical Threshold = "critical"
)

// ParseThreshold accepts none, info, warning (or warning-only) and
// critical (or all)
func ParseThreshold(s string) (Threshold, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return ThresholdNone, nil
	case "info":
		return ThresholdInfo, nil
	case "", "warning", "warning-only":
		return ThresholdWarning, nil
	case "critical", "all":
		return ThresholdCritical, nil
	default:
		return "", fmt.Errorf("unknown auto-approve threshold %q", s)
	}
}

func (t Threshold) rank() int {
	if t == ThresholdNone {
		return 0
	}
	return types.Severity(t).Rank()
}

// RequiresApproval reports whether remediating report must wait for a
// human. Reports without drift never do; otherwise any finding above the
// threshold gates the whole report.
func RequiresApproval(report *types.DriftReport, threshold Threshold) bool {
	if report == nil || !report.HasDrift {
		return false
	}
	return report.MaxSeverity().Rank() > threshold.rank()
}

// Summarize renders the top n findings, most severe first
func Summarize(report *types.DriftReport, n int) string {
	if n <= 0 {
		n = 5
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d finding(s) in %s: %d critical, %d warning, %d info",
		len(report.Findings), report.Environment,
		report.Summary.BySeverity[types.SeverityCritical],
		report.Summary.BySeverity[types.SeverityWarning],
		report.Summary.BySeverity[types.SeverityInfo])

	top := types.TopFindings(report.Findings, n)
	for _, f := range top {
		fmt.Fprintf(&sb, "\n- [%s] %s: %s", f.Severity, f.ResourceID, f.Message)
	}
	if rest := len(report.Findings) - len(top); rest > 0 {
		fmt.Fprintf(&sb, "\n... and %d more", rest)
	}
	return sb.String()
}
