package output

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/yairfalse/vahti/internal/reconciler"
	"github.com/yairfalse/vahti/pkg/types"
)

const cellWidth = 32

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// Report prints one drift report
func (p *Printer) Report(report *types.DriftReport) error {
	switch p.format {
	case FormatJSON, FormatYAML:
		return p.structured(report)
	case FormatDiff:
		return p.diff(report)
	}

	w := newTabWriter(p.out)
	fmt.Fprintf(w, "Drift report\t%s\n", report.ID)
	fmt.Fprintf(w, "Environment:\t%s\n", report.Environment)
	fmt.Fprintf(w, "Time:\t%s\n", formatTime(report.Timestamp))
	fmt.Fprintf(w, "Desired:\t%s\n", orDash(report.DesiredID))
	fmt.Fprintf(w, "Snapshot:\t%s\n", orDash(report.SnapshotID))
	w.Flush()
	fmt.Fprintln(p.out)

	if !report.HasDrift {
		fmt.Fprintln(p.out, p.colorize("No drift detected in "+report.Environment, color.FgGreen))
		return nil
	}

	p.findingsTable(types.TopFindings(report.Findings, len(report.Findings)))
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, p.summaryLine(report))
	return nil
}

func (p *Printer) findingsTable(findings []types.DriftFinding) {
	w := newTabWriter(p.out)
	// Severity is last so its color codes do not skew the column widths
	fmt.Fprintln(w, "RESOURCE\tKIND\tFIELD\tEXPECTED\tACTUAL\tSEVERITY")
	for _, f := range findings {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			f.ResourceID,
			f.Kind,
			orDash(f.Field),
			orDash(truncateString(f.Expected, cellWidth)),
			orDash(truncateString(f.Actual, cellWidth)),
			p.severity(f.Severity),
		)
	}
	w.Flush()
}

func (p *Printer) summaryLine(report *types.DriftReport) string {
	by := report.Summary.BySeverity
	return fmt.Sprintf("%s: %s critical, %s warning, %s info",
		plural(len(report.Findings), "finding"),
		p.colorize(fmt.Sprint(by[types.SeverityCritical]), color.FgRed, color.Bold),
		p.colorize(fmt.Sprint(by[types.SeverityWarning]), color.FgYellow),
		p.colorize(fmt.Sprint(by[types.SeverityInfo]), color.FgCyan),
	)
}

func (p *Printer) severity(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return p.colorize(string(s), color.FgRed, color.Bold)
	case types.SeverityWarning:
		return p.colorize(string(s), color.FgYellow)
	default:
		return p.colorize(string(s), color.FgCyan)
	}
}

type reportListItem struct {
	ID          string `json:"id"`
	Timestamp   string `json:"timestamp"`
	Environment string `json:"environment"`
	Findings    int    `json:"findings"`
	Critical    int    `json:"critical"`
}

// Reports prints a list of stored reports
func (p *Printer) Reports(reports []*types.DriftReport) error {
	if p.Structured() {
		items := make([]reportListItem, 0, len(reports))
		for _, r := range reports {
			items = append(items, reportListItem{
				ID:          r.ID,
				Timestamp:   r.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
				Environment: r.Environment,
				Findings:    len(r.Findings),
				Critical:    r.CriticalCount(),
			})
		}
		return p.structured(items)
	}

	if len(reports) == 0 {
		fmt.Fprintln(p.out, "No drift reports stored")
		return nil
	}

	w := newTabWriter(p.out)
	fmt.Fprintln(w, "ID\tTIME\tENVIRONMENT\tFINDINGS\tCRITICAL")
	for _, r := range reports {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", r.ID, formatTime(r.Timestamp), r.Environment, len(r.Findings), r.CriticalCount())
	}
	return w.Flush()
}

// Approval prints one approval request
func (p *Printer) Approval(a *types.ApprovalRequest) error {
	if p.Structured() {
		return p.structured(a)
	}

	w := newTabWriter(p.out)
	fmt.Fprintf(w, "Approval request\t%s\n", a.ID)
	fmt.Fprintf(w, "Status:\t%s\n", p.status(a.Status))
	fmt.Fprintf(w, "Environment:\t%s\n", a.Environment)
	fmt.Fprintf(w, "Drift report:\t%s\n", a.DriftReportRef)
	fmt.Fprintf(w, "Created:\t%s\n", formatTime(a.CreatedAt))
	fmt.Fprintf(w, "Expires:\t%s\n", formatTime(a.ExpiresAt))
	if len(a.Approvers) > 0 {
		fmt.Fprintf(w, "Approvers:\t%s\n", strings.Join(a.Approvers, ", "))
	}
	if a.DecidedBy != "" {
		fmt.Fprintf(w, "Decided by:\t%s at %s\n", a.DecidedBy, formatTime(a.DecidedAt))
	}
	if a.Reason != "" {
		fmt.Fprintf(w, "Reason:\t%s\n", a.Reason)
	}
	if a.Remediation.State != types.RemediationNone {
		fmt.Fprintf(w, "Remediation:\t%s\n", remediationCell(a.Remediation))
	}
	w.Flush()

	if a.Summary != "" {
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, a.Summary)
	}
	return nil
}

// Approvals prints a list of approval requests
func (p *Printer) Approvals(approvals []*types.ApprovalRequest) error {
	if p.Structured() {
		if approvals == nil {
			approvals = []*types.ApprovalRequest{}
		}
		return p.structured(approvals)
	}

	if len(approvals) == 0 {
		fmt.Fprintln(p.out, "No approval requests")
		return nil
	}

	w := newTabWriter(p.out)
	fmt.Fprintln(w, "ID\tENVIRONMENT\tREPORT\tCREATED\tEXPIRES\tDECIDED BY\tREMEDIATION\tSTATUS")
	for _, a := range approvals {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID,
			a.Environment,
			truncateString(a.DriftReportRef, 12),
			formatTime(a.CreatedAt),
			formatTime(a.ExpiresAt),
			orDash(a.DecidedBy),
			orDash(string(a.Remediation.State)),
			p.status(a.Status),
		)
	}
	return w.Flush()
}

func remediationCell(r types.ApprovalRemediation) string {
	parts := []string{string(r.State)}
	if r.ResultRef != "" {
		parts = append(parts, "result "+r.ResultRef)
	}
	if r.CancelledBy != "" {
		parts = append(parts, "cancelled by "+r.CancelledBy)
	}
	if r.Error != "" {
		parts = append(parts, r.Error)
	}
	return strings.Join(parts, ", ")
}

func (p *Printer) status(s types.ApprovalStatus) string {
	switch s {
	case types.ApprovalPending:
		return p.colorize(string(s), color.FgYellow, color.Bold)
	case types.ApprovalApproved:
		return p.colorize(string(s), color.FgGreen)
	case types.ApprovalRejected:
		return p.colorize(string(s), color.FgRed)
	default:
		return p.colorize(string(s), color.Faint)
	}
}

// Remediation prints a remediation result
func (p *Printer) Remediation(r *types.RemediationResult) error {
	if p.Structured() {
		return p.structured(r)
	}

	w := newTabWriter(p.out)
	fmt.Fprintf(w, "Remediation\t%s\n", r.ID)
	fmt.Fprintf(w, "Outcome:\t%s\n", p.outcome(r.Outcome))
	fmt.Fprintf(w, "Environment:\t%s\n", r.Environment)
	fmt.Fprintf(w, "Drift report:\t%s\n", r.ReportRef)
	if r.ApprovalRef != "" {
		fmt.Fprintf(w, "Approval:\t%s\n", r.ApprovalRef)
	}
	fmt.Fprintf(w, "Started:\t%s\n", formatTime(r.StartedAt))
	fmt.Fprintf(w, "Duration:\t%s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", r.Error)
	}
	w.Flush()

	if len(r.AppliedActions) > 0 {
		fmt.Fprintln(p.out)
		w = newTabWriter(p.out)
		fmt.Fprintln(w, "ACTION\tRESOURCE\tATTEMPTS\tRESULT")
		for _, a := range r.AppliedActions {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", a.Kind, orDash(a.ResourceID), a.Attempts, p.actionResult(a))
		}
		w.Flush()
	}

	if r.HasResidualDrift() {
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, p.colorize("Residual drift:", color.FgYellow, color.Bold))
		p.findingsTable(r.ResidualDrift.Findings)
	}
	return nil
}

func (p *Printer) actionResult(a types.AppliedAction) string {
	switch {
	case a.Error != "":
		return p.colorize("error: "+a.Error, color.FgRed)
	case a.Skipped:
		return p.colorize("skipped: "+a.Reason, color.Faint)
	default:
		return p.colorize("ok", color.FgGreen)
	}
}

func (p *Printer) outcome(o types.RemediationOutcome) string {
	switch o {
	case types.OutcomeSucceeded:
		return p.colorize(string(o), color.FgGreen, color.Bold)
	case types.OutcomeIncomplete:
		return p.colorize(string(o), color.FgYellow, color.Bold)
	case types.OutcomeFailed:
		return p.colorize(string(o), color.FgRed, color.Bold)
	default:
		return p.colorize(string(o), color.Faint)
	}
}

type cycleView struct {
	Environment    string                   `json:"environment"`
	Decision       reconciler.Decision      `json:"decision"`
	Report         *types.DriftReport       `json:"report,omitempty"`
	Approval       *types.ApprovalRequest   `json:"approval,omitempty"`
	Remediation    *types.RemediationResult `json:"remediation,omitempty"`
	Superseded     []string                 `json:"superseded,omitempty"`
	ApprovalErr    string                   `json:"approval_error,omitempty"`
	RemediationErr string                   `json:"remediation_error,omitempty"`
	DurationMS     int64                    `json:"duration_ms"`
}

// Cycle prints the result of one check cycle
func (p *Printer) Cycle(result *reconciler.CycleResult) error {
	if p.Structured() {
		view := cycleView{
			Environment: result.Environment,
			Decision:    result.Decision,
			Report:      result.Report,
			Approval:    result.Approval,
			Remediation: result.Remediation,
			DurationMS:  result.Duration.Milliseconds(),
		}
		for _, a := range result.Superseded {
			view.Superseded = append(view.Superseded, a.ID)
		}
		if result.ApprovalErr != nil {
			view.ApprovalErr = result.ApprovalErr.Error()
		}
		if result.RemediationErr != nil {
			view.RemediationErr = result.RemediationErr.Error()
		}
		return p.structured(view)
	}

	if result.Report != nil {
		if err := p.Report(result.Report); err != nil {
			return err
		}
	}
	if p.format == FormatDiff {
		return nil
	}

	switch result.Decision {
	case reconciler.DecisionApprovalRequested:
		fmt.Fprintf(p.out, "\n%s approval request %s opened, waiting for a decision\n",
			p.colorize("!", color.FgYellow, color.Bold), result.Approval.ID)
	case reconciler.DecisionApprovalPending:
		fmt.Fprintf(p.out, "\n%s approval request %s is still pending for this drift\n",
			p.colorize("!", color.FgYellow, color.Bold), result.Approval.ID)
	case reconciler.DecisionAutoRemediated:
		if result.Remediation != nil {
			fmt.Fprintf(p.out, "\nAutomatic remediation %s: %s\n", result.Remediation.ID, p.outcome(result.Remediation.Outcome))
		}
	}
	if len(result.Superseded) > 0 {
		fmt.Fprintf(p.out, "Closed %s\n", plural(len(result.Superseded), "older approval request"))
	}
	if result.ApprovalErr != nil {
		fmt.Fprintln(p.out, p.colorize("Approval request failed: "+result.ApprovalErr.Error(), color.FgRed))
	}
	if result.RemediationErr != nil && result.Remediation == nil {
		fmt.Fprintln(p.out, p.colorize("Remediation failed: "+result.RemediationErr.Error(), color.FgRed))
	}
	return nil
}

// MonitorStatus is what `monitor status` knows about an environment
type MonitorStatus struct {
	Environment string            `json:"environment"`
	Running     bool              `json:"running"`
	Stale       bool              `json:"stale,omitempty"`
	Marker      *types.MarkerInfo `json:"marker,omitempty"`
}

// Status prints the monitor status of an environment
func (p *Printer) Status(s MonitorStatus) error {
	if p.Structured() {
		return p.structured(s)
	}

	if s.Marker == nil {
		fmt.Fprintf(p.out, "No monitor running for %s\n", s.Environment)
		return nil
	}

	state := p.colorize("running", color.FgGreen, color.Bold)
	switch {
	case s.Stale:
		state = p.colorize("stale", color.FgRed, color.Bold)
	case s.Marker.Session != nil && s.Marker.Session.State == types.MonitorDegraded:
		state = p.colorize("degraded", color.FgYellow, color.Bold)
	}

	w := newTabWriter(p.out)
	fmt.Fprintf(w, "Monitor\t%s\n", s.Environment)
	fmt.Fprintf(w, "State:\t%s\n", state)
	fmt.Fprintf(w, "Process:\t%d on %s\n", s.Marker.PID, s.Marker.Hostname)
	fmt.Fprintf(w, "Started:\t%s\n", formatTime(s.Marker.StartedAt))
	fmt.Fprintf(w, "Heartbeat:\t%s\n", formatTime(s.Marker.HeartbeatAt))
	if session := s.Marker.Session; session != nil {
		fmt.Fprintf(w, "Interval:\t%s\n", session.Interval)
		fmt.Fprintf(w, "Cycles:\t%d\n", session.Cycles)
		fmt.Fprintf(w, "Failures:\t%d of %d\n", session.ConsecutiveFailures, session.MaxFailures)
		fmt.Fprintf(w, "Last check:\t%s\n", formatTime(session.LastCheckAt))
		fmt.Fprintf(w, "Last success:\t%s\n", formatTime(session.LastSuccessAt))
		if session.LastReportID != "" {
			fmt.Fprintf(w, "Last report:\t%s\n", session.LastReportID)
		}
		if session.LastError != "" {
			fmt.Fprintf(w, "Last error:\t%s\n", session.LastError)
		}
	}
	return w.Flush()
}
