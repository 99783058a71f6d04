package output

import (
	"fmt"
	"time"

	"github.com/fatih/color"

	"github.com/yairfalse/vahti/pkg/types"
)

type rollbackListItem struct {
	ID          string                   `json:"id"`
	StartedAt   string                   `json:"started_at"`
	Environment string                   `json:"environment"`
	Provider    string                   `json:"provider"`
	Outcome     types.RemediationOutcome `json:"outcome"`
	Containers  int                      `json:"containers"`
}

// Rollbacks prints the remediations whose declaration can be restored
func (p *Printer) Rollbacks(results []*types.RemediationResult) error {
	items := make([]rollbackListItem, 0, len(results))
	for _, r := range results {
		item := rollbackListItem{
			ID:          r.ID,
			StartedAt:   r.StartedAt.UTC().Format(time.RFC3339),
			Environment: r.Environment,
			Provider:    r.BackupProvider,
			Outcome:     r.Outcome,
		}
		if r.BackupDesired != nil {
			item.Containers = len(r.BackupDesired.Containers)
		}
		items = append(items, item)
	}
	if p.Structured() {
		return p.structured(items)
	}

	if len(items) == 0 {
		fmt.Fprintln(p.out, "No remediations with a saved declaration")
		return nil
	}

	w := newTabWriter(p.out)
	fmt.Fprintln(w, "ID\tTIME\tENVIRONMENT\tPROVIDER\tCONTAINERS\tOUTCOME")
	for i, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", item.ID, formatTime(results[i].StartedAt),
			item.Environment, item.Provider, item.Containers, p.outcome(item.Outcome))
	}
	return w.Flush()
}

// RollbackPlan prints what a rollback would do
func (p *Printer) RollbackPlan(plan *types.RollbackPlan) error {
	if p.Structured() {
		return p.structured(plan)
	}
	p.rollbackHeader(plan)
	p.rollbackSteps(plan.Steps)

	fmt.Fprintln(p.out)
	if len(plan.Changes) == 0 {
		fmt.Fprintln(p.out, "The current declaration matches the saved one")
		return nil
	}
	fmt.Fprintln(p.out, "Saved declaration (expected) against the current one (actual):")
	p.findingsTable(plan.Changes)
	return nil
}

// Rollback prints an executed or simulated rollback
func (p *Printer) Rollback(result *types.RollbackResult) error {
	if p.Structured() {
		return p.structured(result)
	}
	p.rollbackHeader(result.Plan)
	p.rollbackSteps(result.Plan.Steps)
	fmt.Fprintln(p.out)

	switch {
	case result.DryRun:
		fmt.Fprintln(p.out, p.colorize("Dry run: nothing was changed", color.FgCyan))
	case result.Succeeded:
		fmt.Fprintln(p.out, p.colorize("Rolled back "+result.Plan.Environment, color.FgGreen, color.Bold))
	default:
		fmt.Fprintln(p.out, p.colorize("Rollback failed: "+result.Error, color.FgRed, color.Bold))
	}

	if result.ResidualDrift != nil && result.ResidualDrift.HasDrift {
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, p.colorize("Residual drift:", color.FgYellow, color.Bold))
		p.findingsTable(result.ResidualDrift.Findings)
	}
	return nil
}

func (p *Printer) rollbackHeader(plan *types.RollbackPlan) {
	w := newTabWriter(p.out)
	fmt.Fprintf(w, "Rollback of\t%s\n", plan.RemediationID)
	fmt.Fprintf(w, "Environment:\t%s\n", plan.Environment)
	fmt.Fprintf(w, "Provider:\t%s\n", plan.Provider)
	fmt.Fprintf(w, "Saved:\t%s\n", formatTime(plan.BackupTakenAt))
	w.Flush()
	fmt.Fprintln(p.out)
}

func (p *Printer) rollbackSteps(steps []types.RollbackStep) {
	w := newTabWriter(p.out)
	fmt.Fprintln(w, "#\tSTEP\tDESCRIPTION\tSTATUS")
	for i, s := range steps {
		status := string(s.Status)
		switch s.Status {
		case types.StepDone:
			status = p.colorize(status, color.FgGreen)
		case types.StepFailed:
			status = p.colorize(status+": "+s.Error, color.FgRed)
		case types.StepSimulated:
			status = p.colorize(status, color.FgCyan)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, s.Kind, s.Description, status)
	}
	w.Flush()
}
