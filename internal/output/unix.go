package output

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/yairfalse/vahti/pkg/types"
)

// diff prints findings like git diff: declared state on the minus side,
// observed state on the plus side. A clean report prints nothing.
func (p *Printer) diff(report *types.DriftReport) error {
	if !report.HasDrift {
		return nil
	}

	// Group findings by resource, keeping first-seen order
	var order []string
	byResource := make(map[string][]types.DriftFinding)
	for _, f := range report.Findings {
		if _, seen := byResource[f.ResourceID]; !seen {
			order = append(order, f.ResourceID)
		}
		byResource[f.ResourceID] = append(byResource[f.ResourceID], f)
	}

	var out strings.Builder
	for _, resource := range order {
		out.WriteString(p.colorize(fmt.Sprintf("--- %s (declared)\n", resource), color.Bold))
		out.WriteString(p.colorize(fmt.Sprintf("+++ %s (actual)\n", resource), color.Bold))

		for _, f := range byResource[resource] {
			field := f.Field
			if field == "" {
				field = string(f.Kind)
			}
			out.WriteString(p.colorize(fmt.Sprintf("@@ %s [%s] @@\n", field, f.Severity), color.FgCyan))
			if f.Expected != "" {
				out.WriteString(p.colorize(fmt.Sprintf("-%s: %s\n", field, f.Expected), color.FgRed))
			}
			if f.Actual != "" {
				out.WriteString(p.colorize(fmt.Sprintf("+%s: %s\n", field, f.Actual), color.FgGreen))
			}
		}
		out.WriteString("\n")
	}

	by := report.Summary.ByKind
	out.WriteString(fmt.Sprintf("%s changed: %d missing, %d extra, %d modified\n",
		plural(len(order), "resource"),
		by[types.MissingResource],
		by[types.ExtraResource],
		by[types.StateMismatch]+by[types.HealthDegraded]+by[types.ConfigDrift]))

	_, err := fmt.Fprint(p.out, out.String())
	return err
}
