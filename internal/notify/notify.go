// Package notify delivers workflow events to a webhook endpoint.
package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yairfalse/vahti/pkg/types"
)

// EventType names a workflow event
type EventType string

const (
	EventDriftDetected        EventType = "drift_detected"
	EventApprovalRequired     EventType = "approval_required"
	EventApprovalDecided      EventType = "approval_decided"
	EventApprovalExpired      EventType = "approval_expired"
	EventRemediationCompleted EventType = "remediation_completed"
	EventRemediationFailed    EventType = "remediation_failed"
	EventMonitorHalted        EventType = "monitor_halted"
)

// TopFindingsLimit bounds how many findings a message lists
const TopFindingsLimit = 5

// Event is one notification
type Event struct {
	Type        EventType
	Environment string
	Timestamp   time.Time
	Title       string
	Message     string
	ReportID    string
	ApprovalID  string
	// Summary and Findings are filled from the report when one is attached
	Summary  *types.DriftSummary
	Findings []types.DriftFinding
	Fields   map[string]string
}

// Notifier delivers events
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Nop discards every event; used when no webhook is configured
type Nop struct{}

func (Nop) Notify(ctx context.Context, event Event) error { return nil }

// ForReport builds an event carrying the report summary and its most
// severe findings
func ForReport(eventType EventType, report *types.DriftReport, title string) Event {
	summary := report.Summary
	return Event{
		Type:        eventType,
		Environment: report.Environment,
		Timestamp:   time.Now().UTC(),
		Title:       title,
		ReportID:    report.ID,
		Summary:     &summary,
		Findings:    types.TopFindings(report.Findings, TopFindingsLimit),
	}
}

// Send delivers event and logs a failure instead of returning it. Delivery
// problems never interrupt the caller's workflow.
func Send(ctx context.Context, n Notifier, event Event, log logrus.FieldLogger) {
	if n == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := n.Notify(ctx, event); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"event":       event.Type,
			"environment": event.Environment,
		}).Warn("Notification failed")
	}
}
