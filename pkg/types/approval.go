package types

import "time"

// ApprovalStatus is the lifecycle status of an approval request
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// IsValid checks if the status is one of the known values
func (s ApprovalStatus) IsValid() bool {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalRejected, ApprovalExpired:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed
func (s ApprovalStatus) IsTerminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

// RemediationState tracks the execution that follows an approval
type RemediationState string

const (
	RemediationNone            RemediationState = ""
	RemediationRunning         RemediationState = "running"
	RemediationCancelRequested RemediationState = "cancel_requested"
	RemediationSucceeded       RemediationState = "succeeded"
	RemediationFailed          RemediationState = "failed"
	RemediationCancelled       RemediationState = "cancelled"
)

// SystemActor is recorded as the decider of automatic transitions
const SystemActor = "system"

// ApprovalRemediation records the outcome of the remediation an approval
// triggered. It is kept apart from Status: approval records intent, not
// success.
type ApprovalRemediation struct {
	State     RemediationState `json:"state,omitempty"`
	ResultRef string           `json:"result_ref,omitempty"`
	Error     string           `json:"error,omitempty"`
	// CancelledBy names who asked for the running remediation to stop
	CancelledBy string    `json:"cancelled_by,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// ApprovalRequest gates a remediation behind a human decision
type ApprovalRequest struct {
	ID             string              `json:"id"`
	CreatedAt      time.Time           `json:"created_at"`
	Status         ApprovalStatus      `json:"status"`
	DriftReportRef string              `json:"drift_report_ref"`
	Environment    string              `json:"environment"`
	Summary        string              `json:"summary"`
	Approvers      []string            `json:"approvers,omitempty"`
	ExpiresAt      time.Time           `json:"expires_at"`
	DecidedBy      string              `json:"decided_by,omitempty"`
	DecidedAt      time.Time           `json:"decided_at,omitempty"`
	Reason         string              `json:"reason,omitempty"`
	Remediation    ApprovalRemediation `json:"remediation"`
}

// IsExpired reports whether a pending request has passed its expiry at now
func (a *ApprovalRequest) IsExpired(now time.Time) bool {
	return a.Status == ApprovalPending && !now.Before(a.ExpiresAt)
}

// CanBeApprovedBy reports whether the identity is allowed to approve. An
// empty approver set allows anyone.
func (a *ApprovalRequest) CanBeApprovedBy(identity string) bool {
	if len(a.Approvers) == 0 {
		return true
	}
	for _, approver := range a.Approvers {
		if approver == identity {
			return true
		}
	}
	return false
}
