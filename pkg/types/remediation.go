package types

import "time"

// ActionKind is a corrective action the executor can take
type ActionKind string

const (
	ActionReconcile ActionKind = "reconcile"
	ActionRestart   ActionKind = "restart"
	ActionStart     ActionKind = "start"
	ActionRemove    ActionKind = "remove"
	ActionSkip      ActionKind = "skip"
)

// RemediationOutcome is the overall result of a remediation run
type RemediationOutcome string

const (
	OutcomeSucceeded  RemediationOutcome = "succeeded"
	OutcomeIncomplete RemediationOutcome = "incomplete"
	OutcomeFailed     RemediationOutcome = "failed"
	OutcomeCancelled  RemediationOutcome = "cancelled"
)

// AppliedAction records one executed (or skipped) action with the resource
// state observed before and after it
type AppliedAction struct {
	Kind        ActionKind      `json:"kind"`
	ResourceID  string          `json:"resource_id,omitempty"`
	FindingKind FindingKind     `json:"finding_kind,omitempty"`
	Attempts    int             `json:"attempts"`
	Before      *ContainerState `json:"before,omitempty"`
	After       *ContainerState `json:"after,omitempty"`
	Error       string          `json:"error,omitempty"`
	Skipped     bool            `json:"skipped,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	Duration    time.Duration   `json:"duration"`
}

// RemediationResult is the persisted audit record of a remediation run
type RemediationResult struct {
	ID             string             `json:"id"`
	ReportRef      string             `json:"report_ref"`
	ApprovalRef    string             `json:"approval_ref,omitempty"`
	Environment    string             `json:"environment"`
	StartedAt      time.Time          `json:"started_at"`
	FinishedAt     time.Time          `json:"finished_at"`
	AppliedActions []AppliedAction    `json:"applied_actions"`
	ResidualDrift  *DriftReport       `json:"residual_drift,omitempty"`
	Outcome        RemediationOutcome `json:"outcome"`
	Error          string             `json:"error,omitempty"`
	// Backup holds the declared state and the snapshot taken before any
	// action ran.
	BackupDesired  *Snapshot `json:"backup_desired,omitempty"`
	BackupSnapshot *Snapshot `json:"backup_snapshot,omitempty"`
	// BackupSource is the raw declaration as the provider named by
	// BackupProvider stores it; rollback writes it back.
	BackupProvider string `json:"backup_provider,omitempty"`
	BackupSource   []byte `json:"backup_source,omitempty"`
}

// CanRollback reports whether the run saved a declaration to restore
func (r *RemediationResult) CanRollback() bool {
	return r.BackupProvider != "" && len(r.BackupSource) > 0
}

// HasResidualDrift reports whether drift remained after the run
func (r *RemediationResult) HasResidualDrift() bool {
	return r.ResidualDrift != nil && r.ResidualDrift.HasDrift
}
