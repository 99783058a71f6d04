package types

import "time"

// RollbackStepKind orders the steps of a rollback
type RollbackStepKind string

const (
	StepRestoreDeclaration RollbackStepKind = "restore_declaration"
	StepApply              RollbackStepKind = "apply"
	StepVerify             RollbackStepKind = "verify"
)

// StepStatus is the progress of one rollback step
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepDone      StepStatus = "done"
	StepFailed    StepStatus = "failed"
	StepSimulated StepStatus = "simulated"
)

type RollbackStep struct {
	Kind        RollbackStepKind `json:"kind"`
	Description string           `json:"description"`
	Status      StepStatus       `json:"status"`
	Error       string           `json:"error,omitempty"`
}

// RollbackPlan describes how restoring the declaration saved by a
// remediation would proceed. Changes lists how the current declaration
// differs from the saved one.
type RollbackPlan struct {
	RemediationID string         `json:"remediation_id"`
	Environment   string         `json:"environment"`
	Provider      string         `json:"provider"`
	BackupTakenAt time.Time      `json:"backup_taken_at"`
	Changes       []DriftFinding `json:"changes"`
	Steps         []RollbackStep `json:"steps"`
}

// RollbackResult records one executed or simulated rollback
type RollbackResult struct {
	Plan          *RollbackPlan `json:"plan"`
	DryRun        bool          `json:"dry_run"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	ResidualDrift *DriftReport  `json:"residual_drift,omitempty"`
	Succeeded     bool          `json:"succeeded"`
	Error         string        `json:"error,omitempty"`
}
