package errors

import (
	"fmt"
	"strings"
)

// CollectorUnavailable creates an error for an unreachable container runtime
func CollectorUnavailable(runtime string, originalErr error) *VahtiError {
	err := Wrap(originalErr, ErrorTypeCollectorUnavailable, runtime, fmt.Sprintf("%s runtime unavailable", runtime))

	if originalErr != nil {
		errStr := originalErr.Error()
		switch {
		case strings.Contains(errStr, "executable file not found"):
			err.WithCause("runtime CLI not installed or not on PATH")
		case strings.Contains(errStr, "permission denied"):
			err.WithCause("no permission to talk to the runtime")
		case strings.Contains(errStr, "deadline exceeded"):
			err.WithCause("runtime did not answer before the collection timeout")
		}
	}

	switch runtime {
	case "docker":
		err.WithSolutions(
			"Start the Docker daemon",
			"Check that the current user can access the Docker socket",
		)
		err.WithVerify("docker info")
	case "kubernetes":
		err.WithSolutions(
			"Check the kubeconfig path and context in the runtime section of the config",
			"Confirm the cluster API server is reachable",
		)
		err.WithVerify("kubectl get deployments")
	}

	return err
}

// ProviderFailure creates an error for a desired-state provider that could not
// report or apply its declared state
func ProviderFailure(provider, operation string, originalErr error) *VahtiError {
	err := Wrap(originalErr, ErrorTypeProvider, provider, fmt.Sprintf("%s provider failed to %s", provider, operation))
	if provider == "terraform" {
		err.WithSolutions(
			"Run terraform init in the configured directory",
			"Check access to the remote state backend",
		)
		err.WithVerify("terraform show -json")
	}
	return err
}

// Conflict creates an error for a duplicate pending approval
func Conflict(reportID, pendingID string) *VahtiError {
	return New(ErrorTypeConflict, "approval", fmt.Sprintf("report %s already has pending approval %s", reportID, pendingID)).
		WithSolutions(
			fmt.Sprintf("vahti approve %s", pendingID),
			fmt.Sprintf("vahti reject %s", pendingID),
		)
}

// AlreadyTerminal creates an error for a transition on a finished approval
func AlreadyTerminal(id, status string) *VahtiError {
	return New(ErrorTypeAlreadyTerminal, "approval", fmt.Sprintf("approval %s is already %s", id, status)).
		WithHelp("vahti list-approvals")
}

// RemediationIncomplete creates an error for drift left after remediation
func RemediationIncomplete(reportID string, residual int) *VahtiError {
	return New(ErrorTypeRemediationIncomplete, "remediation",
		fmt.Sprintf("remediation of report %s left %d finding(s) unresolved", reportID, residual)).
		WithSolutions(
			"Inspect the residual findings with vahti reports",
			"Fix the remaining drift manually or re-run vahti check --react",
		)
}

// NotificationFailure creates an error for an undeliverable notification
func NotificationFailure(originalErr error) *VahtiError {
	return Wrap(originalErr, ErrorTypeNotificationFailure, "notify", "notification delivery failed")
}

// NotFound creates an error for a missing record
func NotFound(kind, id string) *VahtiError {
	return New(ErrorTypeNotFound, "storage", fmt.Sprintf("%s %s not found", kind, id))
}

// AlreadyRunning creates an error for a second monitor on one environment
func AlreadyRunning(environment, hostname string, pid int) *VahtiError {
	return New(ErrorTypeAlreadyRunning, "monitor",
		fmt.Sprintf("monitor for %s already running (pid %d on %s)", environment, pid, hostname)).
		WithSolutions("vahti monitor stop").
		WithVerify("vahti monitor status")
}

// Unauthorized creates an error for an approver outside the approver set
func Unauthorized(id, identity string) *VahtiError {
	return New(ErrorTypeUnauthorized, "approval", fmt.Sprintf("%s is not an approver of %s", identity, id))
}

// MonitorHalted creates the fatal error surfaced when the failure threshold
// is reached
func MonitorHalted(environment string, failures int, lastErr error) *VahtiError {
	return Wrap(lastErr, ErrorTypeMonitorHalted, "monitor",
		fmt.Sprintf("monitor for %s halted after %d consecutive failures", environment, failures)).
		WithSolutions(
			"Fix the cause of the failures",
			"vahti monitor start",
		)
}

// ConfigurationError creates a configuration error
func ConfigurationError(message string) *VahtiError {
	return New(ErrorTypeConfiguration, "config", message).
		WithHelp("vahti --help")
}

// PersistenceError creates an error for a failed store operation
func PersistenceError(operation string, originalErr error) *VahtiError {
	return Wrap(originalErr, ErrorTypePersistence, "storage", fmt.Sprintf("failed to %s", operation))
}

// DriftDetected is returned by commands that found drift
func DriftDetected(environment string, findings int) *VahtiError {
	return New(ErrorTypeDriftDetected, "differ", fmt.Sprintf("%d drift finding(s) in %s", findings, environment))
}
