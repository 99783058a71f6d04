package storage

import (
	"context"
	"sort"

	"github.com/yairfalse/vahti/pkg/types"
)

// Storage persists drift reports, approval requests and remediation results
// as individually addressable records keyed by id
type Storage interface {
	// Drift reports
	SaveReport(ctx context.Context, report *types.DriftReport) error
	LoadReport(ctx context.Context, id string) (*types.DriftReport, error)
	ListReports(ctx context.Context, environment string) ([]*types.DriftReport, error)

	// Approval requests. CreateApproval fails with a Conflict error when a
	// pending request already references the same report.
	CreateApproval(ctx context.Context, approval *types.ApprovalRequest) error
	LoadApproval(ctx context.Context, id string) (*types.ApprovalRequest, error)
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*types.ApprovalRequest, error)
	// UpdateApproval runs mutate on the current record and persists the result
	// atomically with respect to other updates of the same record. When mutate
	// returns an error nothing is written and the unchanged record is returned
	// with that error.
	UpdateApproval(ctx context.Context, id string, mutate func(*types.ApprovalRequest) error) (*types.ApprovalRequest, error)

	// Remediation results
	SaveRemediation(ctx context.Context, result *types.RemediationResult) error
	LoadRemediation(ctx context.Context, id string) (*types.RemediationResult, error)
	ListRemediations(ctx context.Context, environment string) ([]*types.RemediationResult, error)

	Close() error
}

// ApprovalFilter narrows ListApprovals. Zero fields match everything.
type ApprovalFilter struct {
	Status      types.ApprovalStatus
	Environment string
	ReportID    string
}

// Matches reports whether an approval passes the filter
func (f ApprovalFilter) Matches(a *types.ApprovalRequest) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Environment != "" && a.Environment != f.Environment {
		return false
	}
	if f.ReportID != "" && a.DriftReportRef != f.ReportID {
		return false
	}
	return true
}

// filterRemediations keeps results of environment, newest first
func filterRemediations(results []*types.RemediationResult, environment string) []*types.RemediationResult {
	filtered := results[:0]
	for _, r := range results {
		if environment == "" || r.Environment == environment {
			filtered = append(filtered, r)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if !filtered[i].StartedAt.Equal(filtered[j].StartedAt) {
			return filtered[i].StartedAt.After(filtered[j].StartedAt)
		}
		return filtered[i].ID < filtered[j].ID
	})
	return filtered
}

// Config holds storage configuration
type Config struct {
	Backend    string
	BaseDir    string
	SQLitePath string
}

// New opens the configured backend
func New(config Config) (Storage, error) {
	switch config.Backend {
	case "", "file":
		return NewFileStorage(config.BaseDir)
	case "sqlite":
		return NewSQLiteStorage(config.SQLitePath)
	default:
		return nil, &UnknownBackendError{Backend: config.Backend}
	}
}

// UnknownBackendError is returned by New for an unsupported backend
type UnknownBackendError struct {
	Backend string
}

func (e *UnknownBackendError) Error() string {
	return "unknown storage backend: " + e.Backend
}
