package types

import (
	"fmt"
	"sort"
	"time"
)

// FindingKind classifies a single deviation between desired and actual state
type FindingKind string

const (
	MissingResource FindingKind = "missing_resource"
	ExtraResource   FindingKind = "extra_resource"
	StateMismatch   FindingKind = "state_mismatch"
	HealthDegraded  FindingKind = "health_degraded"
	ConfigDrift     FindingKind = "config_drift"
)

// IsValid checks if the FindingKind is valid
func (k FindingKind) IsValid() bool {
	switch k {
	case MissingResource, ExtraResource, StateMismatch, HealthDegraded, ConfigDrift:
		return true
	default:
		return false
	}
}

// String returns the string representation of FindingKind
func (k FindingKind) String() string {
	return string(k)
}

// Severity of a finding
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from least to most severe. Unknown severities rank
// below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// IsValid checks if the Severity is valid
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// DriftFinding is one typed deviation
type DriftFinding struct {
	Kind         FindingKind `json:"kind"`
	ResourceID   string      `json:"resource_id"`
	ResourceType string      `json:"resource_type"`
	Field        string      `json:"field,omitempty"`
	Expected     string      `json:"expected,omitempty"`
	Actual       string      `json:"actual,omitempty"`
	Severity     Severity    `json:"severity"`
	Message      string      `json:"message"`
}

// String returns a one-line description of the finding
func (f DriftFinding) String() string {
	return fmt.Sprintf("[%s] %s %s: %s", f.Severity, f.Kind, f.ResourceID, f.Message)
}

// DriftSummary counts findings of a report
type DriftSummary struct {
	Total      int                 `json:"total"`
	BySeverity map[Severity]int    `json:"by_severity"`
	ByKind     map[FindingKind]int `json:"by_kind"`
}

// DriftReport is the result of one comparison
type DriftReport struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Environment string         `json:"environment"`
	DesiredID   string         `json:"desired_id"`
	SnapshotID  string         `json:"snapshot_id"`
	Findings    []DriftFinding `json:"findings"`
	HasDrift    bool           `json:"has_drift"`
	Summary     DriftSummary   `json:"summary"`
}

// Validate checks the report's invariants
func (r *DriftReport) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("drift report ID cannot be empty")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("drift report timestamp cannot be zero")
	}
	if r.HasDrift != (len(r.Findings) > 0) {
		return fmt.Errorf("drift report %s: has_drift=%t with %d findings", r.ID, r.HasDrift, len(r.Findings))
	}
	for i, f := range r.Findings {
		if !f.Kind.IsValid() {
			return fmt.Errorf("finding %d has invalid kind %q", i, f.Kind)
		}
		if !f.Severity.IsValid() {
			return fmt.Errorf("finding %d has invalid severity %q", i, f.Severity)
		}
		if f.ResourceID == "" {
			return fmt.Errorf("finding %d has no resource", i)
		}
	}
	return nil
}

// MaxSeverity returns the highest severity among the findings, or "" when
// there are none
func (r *DriftReport) MaxSeverity() Severity {
	var max Severity
	for _, f := range r.Findings {
		if f.Severity.Rank() > max.Rank() {
			max = f.Severity
		}
	}
	return max
}

// CriticalCount returns the number of critical findings
func (r *DriftReport) CriticalCount() int {
	return r.Summary.BySeverity[SeverityCritical]
}

// Summarize builds a DriftSummary from findings
func Summarize(findings []DriftFinding) DriftSummary {
	summary := DriftSummary{
		Total:      len(findings),
		BySeverity: make(map[Severity]int),
		ByKind:     make(map[FindingKind]int),
	}
	for _, f := range findings {
		summary.BySeverity[f.Severity]++
		summary.ByKind[f.Kind]++
	}
	return summary
}

// TopFindings returns up to n findings ordered by severity, most severe
// first, keeping report order among equal severities
func TopFindings(findings []DriftFinding, n int) []DriftFinding {
	sorted := make([]DriftFinding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Severity.Rank() > sorted[j].Severity.Rank()
	})
	if n >= 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
