package differ

import (
	"testing"

	"github.com/yairfalse/vahti/pkg/types"
)

func TestClassifier_Classify(t *testing.T) {
	classifier := NewClassifier()

	tests := []struct {
		name  string
		kind  types.FindingKind
		field string
		role  types.Role
		want  types.Severity
	}{
		{"missing default role", types.MissingResource, "", "", types.SeverityCritical},
		{"missing required", types.MissingResource, "", types.RoleRequired, types.SeverityCritical},
		{"missing optional", types.MissingResource, "", types.RoleOptional, types.SeverityWarning},
		{"missing database", types.MissingResource, "", types.RoleDatabase, types.SeverityCritical},
		{"extra never critical", types.ExtraResource, "", types.RoleDatabase, types.SeverityWarning},
		{"health always critical", types.HealthDegraded, "health", types.RoleOptional, types.SeverityCritical},
		{"database health", types.HealthDegraded, "health", types.RoleDatabase, types.SeverityCritical},
		{"state mismatch", types.StateMismatch, "status", "", types.SeverityWarning},
		{"database state mismatch", types.StateMismatch, "replicas", types.RoleDatabase, types.SeverityCritical},
		{"image drift", types.ConfigDrift, "image", "", types.SeverityWarning},
		{"label drift", types.ConfigDrift, "labels.team", "", types.SeverityInfo},
		{"unknown field", types.ConfigDrift, "cpu", "", types.SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifier.Classify(tt.kind, tt.field, tt.role); got != tt.want {
				t.Errorf("Classify(%s, %s, %s) = %s, want %s", tt.kind, tt.field, tt.role, got, tt.want)
			}
		})
	}
}

func TestClassifier_Describe(t *testing.T) {
	classifier := NewClassifier()
	if got := classifier.Describe(types.ConfigDrift, "labels.team"); got != "Labels differ" {
		t.Errorf("Describe() = %q", got)
	}
}
